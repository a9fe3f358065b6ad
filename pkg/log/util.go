package log

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// toFields turns the variadic arguments of the logging calls into zap fields.
// Fields and bare errors pass through; everything else is read as key-value
// pairs. A trailing unpaired value is kept under "arg#N" and a non-string key
// under "invalid_key_N" so nothing is silently dropped.
func toFields(args ...any) []zap.Field {
	if len(args) == 0 {
		return nil
	}

	fields := make([]zap.Field, 0, len(args)/2+1)
	for i := 0; i < len(args); {
		switch a := args[i].(type) {
		case zap.Field:
			fields = append(fields, a)
			i++
			continue
		case error:
			fields = append(fields, zap.Error(a))
			i++
			continue
		}

		if i == len(args)-1 {
			fields = append(fields, zap.Any(fmt.Sprintf("arg#%d", i), args[i]))
			break
		}

		key, val := args[i], args[i+1]
		i += 2
		if k, ok := key.(string); ok {
			fields = append(fields, field(k, val))
			continue
		}
		fields = append(fields, zap.Any(fmt.Sprintf("invalid_key_%d", i/2), map[string]any{
			"key":   key,
			"value": val,
		}))
	}
	return fields
}

// field picks an encoder for val. Stringers such as session states are logged
// by name.
func field(key string, val any) zap.Field {
	switch v := val.(type) {
	case error:
		return zap.NamedError(key, v)
	case []byte:
		return zap.Binary(key, v)
	case time.Duration:
		return zap.Duration(key, v)
	case time.Time:
		return zap.Time(key, v)
	case fmt.Stringer:
		return zap.Stringer(key, v)
	default:
		return zap.Any(key, v)
	}
}
