package options

import (
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/pflag"
)

// IOptions is implemented by every option group that can be bound to a flag set.
type IOptions interface {
	// Validate checks the options and returns every problem found.
	Validate() []error

	// AddFlags binds the options to the given flag set.
	AddFlags(fs *pflag.FlagSet, prefixes ...string)
}

// ValidateAddress checks that addr is a valid "host:port" pair.
// An empty host means all interfaces.
func ValidateAddress(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%q is not in the format of host:port: %w", addr, err)
	}
	if host != "" && net.ParseIP(host) == nil {
		if _, err := net.LookupHost(host); err != nil {
			return fmt.Errorf("%q is not a valid IP address or resolvable host", host)
		}
	}
	return ValidatePort(port)
}

// ValidatePort checks that port is a decimal number in [1, 65535].
func ValidatePort(port string) error {
	p, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("%q is not a valid port number", port)
	}
	if p < 1 || p > 65535 {
		return fmt.Errorf("port %d is out of range [1, 65535]", p)
	}
	return nil
}
