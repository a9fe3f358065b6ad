package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*HttpOptions)(nil)

// HttpOptions configures the operations HTTP server (health, metrics, debug).
type HttpOptions struct {
	// Addr is the bind address. Empty disables the server.
	Addr string `json:"addr" mapstructure:"addr"`

	ReadHeaderTimeout time.Duration `json:"read-header-timeout" mapstructure:"read-header-timeout"`

	// ShutdownTimeout bounds the graceful shutdown on exit.
	ShutdownTimeout time.Duration `json:"shutdown-timeout" mapstructure:"shutdown-timeout"`
}

// NewHttpOptions creates a HttpOptions object with default parameters.
func NewHttpOptions() *HttpOptions {
	return &HttpOptions{
		Addr:              "127.0.0.1:9464",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
	}
}

// Enabled reports whether the server should be started.
func (o *HttpOptions) Enabled() bool {
	return o != nil && o.Addr != ""
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *HttpOptions) Validate() []error {
	if !o.Enabled() {
		return nil
	}

	errs := []error{}

	if err := ValidateAddress(o.Addr); err != nil {
		errs = append(errs, fmt.Errorf("--http.addr: %w", err))
	}
	if o.ReadHeaderTimeout <= 0 {
		errs = append(errs, fmt.Errorf("--http.read-header-timeout must be positive, got %s", o.ReadHeaderTimeout))
	}
	if o.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("--http.shutdown-timeout must be positive, got %s", o.ShutdownTimeout))
	}

	return errs
}

// AddFlags adds flags related to the operations server to the specified FlagSet.
func (o *HttpOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Addr, "http.addr", o.Addr, "Bind address of the health/metrics server. Empty disables it.")
	fs.DurationVar(&o.ReadHeaderTimeout, "http.read-header-timeout", o.ReadHeaderTimeout, "Time allowed to read request headers.")
	fs.DurationVar(&o.ShutdownTimeout, "http.shutdown-timeout", o.ShutdownTimeout, "Grace period for in-flight requests on shutdown.")
}
