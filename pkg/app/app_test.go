package app

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"
)

type probeOptions struct {
	Name    string        `mapstructure:"name"`
	Count   int           `mapstructure:"count"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func (o *probeOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Name, "probe.name", o.Name, "Name.")
	fs.IntVar(&o.Count, "probe.count", o.Count, "Count.")
	fs.DurationVar(&o.Timeout, "probe.timeout", o.Timeout, "Timeout.")
}

type testOptions struct {
	Probe     *probeOptions `mapstructure:"probe"`
	completed bool
}

func newTestOptions() *testOptions {
	return &testOptions{Probe: &probeOptions{Name: "default", Count: 1, Timeout: time.Second}}
}

func (o *testOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.Probe.AddFlags(fss.FlagSet("probe"))
	return fss
}

func (o *testOptions) Complete() error {
	o.completed = true
	return nil
}

func (o *testOptions) Validate() error {
	var errs []error
	if o.Probe.Count < 0 {
		errs = append(errs, errors.New("--probe.count must not be negative"))
	}
	return utilerrors.NewAggregate(errs)
}

func execute(t *testing.T, opts *testOptions, args ...string) error {
	t.Helper()
	ran := false
	a := NewApp("rovtest", "test app",
		WithOptions(opts),
		WithDefaultValidArgs(),
		WithRunFunc(func() error {
			ran = true
			return nil
		}),
	)
	cmd := a.Command()
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err == nil && !ran {
		t.Error("run func not called")
	}
	return err
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "rovtest.yaml")
	if err := os.WriteFile(file, []byte("probe:\n  name: from-file\n  count: 7\n  timeout: 3s\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	opts := newTestOptions()
	if err := execute(t, opts, "--config", file, "--probe.count=9"); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if opts.Probe.Name != "from-file" || opts.Probe.Count != 9 || opts.Probe.Timeout != 3*time.Second {
		t.Errorf("options = %+v", opts.Probe)
	}
	if !opts.completed {
		t.Error("Complete not called")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("ROVTEST_PROBE_NAME", "from-env")
	t.Chdir(t.TempDir())

	opts := newTestOptions()
	if err := execute(t, opts); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if opts.Probe.Name != "from-env" || opts.Probe.Count != 1 {
		t.Errorf("options = %+v", opts.Probe)
	}
}

func TestValidationFails(t *testing.T) {
	t.Chdir(t.TempDir())
	if err := execute(t, newTestOptions(), "--probe.count=-1"); err == nil {
		t.Error("Execute() accepted invalid options")
	}
}

func TestMissingConfigFile(t *testing.T) {
	err := execute(t, newTestOptions(), "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Error("Execute() accepted a missing explicit config file")
	}
}

func TestRejectsArguments(t *testing.T) {
	t.Chdir(t.TempDir())
	if err := execute(t, newTestOptions(), "extra"); err == nil {
		t.Error("Execute() accepted a positional argument")
	}
}
