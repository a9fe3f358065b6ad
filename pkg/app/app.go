// Package app builds cobra commands from option structs: named flag sets,
// a config file and environment overrides bound through viper.
package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	cliflag "k8s.io/component-base/cli/flag"
	"k8s.io/component-base/term"
	"k8s.io/klog/v2"

	"github.com/autopeer-io/rovpilot/pkg/log"
)

// RunFunc is the body of the application, called once options are loaded
// and valid.
type RunFunc func() error

// NamedFlagSetOptions is implemented by the options of an application.
type NamedFlagSetOptions interface {
	// Flags returns the flags grouped by section for help output.
	Flags() cliflag.NamedFlagSets

	// Complete fills in defaults derived from other fields.
	Complete() error

	// Validate reports every invalid option at once.
	Validate() error
}

// LogOptionsProvider is implemented by options that carry logger settings.
// The application initializes the global logger from them.
type LogOptionsProvider interface {
	LogOptions() *log.Options
}

// Option configures an App.
type Option func(*App)

type App struct {
	basename    string
	name        string
	description string
	options     NamedFlagSetOptions
	runFunc     RunFunc
	noConfig    bool
	args        cobra.PositionalArgs
	commands    []*cobra.Command
	viper       *viper.Viper
	cfgFile     string

	cmd *cobra.Command
}

func WithDescription(desc string) Option {
	return func(a *App) { a.description = desc }
}

func WithOptions(opts NamedFlagSetOptions) Option {
	return func(a *App) { a.options = opts }
}

func WithRunFunc(run RunFunc) Option {
	return func(a *App) { a.runFunc = run }
}

// WithNoConfig drops the --config flag.
func WithNoConfig() Option {
	return func(a *App) { a.noConfig = true }
}

// WithValidArgs sets the positional argument check.
func WithValidArgs(args cobra.PositionalArgs) Option {
	return func(a *App) { a.args = args }
}

// WithDefaultValidArgs rejects any positional argument.
func WithDefaultValidArgs() Option {
	return func(a *App) {
		a.args = func(cmd *cobra.Command, args []string) error {
			for _, arg := range args {
				if len(arg) > 0 {
					return fmt.Errorf("%q does not take any arguments, got %q", cmd.CommandPath(), args)
				}
			}
			return nil
		}
	}
}

// WithSubCommands attaches extra commands below the root.
func WithSubCommands(cmds ...*cobra.Command) Option {
	return func(a *App) { a.commands = append(a.commands, cmds...) }
}

// NewApp creates an application named basename.
func NewApp(basename string, shortDesc string, opts ...Option) *App {
	a := &App{
		basename: basename,
		name:     shortDesc,
		viper:    viper.New(),
	}
	for _, o := range opts {
		o(a)
	}
	a.buildCommand()
	return a
}

// Command returns the root command.
func (a *App) Command() *cobra.Command {
	return a.cmd
}

// Run executes the command line and exits non-zero on failure.
func (a *App) Run() {
	if err := a.cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func (a *App) buildCommand() {
	cmd := &cobra.Command{
		Use:           a.basename,
		Short:         a.name,
		Long:          a.description,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          a.args,
	}
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)
	cmd.Flags().SortFlags = true
	cmd.AddCommand(a.commands...)

	var namedFlagSets cliflag.NamedFlagSets
	if a.options != nil {
		namedFlagSets = a.options.Flags()
		fs := cmd.Flags()
		for _, f := range namedFlagSets.FlagSets {
			fs.AddFlagSet(f)
		}
	}
	if !a.noConfig {
		addConfigFlag(a.basename, namedFlagSets.FlagSet("global"), &a.cfgFile)
		cmd.Flags().AddFlagSet(namedFlagSets.FlagSet("global"))
	}

	if a.runFunc != nil {
		cmd.RunE = a.runCommand
	}

	cols, _, _ := term.TerminalSize(cmd.OutOrStdout())
	cliflag.SetUsageAndHelpFunc(cmd, namedFlagSets, cols)

	a.cmd = cmd
}

func (a *App) runCommand(cmd *cobra.Command, args []string) error {
	if !a.noConfig {
		if err := loadConfig(a.viper, a.basename, a.cfgFile, cmd.Flags()); err != nil {
			return err
		}
	}

	if a.options != nil {
		if err := a.applyOptions(); err != nil {
			return err
		}
	}
	if !a.noConfig {
		watchLogLevel(a.viper)
	}

	defer func() { _ = log.Sync() }()
	return a.runFunc()
}

func (a *App) applyOptions() error {
	if !a.noConfig {
		if err := a.viper.Unmarshal(a.options); err != nil {
			return fmt.Errorf("failed to decode configuration: %w", err)
		}
	}
	if err := a.options.Complete(); err != nil {
		return err
	}
	if err := a.options.Validate(); err != nil {
		return err
	}
	if p, ok := a.options.(LogOptionsProvider); ok {
		log.Init(p.LogOptions())
		// apiserver and component-base log through klog.
		klog.SetLogger(log.Logr())
	}
	return nil
}
