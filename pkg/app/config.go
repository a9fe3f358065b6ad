package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/autopeer-io/rovpilot/pkg/log"
)

const configFlagName = "config"

func addConfigFlag(basename string, fs *pflag.FlagSet, cfgFile *string) {
	fs.StringVarP(cfgFile, configFlagName, "c", *cfgFile,
		fmt.Sprintf("Read configuration from the specified file. Defaults to %s.yaml in $HOME/.%s or /etc/%s.", basename, basename, basename))
}

// loadConfig layers flags, environment and the config file into v. Flags set
// on the command line win, then environment, then the file.
func loadConfig(v *viper.Viper, basename, cfgFile string, fs *pflag.FlagSet) error {
	v.SetEnvPrefix(strings.ToUpper(strings.ReplaceAll(basename, "-", "_")))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return err
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(basename)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/." + basename)
		v.AddConfigPath("/etc/" + basename)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read configuration file: %w", err)
		}
	}
	return nil
}

// watchLogLevel applies log.level changes from the config file while running.
func watchLogLevel(v *viper.Viper) {
	if v.ConfigFileUsed() == "" {
		return
	}
	log.Info("Using configuration file", "file", v.ConfigFileUsed())

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		level := v.GetString("log.level")
		if err := log.SetLevel(level); err != nil {
			log.Error(err, "Failed to apply log level from configuration", "file", e.Name, "level", level)
			return
		}
		log.Info("Log level changed", "level", level)
	})
	v.WatchConfig()
}
