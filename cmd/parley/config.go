package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var validate = validator.New()

// LogSettings configures the global zerolog logger.
type LogSettings struct {
	Level  string `mapstructure:"log-level" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Format string `mapstructure:"log-format" validate:"oneof=console json"`
	File   string `mapstructure:"log-file"`
}

func initRootCmd() error {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "config file (default $XDG_CONFIG_HOME/parley/config.yaml)")
	pf.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.String("log-format", "console", "log format (console, json)")
	pf.String("log-file", "", "write logs to this file instead of stderr")
	pf.String("identity-file", "", "where the local identity is kept (default $XDG_CONFIG_HOME/parley/identity.yaml)")
	return viper.BindPFlags(pf)
}

// initConfig loads the config file and environment into viper. Flags bound
// to viper win over both.
func initConfig(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return errors.Wrap(err, "bind flags")
	}
	viper.SetEnvPrefix("PARLEY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if path := viper.GetString("config"); path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "read config %s", path)
		}
		return nil
	}
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	if dir, err := os.UserConfigDir(); err == nil {
		viper.AddConfigPath(filepath.Join(dir, "parley"))
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return errors.Wrap(err, "read config")
		}
	}
	return nil
}

// decodeSettings unmarshals the merged configuration into out and validates it.
func decodeSettings(out interface{}) error {
	if err := viper.Unmarshal(out); err != nil {
		return errors.Wrap(err, "decode settings")
	}
	if err := validate.Struct(out); err != nil {
		return errors.Wrap(err, "invalid settings")
	}
	return nil
}

func initLogger(cmd *cobra.Command) error {
	var s LogSettings
	if err := decodeSettings(&s); err != nil {
		return err
	}
	// the TUI owns the terminal, so chat logs go to a file unless told otherwise
	if s.File == "" && cmd.Name() == "chat" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return errors.Wrap(err, "locate cache dir for chat log")
		}
		s.File = filepath.Join(dir, "parley", "chat.log")
	}
	logger, err := newLogger(s, os.Stderr)
	if err != nil {
		return err
	}
	log.Logger = logger
	return nil
}

func newLogger(s LogSettings, stderr io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(s.Level)
	if err != nil {
		return zerolog.Logger{}, errors.Wrapf(err, "parse log level %q", s.Level)
	}
	zerolog.SetGlobalLevel(level)

	out := stderr
	if s.File != "" {
		if err := os.MkdirAll(filepath.Dir(s.File), 0o700); err != nil {
			return zerolog.Logger{}, errors.Wrap(err, "create log dir")
		}
		f, err := os.OpenFile(s.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return zerolog.Logger{}, errors.Wrap(err, "open log file")
		}
		out = f
	}
	if s.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, NoColor: s.File != ""}
	}
	return zerolog.New(out).With().Timestamp().Logger().Level(level), nil
}
