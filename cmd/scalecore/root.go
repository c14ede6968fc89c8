package main

import (
	stderrors "errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dealvault/scalecore/internal/config"
	"github.com/dealvault/scalecore/pkg/errors"
)

// NewRootCmd creates the root scalecore command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "scalecore",
		Short:         "Scalecore resilience and auto-scaling layer",
		Long:          "Scalecore monitors operation latency, guards dependencies with circuit breakers and scales the instance pool.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initViper(cmd, v)
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "", "log format (json, console)")
	_ = v.BindPFlag("logging.level", root.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("logging.format", root.PersistentFlags().Lookup("log-format"))

	root.AddCommand(
		newServeCmd(v),
		newStatusCmd(v),
		newConfigCmd(v),
		newVersionCmd(),
	)

	return root
}

// initViper locates the config file. Flags are bound to v where they are
// declared; loadConfig layers them over the file and environment.
func initViper(cmd *cobra.Command, v *viper.Viper) error {
	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrap(err, errors.ErrCodeConfigLoad, "reading config file").
				WithDetail("file", cfgFile)
		}
	} else {
		v.SetConfigName("scalecore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/scalecore")
		v.AddConfigPath("/etc/scalecore")
		// Defaults and env vars apply without a file; parse errors must surface.
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !stderrors.As(err, &notFound) {
				return errors.Wrap(err, errors.ErrCodeConfigLoad, "reading config")
			}
		}
	}
	return nil
}

// loadConfig builds the effective configuration: defaults, then the file
// viper located, then SCALECORE_ environment variables, then flags the user
// set explicitly.
func loadConfig(cmd *cobra.Command, v *viper.Viper) (*config.Configuration, error) {
	cfg, err := config.Load(v.ConfigFileUsed())
	if err != nil {
		return nil, err
	}

	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}
	if changed("log-level") {
		cfg.Logging.Level = v.GetString("logging.level")
	}
	if changed("log-format") {
		cfg.Logging.Format = v.GetString("logging.format")
	}
	if changed("addr") {
		cfg.Server.Addr = v.GetString("server.addr")
	}
	if changed("capacity-backend") {
		cfg.Capacity.Backend = v.GetString("capacity.backend")
	}
	if changed("scaling") {
		cfg.Scaling.Enabled = v.GetBool("scaling.enabled")
	}
	if changed("cache") {
		cfg.Cache.Enabled = v.GetBool("cache.enabled")
	}
	return cfg, nil
}
