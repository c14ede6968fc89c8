package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/dealvault/scalecore/internal/config"
)

func newConfigCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate",
			Short: "Validate the effective configuration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := loadConfig(cmd, v)
				if err != nil {
					return err
				}
				if err := cfg.Validate(); err != nil {
					return err
				}
				source := v.ConfigFileUsed()
				if source == "" {
					source = "defaults"
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "configuration valid (%s)\n", source)
				return err
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration as YAML",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := loadConfig(cmd, v)
				if err != nil {
					return err
				}
				out, err := yaml.Marshal(cfg)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			},
		},
		&cobra.Command{
			Use:   "init <path>",
			Short: "Write the default configuration to a file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := config.NewDefault().SaveToFile(args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
				return err
			},
		},
	)

	return cmd
}
