package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// configCmd prints the effective configuration.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long:  `Print the configuration after applying the file and TRACEMACHINE_* environment overrides.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
