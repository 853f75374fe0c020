package cmd

import (
	"fmt"

	"github.com/codealchemist/peer-meet/internal/config"
	"github.com/spf13/cobra"
)

// loadConfig resolves the configuration for cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return loadConfigOptions(configOptions(cmd))
}

func loadConfigOptions(opts config.Options) (*config.Config, error) {
	cfg, err := config.Load(opts)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
