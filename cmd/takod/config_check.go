package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tako-run/takod/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the daemon's runtime configuration",
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Load and validate the configuration without starting the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}

		fmt.Printf("configuration OK\n\n")
		fmt.Printf("data_root:            %s\n", cfg.DataRoot)
		fmt.Printf("socket_path:          %s\n", cfg.SocketPath)
		fmt.Printf("http_port:            %d\n", cfg.HTTPPort)
		fmt.Printf("https_port:           %d\n", cfg.HTTPSPort)
		fmt.Printf("probe_interval:       %s\n", cfg.ProbeInterval)
		fmt.Printf("unhealthy_threshold:  %d\n", cfg.UnhealthyThreshold)
		fmt.Printf("dead_threshold:       %d\n", cfg.DeadThreshold)
		fmt.Printf("startup_timeout:      %s\n", cfg.StartupTimeout)
		fmt.Printf("drain_timeout:        %s\n", cfg.DrainTimeout)
		fmt.Printf("default_idle_timeout: %s\n", cfg.DefaultIdleTimeout)
		fmt.Printf("environment:          %s\n", cfg.Environment)
		if cfg.UpgradeCandidate {
			fmt.Printf("upgrade_candidate:    true (owner: %s)\n", cfg.UpgradeOwner)
		}
		if cfg.ACMEDirectoryURL != "" {
			fmt.Printf("acme_directory_url:   %s\n", cfg.ACMEDirectoryURL)
		} else {
			fmt.Printf("acme_directory_url:   (disabled, self-signed certs only)\n")
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configCheckCmd)
	rootCmd.AddCommand(configCmd)
}
