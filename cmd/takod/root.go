package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version, GitCommit and BuildTime are set via -ldflags at build time.
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "takod",
	Short: "The Tako remote runtime daemon",
	Long: `takod runs on a deploy target and owns zero-downtime rollouts,
HTTP/HTTPS termination with automatic certificates, active health checks,
scale-to-zero, and in-place version upgrades for the apps deployed to it.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("takod {{.Version}}\ncommit:  %s\nbuilt:   %s\n", GitCommit, BuildTime))
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional; no file is read when unset)")
}
