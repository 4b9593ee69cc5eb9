package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/fcsandbox/internal/apiclient"
	"github.com/michaelbrown/fcsandbox/internal/config"
	"github.com/michaelbrown/fcsandbox/internal/logging"
)

var (
	configFlag   string
	serverFlag   string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "fcsandbox",
	Short: "fcsandbox - Firecracker code sandboxes",
	Long: `fcsandbox runs untrusted JavaScript inside Firecracker micro-VMs restored
from a pre-baked snapshot. Each sandbox keeps its interpreter state between
executions until it is destroyed.

Run "fcsandbox serve" as root on the host, then drive it with the other
subcommands or the HTTP API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./fcsandbox.yaml or ~/.fcsandbox/fcsandbox.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", apiclient.DefaultBaseURL, "fcsandbox server URL")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (overrides config)")
}

// loadConfig reads the config and applies it to the process logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	level := cfg.Logging.Level
	if logLevelFlag != "" {
		level = logLevelFlag
	}
	if err := logging.Setup(os.Stderr, level, cfg.Logging.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newAPIClient() *apiclient.Client {
	return apiclient.New(serverFlag)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
