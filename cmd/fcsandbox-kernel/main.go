// Command fcsandbox-kernel is the guest execution engine. It reads one JSON
// request per line on stdin and answers one JSON response per line on
// stdout. Logs go to stderr so they never mix with responses.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/fcsandbox/internal/kernel"
	"github.com/michaelbrown/fcsandbox/internal/logging"
)

var (
	logLevelFlag  string
	logFormatFlag string
)

var rootCmd = &cobra.Command{
	Use:           "fcsandbox-kernel",
	Short:         "JavaScript execution engine speaking newline-delimited JSON on stdio",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := logging.Setup(os.Stderr, logLevelFlag, logFormatFlag); err != nil {
			return err
		}
		log := logrus.WithFields(logrus.Fields{"component": "kernel", "pid": os.Getpid()})
		log.Debug("kernel ready")

		if err := kernel.New(log).Serve(os.Stdin, os.Stdout); err != nil {
			return err
		}
		log.Debug("stdin closed; exiting")
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&logLevelFlag, "log-level", "warn", "Log level")
	rootCmd.Flags().StringVar(&logFormatFlag, "log-format", "text", "Log format (text, json)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
