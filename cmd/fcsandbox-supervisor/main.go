// Command fcsandbox-supervisor runs inside the guest. It listens on a vsock
// port, keeps one warm kernel process, and answers one framed request per
// connection.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/fcsandbox/internal/logging"
	"github.com/michaelbrown/fcsandbox/internal/supervisor"
	"github.com/michaelbrown/fcsandbox/internal/wire"
)

const defaultKernelCmd = "/usr/bin/fcsandbox-kernel"

var (
	portFlag        uint32
	kernelCmdFlag   string
	maxFrameFlag    uint32
	kernelGraceFlag time.Duration
	logLevelFlag    string
	logFormatFlag   string
)

var rootCmd = &cobra.Command{
	Use:           "fcsandbox-supervisor",
	Short:         "Guest-side supervisor bridging vsock requests to the kernel process",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().Uint32Var(&portFlag, "port", supervisor.DefaultPort, "vsock port to listen on")
	rootCmd.Flags().StringVar(&kernelCmdFlag, "kernel-cmd", defaultKernelCmd, "Kernel command line (shell syntax)")
	rootCmd.Flags().Uint32Var(&maxFrameFlag, "max-frame-size", wire.DefaultMaxFrameSize, "Largest accepted request frame in bytes")
	rootCmd.Flags().DurationVar(&kernelGraceFlag, "kernel-grace", 2*time.Second, "How long the kernel gets to exit on shutdown")
	rootCmd.Flags().StringVar(&logLevelFlag, "log-level", "info", "Log level")
	rootCmd.Flags().StringVar(&logFormatFlag, "log-format", "text", "Log format (text, json)")
}

func run(cmd *cobra.Command, args []string) error {
	if err := logging.Setup(os.Stderr, logLevelFlag, logFormatFlag); err != nil {
		return err
	}
	log := logrus.WithField("component", "supervisor")

	argv, err := shellwords.Parse(kernelCmdFlag)
	if err != nil {
		return errors.Wrap(err, "parse --kernel-cmd")
	}
	if len(argv) == 0 {
		return errors.New("--kernel-cmd is empty")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr := supervisor.NewKernelManager(supervisor.KernelConfig{
		Command:   argv,
		StopGrace: kernelGraceFlag,
	}, log.WithField("kernel", argv[0]))
	defer mgr.Close()

	// Spawn the kernel before the snapshot is taken so restored sandboxes
	// start with a live interpreter.
	if resp := mgr.Warm(ctx); !resp.OK() {
		log.WithField("output", resp.Output).Warn("kernel warm-up failed; will retry on first request")
	} else {
		log.WithField("pid", mgr.Pid()).Info("kernel warm")
	}

	ln, err := supervisor.Listen(portFlag)
	if err != nil {
		return err
	}

	srv := supervisor.NewServer(mgr, maxFrameFlag, log)
	if err := srv.Serve(ctx, ln); err != nil {
		return err
	}
	log.Info("supervisor stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
