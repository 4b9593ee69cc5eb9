package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/fcsandbox/internal/vmm"
)

var (
	templateFlag string
	workDirFlag  string
	warmUpFlag   time.Duration
)

var bakeCmd = &cobra.Command{
	Use:   "bake",
	Short: "Boot a template VM and write the shared snapshot",
	Long: `Boot a template VM with plain firecracker, let the guest supervisor warm
its kernel, pause the VM and write vm.snap and vm.mem. Copy the results and
rootfs.ext4 into the resources directory the server restores from.

Examples:
  fcsandbox bake
  fcsandbox bake --template bake.yaml --work-dir ./build`,
	Args: cobra.NoArgs,
	RunE: runBake,
}

func init() {
	bakeCmd.Flags().StringVar(&templateFlag, "template", "", "Bake template YAML (default: built-in template)")
	bakeCmd.Flags().StringVar(&workDirFlag, "work-dir", "", "Directory holding the kernel and rootfs (overrides template)")
	bakeCmd.Flags().DurationVar(&warmUpFlag, "warm-up", 0, "Time to let the guest boot before pausing (overrides template)")
	rootCmd.AddCommand(bakeCmd)
}

func runBake(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}

	t := vmm.DefaultBakeTemplate()
	if templateFlag != "" {
		var err error
		if t, err = vmm.LoadBakeTemplate(templateFlag); err != nil {
			return err
		}
	}
	if workDirFlag != "" {
		t.WorkDir = workDirFlag
	}
	if warmUpFlag > 0 {
		t.WarmUp = warmUpFlag
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logrus.WithField("component", "bake")
	start := time.Now()
	if err := vmm.Bake(ctx, t, log); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"snapshot": t.SnapshotPath,
		"memory":   t.MemPath,
		"took":     time.Since(start).Round(time.Millisecond),
	}).Info("snapshot written")
	return nil
}
