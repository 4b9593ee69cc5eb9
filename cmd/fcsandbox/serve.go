package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/fcsandbox/internal/client"
	"github.com/michaelbrown/fcsandbox/internal/pool"
	"github.com/michaelbrown/fcsandbox/internal/server"
	"github.com/michaelbrown/fcsandbox/internal/storage/sqlite"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sandbox server",
	Long: `Start the fcsandbox HTTP server and the sandbox pool it fronts.

The server must run as root: the jailer needs it to build each sandbox's
chroot. Only one server may own a jailer root directory at a time. Every
sandbox is destroyed when the server receives SIGINT or SIGTERM.

Examples:
  sudo fcsandbox serve
  sudo fcsandbox serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if os.Geteuid() != 0 {
		return errors.New("fcsandbox serve must run as root")
	}
	log := logrus.WithField("component", "serve")

	lock, err := pool.LockHost(cfg.VMM.JailerRootDir)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	p := pool.New(pool.Options{
		Factory:      pool.VMFactory(cfg.VMMConfig(), logrus.WithField("component", "vmm")),
		Executor:     client.New(cfg.ClientConfig(), logrus.WithField("component", "client")),
		Journal:      store,
		MaxSandboxes: cfg.Pool.MaxSandboxes,
		Log:          logrus.WithField("component", "pool"),
	})

	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv := server.New(p, store, logrus.WithField("component", "server"))

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		defer close(done)
		sig := <-sigCh
		log.WithField("signal", sig).Info("received signal")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.WithError(err).Warn("shutdown")
		}
	}()

	log.WithFields(logrus.Fields{
		"jailer_root": cfg.VMM.JailerRootDir,
		"resources":   cfg.VMM.ResourcesDir,
		"max":         cfg.Pool.MaxSandboxes,
	}).Info("sandbox pool ready")

	if err := srv.Start(port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-done
	return nil
}
