package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"parcel/internal/config"
	"parcel/internal/daemon"
	"parcel/internal/ipc"
	"parcel/internal/logging"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "parceld",
		Short:         "parcel daemon: workforce, expectation manager, and worker roles",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to the config file")
	return cmd
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logPaths := []string{"stdout"}
	if cfg.Paths.LogDir != "" {
		if err := os.MkdirAll(cfg.Paths.LogDir, 0o755); err != nil {
			return fmt.Errorf("ensure log directory: %w", err)
		}
		logPaths = append(logPaths, filepath.Join(cfg.Paths.LogDir, "parceld.log"))
	}
	logger, err := logging.New(logging.Options{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: logPaths,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := daemon.New(cfg, logger)
	if err := d.Start(ctx); err != nil {
		return err
	}
	defer d.Stop()

	if err := os.MkdirAll(filepath.Dir(cfg.Paths.SocketPath), 0o755); err != nil {
		return fmt.Errorf("ensure socket directory: %w", err)
	}
	ipcServer, err := ipc.NewServer(ctx, cfg.Paths.SocketPath, d, logger)
	if err != nil {
		return err
	}
	ipcServer.Serve()
	defer ipcServer.Close()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}
