// Command wlcored runs the compositor core as a standalone daemon.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wlcore/wlcore"
	"github.com/wlcore/wlcore/internal/config"
	"github.com/wlcore/wlcore/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "wlcored",
	Short: "wlcored runs the compositor core",
	Long: `wlcored is the compositor core daemon: it binds the Wayland
sockets, probes for a usable GPU, and serves client connections until
terminated.`,
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to wlcored.toml (defaults in use if omitted)")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logging.Default()

	cfg, err := config.LoadOptional(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	srv, err := wlcore.New(cfg, configPath)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	log.Info("wlcored: running")
	if err := srv.Run(); err != nil {
		log.Errorf("wlcored: event loop exited with error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), wlcore.DefaultGracefulShutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("wlcored: stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
