package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/driftsh/drift/internal/config"
	"github.com/driftsh/drift/internal/logger"
	"github.com/driftsh/drift/internal/manager"
	"github.com/driftsh/drift/internal/registry"
)

func main() {
	root := &cobra.Command{
		Use:   "driftd",
		Short: "drift session manager daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			addr, _ := cmd.Flags().GetString("addr")
			dbPath, _ := cmd.Flags().GetString("db")

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Manager.Addr = addr
			}
			if dbPath != "" {
				cfg.Manager.RegistryPath = dbPath
			}

			if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			reg, err := registry.Open(cfg.Manager.RegistryPath)
			if err != nil {
				return fmt.Errorf("open registry: %w", err)
			}
			defer reg.Close()

			mgr := manager.New(cfg.Manager, reg)

			// Reconcile before the listener accepts anyone.
			if err := mgr.Reconcile(); err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfgPath != "" {
				err := config.Watch(ctx, cfgPath, func(c *config.Config) {
					logger.SetLevel(c.Logging.Level)
				})
				if err != nil {
					logger.Log.Warn("config watch unavailable", "err", err)
				}
			}

			srv := manager.NewServer(mgr, cfg.Manager.Addr)
			err = srv.ListenAndServe(ctx)

			// Detach hubs on the way out; tmux-backed sessions keep
			// running and reattach on next boot.
			mgr.Shutdown()
			return err
		},
	}

	root.Flags().String("config", "", "config file path")
	root.Flags().String("addr", "", "listen address (overrides config)")
	root.Flags().String("db", "", "registry file path (overrides config)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
