package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftsh/drift/internal/config"
	"github.com/driftsh/drift/internal/gateway"
	"github.com/driftsh/drift/internal/logger"
)

func main() {
	root := &cobra.Command{
		Use:   "driftgw",
		Short: "drift browser gateway",
		RunE:  runServe,
	}
	root.Flags().String("config", "", "config file path")
	root.Flags().String("addr", "", "listen address (overrides config)")
	root.Flags().String("manager", "", "session manager URL (overrides config)")

	token := &cobra.Command{
		Use:   "token",
		Short: "mint a browser JWT",
		RunE:  runToken,
	}
	token.Flags().String("config", "", "config file path")
	token.Flags().String("user", "", "subject user id")
	token.Flags().String("name", "", "display name")
	token.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	token.MarkFlagRequired("user")
	root.AddCommand(token)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	addr, _ := cmd.Flags().GetString("addr")
	managerURL, _ := cmd.Flags().GetString("manager")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Gateway.Addr = addr
	}
	if managerURL != "" {
		cfg.Gateway.ManagerURL = managerURL
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	secret, err := decodeSecret(cfg.Gateway.JWTSecret)
	if err != nil {
		return err
	}
	if len(secret) == 0 {
		logger.Log.Warn("no JWT secret configured, gateway auth is disabled")
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

	srv := gateway.NewServer(cfg.Gateway, secret)
	return srv.ListenAndServe(ctx)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	user, _ := cmd.Flags().GetString("user")
	name, _ := cmd.Flags().GetString("name")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	secret, err := decodeSecret(cfg.Gateway.JWTSecret)
	if err != nil {
		return err
	}
	if len(secret) == 0 {
		return fmt.Errorf("gateway.jwt_secret is not configured")
	}

	signed, exp, err := gateway.IssueToken(secret, user, name, ttl)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", signed)
	fmt.Fprintf(os.Stderr, "expires %s\n", exp.UTC().Format(time.RFC3339))
	return nil
}

// decodeSecret accepts a base64 secret, falling back to the raw string
// for hand-written configs.
func decodeSecret(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return []byte(s), nil
}
