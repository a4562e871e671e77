// aof is a multi-user content aggregator: per-domain user-scripted
// fetchers run sandboxed in forked child processes, their output is
// content-addressed and deduplicated, and subscribed users see updates
// live over a binary session protocol or pull them as RSS.
//
// Usage:
//
//	aof --config aof.toml
//	aof generate-config aof.toml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cpsdqs/aof/internal/autofetch"
	"github.com/cpsdqs/aof/internal/config"
	"github.com/cpsdqs/aof/internal/fetcher"
	"github.com/cpsdqs/aof/internal/server"
	"github.com/cpsdqs/aof/internal/session"
	"github.com/cpsdqs/aof/internal/store"
	"github.com/cpsdqs/aof/internal/supervisor"
)

func main() {
	var configPath string
	var debug bool

	root := &cobra.Command{
		Use:   "aof",
		Short: "a multi-user content aggregator with a sandboxed per-domain fetcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, debug)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "aof.toml", "path to the TOML config file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(&cobra.Command{
		Use:   "generate-config FILE",
		Short: "write a starter config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.WriteDefault(args[0])
		},
	})

	root.AddCommand(&cobra.Command{
		Use:    "fetcher-ipc-fork",
		Short:  "internal: run as a sandboxed script child (invoked by the supervisor, not users)",
		Hidden: true,
		Args:   cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return supervisor.RunChild(os.Stdin, os.Stdout)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "create-token",
		Short: "mint a single-use registration token, valid for 24 hours",
		RunE: func(cmd *cobra.Command, args []string) error {
			return createToken(configPath)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Debug = true
	}

	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(log)
	log.Info("starting aof", "listen_addr", cfg.ListenAddr, "database", cfg.DatabasePath)

	st, err := store.Open(cfg.DatabasePath, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	hub := session.NewHub()
	st.SetDispatcher(hub)

	sup := supervisor.New()
	fetch := fetcher.New(st, hub, sup, log)

	sched := autofetch.New(st, fetch, log)
	sched.MajorInterval = cfg.MajorInterval
	sched.MinorInterval = cfg.MinorInterval
	sched.MinorItemInterval = cfg.MinorItemInterval
	sched.NumWorkers = cfg.AutoFetchWorkers

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched.Start(ctx)

	srv := server.New(cfg, st, fetch, hub, log)
	srv.Start(ctx) // blocks until ctx is cancelled

	log.Info("aof stopped")
	return nil
}

func createToken(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := slog.Default()
	st, err := store.Open(cfg.DatabasePath, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	token, err := st.CreateRegistrationToken(time.Now().Add(24 * time.Hour))
	if err != nil {
		return fmt.Errorf("create token: %w", err)
	}
	fmt.Println(token)
	return nil
}
