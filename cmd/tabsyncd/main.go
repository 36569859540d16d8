package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tabsync/tabsync/internal/config"
	"github.com/tabsync/tabsync/internal/daemon"
	"github.com/tabsync/tabsync/internal/db"
	"github.com/tabsync/tabsync/internal/registry"
)

func main() {
	cfg := config.DefaultConfig()
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "address for the sync server")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite path")
	flag.IntVar(&cfg.ScrollbackLimit, "scrollback", cfg.ScrollbackLimit, "per-session scrollback bytes")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}
	// Sessions do not survive a daemon restart; tab bindings do, so the
	// next resume request substitutes a fresh session per tab.
	if err := store.ClearSessions(ctx); err != nil {
		fatal(err)
	}

	reg := registry.New(cfg.ScrollbackLimit)
	srv := daemon.NewServer(cfg, store, reg)
	if err := srv.Start(ctx); err != nil && err != context.Canceled {
		fatal(err)
	}
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "tabsyncd: %v\n", err)
	os.Exit(1)
}
