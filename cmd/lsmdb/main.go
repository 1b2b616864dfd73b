package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"lsmdb/pkg/config"
	"lsmdb/pkg/httpapi"
	"lsmdb/pkg/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults built in)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("load config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	initLogger(cfg.Logger)

	slog.Info("lsmdb starting", "data_dir", cfg.Engine.DataDir)

	db, err := store.Open(cfg)
	if err != nil {
		slog.Error("open store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("close store", "error", err)
		}
	}()

	var httpSrv *httpapi.Server
	if cfg.HTTP.Addr != "" {
		httpSrv = httpapi.NewServer(db, cfg.HTTP.Addr)
		if err := httpSrv.Start(); err != nil {
			slog.Error("start http server", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	if httpSrv != nil {
		if err := httpSrv.Stop(); err != nil {
			slog.Error("stop http server", "error", err)
		}
	}

	slog.Info("lsmdb stopped")
}
