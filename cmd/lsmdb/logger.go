package main

import (
	"log/slog"
	"os"

	"lsmdb/pkg/config"
)

// initLogger installs the global slog.Logger per the config's logger
// section: JSON or text handler, at the requested level.
func initLogger(cfg config.LoggerConfig) {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
