package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/autoreply/pkg/autoreply/config"
)

// loadConfig resolves the config path from --config or auto-discovery and
// loads it. Without a file, defaults plus environment are used.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// newLogger builds the root logger from the logging config.
func newLogger(cfg config.LoggingConfig, verbose bool, out io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

// describePath renders a config path for user-facing output.
func describePath(path string) string {
	if path == "" {
		return "(defaults + environment)"
	}
	return path
}

func printf(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format, args...)
}
