package commands

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/jholhewres/autoreply/pkg/autoreply/config"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LoggingConfig
		verbose bool
		level   slog.Level
		json    bool
	}{
		{"default", config.LoggingConfig{Level: "info", Format: "text"}, false, slog.LevelInfo, false},
		{"verbose overrides", config.LoggingConfig{Level: "error", Format: "text"}, true, slog.LevelDebug, false},
		{"warn json", config.LoggingConfig{Level: "WARN", Format: "json"}, false, slog.LevelWarn, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := newLogger(tt.cfg, tt.verbose, &buf)

			ctx := context.Background()
			if !logger.Enabled(ctx, tt.level) {
				t.Errorf("level %s not enabled", tt.level)
			}
			if logger.Enabled(ctx, tt.level-1) {
				t.Errorf("level below %s enabled", tt.level)
			}

			logger.Log(ctx, tt.level, "sample")
			if got := strings.HasPrefix(buf.String(), "{"); got != tt.json {
				t.Errorf("json output = %v, want %v: %s", got, tt.json, buf.String())
			}
		})
	}
}

func TestMaskSecret(t *testing.T) {
	tests := map[string]string{
		"":                    "",
		"short":               "****",
		"sk-1234567890abcdef": "sk-1...cdef",
	}
	for in, want := range tests {
		if got := maskSecret(in); got != want {
			t.Errorf("maskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDashboardURL(t *testing.T) {
	if got := dashboardURL(":8000"); got != "http://127.0.0.1:8000" {
		t.Errorf("got %s", got)
	}
	if got := dashboardURL("0.0.0.0:9000"); got != "http://0.0.0.0:9000" {
		t.Errorf("got %s", got)
	}
}

func TestRootCmdRegistersCommands(t *testing.T) {
	root := NewRootCmd("test")
	for _, path := range [][]string{
		{"serve"},
		{"status"},
		{"config", "show"},
		{"config", "validate"},
		{"config", "init"},
		{"config", "set-key"},
		{"history", "stats"},
		{"history", "export"},
		{"history", "clear"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Errorf("command %v not registered", path)
		}
	}
}
