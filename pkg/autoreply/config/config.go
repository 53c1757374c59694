// Package config defines the single configuration struct for the
// auto-reply service, its defaults and its validation.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/jholhewres/autoreply/pkg/autoreply/channels/whatsapp"
	"github.com/jholhewres/autoreply/pkg/autoreply/completion"
	"github.com/jholhewres/autoreply/pkg/autoreply/dashboard"
	"github.com/jholhewres/autoreply/pkg/autoreply/history"
	"github.com/jholhewres/autoreply/pkg/autoreply/reply"
	"github.com/jholhewres/autoreply/pkg/autoreply/session"
)

// Config holds all service configuration.
type Config struct {
	// Name identifies this instance in logs and on the dashboard.
	Name string `yaml:"name"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`

	// Completion configures the chat-completion endpoint.
	Completion completion.Config `yaml:"completion"`

	// Reply configures the auto-reply policy.
	Reply reply.Config `yaml:"reply"`

	// History configures the conversation history store.
	History history.Config `yaml:"history"`

	// Session configures reconnects and timeouts of the client lifecycle.
	Session session.Config `yaml:"session"`

	// WhatsApp configures the messaging client.
	WhatsApp whatsapp.Config `yaml:"whatsapp"`

	// Dashboard configures the HTTP control surface.
	Dashboard dashboard.Config `yaml:"dashboard"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Name: "AutoReply",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Completion: completion.DefaultConfig(),
		Reply:      reply.DefaultConfig(),
		History:    history.DefaultConfig(),
		Session:    session.DefaultConfig(),
		WhatsApp:   whatsapp.DefaultConfig(),
		Dashboard:  dashboard.DefaultConfig(),
	}
}

// Validate checks every option and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level: unknown level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		add("logging.format: must be text or json, got %q", c.Logging.Format)
	}

	if u, err := url.Parse(c.Completion.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("completion.base_url: must be an http(s) URL, got %q", c.Completion.BaseURL)
	}
	if c.Completion.Model == "" {
		add("completion.model: required")
	}
	if c.Completion.MaxTokens <= 0 {
		add("completion.max_tokens: must be positive")
	}
	if c.Completion.Temperature < 0 || c.Completion.Temperature > 2 {
		add("completion.temperature: must be between 0 and 2")
	}
	if c.Completion.Timeout <= 0 {
		add("completion.timeout: must be positive")
	}

	if c.Reply.Delay < 0 {
		add("reply.delay: must not be negative")
	}
	if c.Reply.ContextTurns < 0 {
		add("reply.context_turns: must not be negative")
	}
	for i, k := range c.Reply.Keywords {
		if strings.TrimSpace(k.Match) == "" {
			add("reply.keywords[%d].match: required", i)
		}
		if strings.TrimSpace(k.Reply) == "" {
			add("reply.keywords[%d].reply: required", i)
		}
	}

	if c.History.File == "" {
		add("history.file: required")
	}
	if c.History.MaxMessages <= 0 {
		add("history.max_messages: must be positive")
	}
	if c.History.SaveInterval <= 0 {
		add("history.save_interval: must be positive")
	}

	if c.Session.MaxRetries < 0 {
		add("session.max_retries: must not be negative")
	}
	if c.Session.Backoff <= 0 {
		add("session.backoff: must be positive")
	}
	if c.Session.QRTimeout <= 0 {
		add("session.qr_timeout: must be positive")
	}
	if c.Session.InitTimeout <= 0 {
		add("session.init_timeout: must be positive")
	}

	if c.WhatsApp.DatabasePath == "" {
		add("whatsapp.database_path: required")
	}
	if c.WhatsApp.KeepAliveMaxErrors < 0 {
		add("whatsapp.keepalive_max_errors: must not be negative")
	}

	if c.Dashboard.Enabled && c.Dashboard.Address == "" {
		add("dashboard.address: required when the dashboard is enabled")
	}

	return errors.Join(errs...)
}
