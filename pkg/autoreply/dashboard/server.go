// Package dashboard serves the HTTP control surface: status, auto-reply
// toggle, session commands, pairing QR and history maintenance.
package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/jholhewres/autoreply/pkg/autoreply/history"
	"github.com/jholhewres/autoreply/pkg/autoreply/reply"
	"github.com/jholhewres/autoreply/pkg/autoreply/session"
)

// Config configures the dashboard.
type Config struct {
	// Enabled turns the dashboard on/off.
	Enabled bool `yaml:"enabled"`

	// Address is the listen address (default: ":8000").
	Address string `yaml:"address"`

	// AuthToken is the Bearer token required on every endpoint except
	// / and /health (empty = no auth).
	AuthToken string `yaml:"auth_token"`
}

// DefaultConfig returns the dashboard defaults.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Address: ":8000",
	}
}

// Session is the connection lifecycle the dashboard controls.
type Session interface {
	Status() session.Status
	PendingQR() (session.PendingQR, bool)
	ResetAuthentication()
	RestartClient()
	RequestPairingCode(ctx context.Context, phone string) (string, error)
}

// Replier is the auto-reply policy.
type Replier interface {
	Enabled() bool
	Toggle() bool
	CompletionAvailable() bool
	Stats() reply.Stats
	ResetResponseCounters()
}

// History is the conversation history store.
type History interface {
	Stats() history.Stats
	Persist() error
	Clear() error
}

// Server is the dashboard HTTP server.
type Server struct {
	cfg     Config
	name    string
	session Session
	replier Replier
	history History
	logger  *slog.Logger
	now     func() time.Time

	// wg tracks session commands acknowledged with 202.
	wg sync.WaitGroup
}

// New creates a dashboard server.
func New(cfg Config, name string, sess Session, replier Replier, hist History, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = DefaultConfig().Address
	}
	return &Server{
		cfg:     cfg,
		name:    name,
		session: sess,
		replier: replier,
		history: hist,
		logger:  logger.With("component", "dashboard"),
		now:     time.Now,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(s.securityHeadersMiddleware)

	r.Get("/", s.handleIndex)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/status", s.handleStatus)
		r.Get("/qr-image", s.handleQRImage)
		r.Post("/toggle", s.handleToggle)
		r.Post("/reset-auth", s.handleResetAuth)
		r.Post("/restart-client", s.handleRestartClient)
		r.Post("/pairing-code", s.handlePairingCode)
		r.Post("/save-history", s.handleSaveHistory)
		r.Post("/clear-history", s.handleClearHistory)
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully and waits
// for acknowledged commands to finish.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.cfg.AuthToken == "" && !isLoopback(s.cfg.Address) {
		s.logger.Warn("SECURITY: dashboard has no auth token and is bound to a non-loopback address",
			"address", s.cfg.Address)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("dashboard started", "address", s.cfg.Address)

	select {
	case err := <-errCh:
		s.wg.Wait()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("dashboard stopping...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	<-errCh
	s.wg.Wait()
	return err
}

// background runs a command after the response has been written.
func (s *Server) background(name string, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("running command", "command", name)
		fn()
	}()
}

func isLoopback(address string) bool {
	host, _, err := net.SplitHostPort(address)
	if err != nil || host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
