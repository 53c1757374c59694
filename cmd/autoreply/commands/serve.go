package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/autoreply/pkg/autoreply/channels"
	"github.com/jholhewres/autoreply/pkg/autoreply/channels/whatsapp"
	"github.com/jholhewres/autoreply/pkg/autoreply/completion"
	"github.com/jholhewres/autoreply/pkg/autoreply/config"
	"github.com/jholhewres/autoreply/pkg/autoreply/dashboard"
	"github.com/jholhewres/autoreply/pkg/autoreply/history"
	"github.com/jholhewres/autoreply/pkg/autoreply/reply"
	"github.com/jholhewres/autoreply/pkg/autoreply/session"
)

const shutdownTimeout = 15 * time.Second

// newServeCmd creates the `autoreply serve` command.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to WhatsApp and start replying",
		Long: `Start the auto-responder: link or reconnect the WhatsApp session,
answer incoming messages and serve the dashboard.

Examples:
  autoreply serve
  autoreply serve --config ./config.yaml
  autoreply serve --pair-phone 5511999999999`,
		RunE: runServe,
	}

	cmd.Flags().String("pair-phone", "", "link by phone pairing code instead of QR")
	cmd.Flags().Bool("no-dashboard", false, "do not start the dashboard")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if phone, _ := cmd.Flags().GetString("pair-phone"); phone != "" {
		cfg.WhatsApp.PairPhone = phone
	}
	if off, _ := cmd.Flags().GetBool("no-dashboard"); off {
		cfg.Dashboard.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := newLogger(cfg.Logging, verbose, os.Stdout)
	config.AuditSecrets(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── Components ──
	store := history.New(cfg.History, logger)
	store.Load()

	completer := completion.New(cfg.Completion, logger)
	policy := reply.New(cfg.Reply, store, completer, logger)

	wa := whatsapp.New(cfg.WhatsApp, logger)
	ctrl := session.NewController(cfg.Session, wa, store, logger)

	wa.SetEventSink(ctrl.OnEvent)
	wa.SetMessageHandler(func(ctx context.Context, msg *channels.IncomingMessage) {
		policy.Handle(ctx, msg, wa)
	})
	ctrl.Subscribe(func(ch session.Change) {
		logger.Info("session state changed", "from", ch.From, "to", ch.To, "event", ch.Event)
	})

	logger.Info("AutoReply starting",
		"name", cfg.Name,
		"config", describePath(path),
		"completion", completer.Configured(),
		"model", completer.Model(),
		"auto_reply", policy.Enabled(),
	)
	if !completer.Configured() {
		logger.Warn("no completion API key, replies use keywords and the fallback text",
			"hint", "set AUTOREPLY_API_KEY or run 'autoreply config set-key'")
	}

	// ── Run ──
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Dashboard.Enabled {
		dash := dashboard.New(cfg.Dashboard, cfg.Name, ctrl, policy, store, logger)
		g.Go(func() error { return dash.Run(gctx) })
	}

	g.Go(func() error {
		ctrl.Create()
		<-gctx.Done()
		return nil
	})

	runErr := g.Wait()
	logger.Info("shutdown signal received, stopping...")

	// ── Shutdown ──
	done := make(chan error, 1)
	go func() {
		err := ctrl.Close()
		if cerr := wa.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if perr := store.Persist(); perr != nil && err == nil {
			err = perr
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("shutdown finished with errors", "error", err)
		} else {
			logger.Info("shutdown complete")
		}
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit", "timeout", shutdownTimeout)
	}

	return runErr
}
