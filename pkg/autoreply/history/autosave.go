package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// autosaver runs Persist on a fixed interval using robfig/cron.
type autosaver struct {
	mu   sync.Mutex
	cron *cron.Cron
	done chan struct{}
}

// StartAutoSave begins persisting history every SaveInterval until ctx is
// cancelled or StopAutoSave is called. It is a no-op when already running,
// so reconnects never stack up duplicate save jobs.
func (s *Store) StartAutoSave(ctx context.Context) error {
	s.autosave.mu.Lock()
	defer s.autosave.mu.Unlock()

	if s.autosave.cron != nil {
		s.logger.Debug("autosave already running")
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	schedule := fmt.Sprintf("@every %s", s.cfg.SaveInterval)
	if _, err := c.AddFunc(schedule, func() { _ = s.Persist() }); err != nil {
		return fmt.Errorf("scheduling autosave %q: %w", schedule, err)
	}
	c.Start()

	done := make(chan struct{})
	s.autosave.cron = c
	s.autosave.done = done

	go func() {
		select {
		case <-ctx.Done():
			s.StopAutoSave()
		case <-done:
		}
	}()

	s.logger.Info("history autosave started", "interval", s.cfg.SaveInterval)
	return nil
}

// StopAutoSave stops the periodic save job and waits for an in-flight save
// to finish. Safe to call when autosave is not running.
func (s *Store) StopAutoSave() {
	s.autosave.mu.Lock()
	c, done := s.autosave.cron, s.autosave.done
	s.autosave.cron, s.autosave.done = nil, nil
	s.autosave.mu.Unlock()

	if c == nil {
		return
	}
	close(done)

	select {
	case <-c.Stop().Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("autosave stop timed out")
	}
	s.logger.Info("history autosave stopped")
}

// AutoSaveRunning reports whether the periodic save job is active.
func (s *Store) AutoSaveRunning() bool {
	s.autosave.mu.Lock()
	defer s.autosave.mu.Unlock()
	return s.autosave.cron != nil
}
