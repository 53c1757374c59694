package whatsapp

import (
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/jholhewres/autoreply/pkg/autoreply/channels"
	"github.com/jholhewres/autoreply/pkg/autoreply/session"
)

// Health returns the adapter's view of the connection.
func (w *WhatsApp) Health() channels.HealthStatus {
	inst := w.current()

	status := channels.HealthStatus{
		Connected:  inst != nil && w.ready.Load() && inst.client.IsConnected(),
		ErrorCount: int(w.errorCount.Load()),
		Details:    map[string]any{},
	}
	if t, ok := w.lastMsg.Load().(time.Time); ok {
		status.LastMessageAt = t
	}
	if inst != nil {
		status.Details["generation"] = inst.gen
		status.Details["logged_in"] = inst.client.IsLoggedIn()
		if jid := jidString(inst); jid != "" {
			status.Details["jid"] = jid
		}
	}
	return status
}

// touch records connection activity.
func (w *WhatsApp) touch() {
	w.lastMsg.Store(time.Now())
}

// handleKeepAliveTimeout reports a half-open connection once keep-alives
// have failed KeepAliveMaxErrors times in a row.
func (w *WhatsApp) handleKeepAliveTimeout(inst *instance, evt *events.KeepAliveTimeout) {
	w.logger.Warn("whatsapp: keep-alive timeout",
		"error_count", evt.ErrorCount,
		"last_success", evt.LastSuccess)
	w.errorCount.Add(1)

	if evt.ErrorCount >= w.cfg.KeepAliveMaxErrors && w.ready.Load() {
		w.logger.Error("whatsapp: keep-alive failed repeatedly, dropping connection",
			"error_count", evt.ErrorCount)
		w.lost(inst, "keep-alive timeout")
	}
}

// startMonitor watches a ready instance for silent disconnects. It runs
// once per instance and stops with it.
func (w *WhatsApp) startMonitor(inst *instance) {
	if w.cfg.HealthCheckInterval <= 0 {
		return
	}
	inst.monitor.Do(func() {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()

			ticker := time.NewTicker(w.cfg.HealthCheckInterval)
			defer ticker.Stop()

			for {
				select {
				case <-inst.ctx.Done():
					return
				case <-ticker.C:
					if !w.ready.Load() || inst.client.IsConnected() {
						continue
					}
					w.logger.Warn("whatsapp: health check found client disconnected")
					w.emit(inst, session.EvDisconnected{Reason: "health check failed"})
					return
				}
			}
		}()
	})
}
