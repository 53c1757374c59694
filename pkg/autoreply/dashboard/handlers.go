package dashboard

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/jholhewres/autoreply/pkg/autoreply/reply"
	"github.com/jholhewres/autoreply/pkg/autoreply/session"
)

const pairingTimeout = 30 * time.Second

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Name            string        `json:"name"`
	State           session.State `json:"state"`
	Connected       bool          `json:"connected"`
	AutoReply       bool          `json:"auto_reply"`
	HistoryContacts int           `json:"history_contacts"`
	HistoryMessages int           `json:"history_messages"`
	RetryAttempts   int           `json:"retry_attempts"`
	RetryMax        int           `json:"retry_max"`
	HasQR           bool          `json:"has_qr"`
	QRExpiresAt     *time.Time    `json:"qr_expires_at,omitempty"`
	HasCompletion   bool          `json:"has_completion"`
	LastError       string        `json:"last_error,omitempty"`
	Stats           reply.Stats   `json:"stats"`
	Uptime          string        `json:"uptime"`
}

type toggleResponse struct {
	AutoReply bool   `json:"auto_reply"`
	Message   string `json:"message"`
}

type qrResponse struct {
	DataURL   string    `json:"data_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

type pairingRequest struct {
	Phone string `json:"phone"`
}

type pairingResponse struct {
	Code string `json:"code"`
}

func writeError(w http.ResponseWriter, msg string, code int) {
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleStatus implements GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.session.Status()
	hist := s.history.Stats()
	stats := s.replier.Stats()

	uptime := s.now().Sub(stats.StartTime).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Name:            s.name,
		State:           st.State,
		Connected:       st.State == session.StateReady,
		AutoReply:       s.replier.Enabled(),
		HistoryContacts: hist.Contacts,
		HistoryMessages: hist.Messages,
		RetryAttempts:   st.RetryAttempts,
		RetryMax:        st.RetryMax,
		HasQR:           st.HasQR,
		QRExpiresAt:     st.QRExpiresAt,
		HasCompletion:   s.replier.CompletionAvailable(),
		LastError:       st.LastError,
		Stats:           stats,
		Uptime:          uptime,
	})
}

// handleToggle implements POST /toggle.
func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	on := s.replier.Toggle()
	msg := "Auto-reply disabled"
	if on {
		msg = "Auto-reply enabled"
	}
	s.logger.Info("auto-reply toggled", "enabled", on)
	writeJSON(w, http.StatusOK, toggleResponse{AutoReply: on, Message: msg})
}

// handleResetAuth implements POST /reset-auth.
func (s *Server) handleResetAuth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, messageResponse{
		Message: "Authentication reset, a new pairing will start shortly",
	})
	s.background("reset-auth", s.session.ResetAuthentication)
}

// handleRestartClient implements POST /restart-client.
func (s *Server) handleRestartClient(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, messageResponse{Message: "Restarting client"})
	s.background("restart-client", s.session.RestartClient)
}

// handleQRImage implements GET /qr-image. Expired payloads are not served.
func (s *Server) handleQRImage(w http.ResponseWriter, r *http.Request) {
	qr, ok := s.session.PendingQR()
	if !ok {
		writeError(w, "No QR code available", http.StatusNotFound)
		return
	}

	png, err := qrcode.Encode(qr.Payload, qrcode.Medium, 300)
	if err != nil {
		s.logger.Error("failed to render QR code", "error", err)
		writeError(w, "failed to render QR code", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, qrResponse{
		DataURL:   "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		ExpiresAt: qr.ExpiresAt,
	})
}

// handlePairingCode implements POST /pairing-code.
func (s *Server) handlePairingCode(w http.ResponseWriter, r *http.Request) {
	var req pairingRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	req.Phone = strings.TrimSpace(req.Phone)
	if req.Phone == "" {
		writeError(w, "phone is required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), pairingTimeout)
	defer cancel()

	code, err := s.session.RequestPairingCode(ctx, req.Phone)
	switch {
	case errors.Is(err, session.ErrNotPairing):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		s.logger.Warn("pairing code request failed", "error", err)
		writeError(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, pairingResponse{Code: code})
}

// handleSaveHistory implements POST /save-history.
func (s *Server) handleSaveHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.history.Persist(); err != nil {
		s.logger.Error("failed to save history", "error", err)
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: "Failed to save: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{
		Message: fmt.Sprintf("Chat history saved for %d contacts", s.history.Stats().Contacts),
	})
}

// handleClearHistory implements POST /clear-history. Response counters are
// reset along with the history.
func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.history.Clear(); err != nil {
		s.logger.Error("failed to clear history", "error", err)
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: "Failed to clear: " + err.Error()})
		return
	}
	s.replier.ResetResponseCounters()
	writeJSON(w, http.StatusOK, messageResponse{Message: "All chat history cleared"})
}
