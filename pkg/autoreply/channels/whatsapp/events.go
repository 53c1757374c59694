package whatsapp

import (
	"context"
	"fmt"
	"strings"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/jholhewres/autoreply/pkg/autoreply/channels"
	"github.com/jholhewres/autoreply/pkg/autoreply/session"
)

// handleEvent is the whatsmeow event dispatcher for one client instance.
func (w *WhatsApp) handleEvent(inst *instance, rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessageEvt(inst, evt)

	case *events.PairSuccess:
		w.logger.Info("whatsapp: paired",
			"jid", evt.ID.String(), "platform", evt.Platform, "business", evt.BusinessName)
		w.emit(inst, session.EvAuthenticated{})

	case *events.Connected:
		w.errorCount.Store(0)
		w.touch()
		w.logger.Info("whatsapp: connected", "jid", jidString(inst))
		if !w.isCurrent(inst) {
			return
		}
		w.ready.Store(true)
		w.emit(inst, session.EvAuthenticated{})
		w.emit(inst, session.EvReady{})
		w.startMonitor(inst)

	case *events.Disconnected:
		w.logger.Warn("whatsapp: disconnected")
		w.lost(inst, "connection closed")

	case *events.StreamReplaced:
		w.logger.Warn("whatsapp: stream replaced by another client")
		w.lost(inst, "stream replaced")

	case *events.StreamError:
		w.logger.Error("whatsapp: stream error", "code", evt.Code)
		if evt.Code == "540" || evt.Code == "541" || evt.Code == "503" {
			w.lost(inst, "stream error "+evt.Code)
		}

	case *events.LoggedOut:
		reason := evt.Reason.String()
		w.logger.Warn("whatsapp: logged out", "reason", reason, "on_connect", evt.OnConnect)
		w.ready.Store(false)
		w.emit(inst, session.EvAuthFailure{Reason: reason})

	case *events.TemporaryBan:
		w.logger.Error("whatsapp: temporary ban", "code", evt.Code, "expire", evt.Expire)
		w.ready.Store(false)
		w.emit(inst, session.EvClientError{Err: fmt.Errorf("temporary ban: %s", evt.String())})

	case *events.ConnectFailure:
		permanent := evt.PermanentDisconnectDescription()
		w.logger.Error("whatsapp: connect failure",
			"reason", evt.Reason.String(), "message", evt.Message, "permanent", permanent)
		w.ready.Store(false)
		if permanent != "" {
			w.emit(inst, session.EvAuthFailure{Reason: permanent})
			return
		}
		w.emit(inst, session.EvDisconnected{Reason: "connect failure: " + evt.Reason.String()})

	case *events.KeepAliveTimeout:
		w.handleKeepAliveTimeout(inst, evt)

	case *events.KeepAliveRestored:
		w.logger.Info("whatsapp: keep-alive restored")
		w.errorCount.Store(0)

	case *events.QRScannedWithoutMultidevice:
		w.logger.Warn("whatsapp: QR scanned but multidevice not enabled")
	}
}

// lost reports a dropped connection.
func (w *WhatsApp) lost(inst *instance, reason string) {
	if w.isCurrent(inst) {
		w.ready.Store(false)
	}
	w.emit(inst, session.EvDisconnected{Reason: reason})
}

func (w *WhatsApp) handleMessageEvt(inst *instance, evt *events.Message) {
	if !w.isCurrent(inst) {
		return
	}
	w.touch()

	msg := toIncoming(evt, func(jid types.JID) types.JID {
		return resolveLID(inst.ctx, inst, jid)
	})
	if msg == nil {
		return
	}
	w.dispatchMessage(msg)
}

// toIncoming converts a whatsmeow message. It keeps self, broadcast and
// group flags so the reply policy can filter; resolve maps LIDs to phone
// JIDs and may be nil.
func toIncoming(evt *events.Message, resolve func(types.JID) types.JID) *channels.IncomingMessage {
	if evt == nil {
		return nil
	}
	if resolve == nil {
		resolve = func(j types.JID) types.JID { return j }
	}

	sender := resolve(evt.Info.Sender).ToNonAD()
	chat := resolve(evt.Info.Chat).ToNonAD()

	msgType, content := extractContent(evt.Message)

	return &channels.IncomingMessage{
		ID:          string(evt.Info.ID),
		Channel:     "whatsapp",
		From:        sender.String(),
		FromName:    evt.Info.PushName,
		ChatID:      chat.String(),
		FromSelf:    evt.Info.IsFromMe,
		IsGroup:     evt.Info.IsGroup,
		IsBroadcast: evt.Info.Chat.Server == types.BroadcastServer,
		Type:        msgType,
		Content:     content,
		Timestamp:   evt.Info.Timestamp,
	}
}

// resolveLID maps a linked-identity JID to its phone JID when the store
// knows it.
func resolveLID(ctx context.Context, inst *instance, jid types.JID) types.JID {
	if jid.Server != types.HiddenUserServer || inst.client == nil || inst.client.Store == nil {
		return jid
	}
	alt, err := inst.client.Store.GetAltJID(ctx, jid)
	if err != nil || alt.IsEmpty() {
		return jid
	}
	return alt
}

// extractContent returns the message type and its text. Media captions
// count as media content.
func extractContent(m *waE2E.Message) (channels.MessageType, string) {
	if m == nil {
		return channels.MessageOther, ""
	}
	if text := m.GetConversation(); text != "" {
		return channels.MessageText, text
	}
	if ext := m.GetExtendedTextMessage(); ext != nil {
		return channels.MessageText, ext.GetText()
	}
	switch {
	case m.GetImageMessage() != nil:
		return channels.MessageMedia, m.GetImageMessage().GetCaption()
	case m.GetVideoMessage() != nil:
		return channels.MessageMedia, m.GetVideoMessage().GetCaption()
	case m.GetDocumentMessage() != nil:
		return channels.MessageMedia, m.GetDocumentMessage().GetCaption()
	case m.GetAudioMessage() != nil, m.GetStickerMessage() != nil:
		return channels.MessageMedia, ""
	}
	return channels.MessageOther, ""
}

func jidString(inst *instance) string {
	if inst.client == nil || inst.client.Store == nil || inst.client.Store.ID == nil {
		return ""
	}
	return inst.client.Store.ID.String()
}

// parseJID parses a JID string or a bare phone number.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}

	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)

	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}

	return types.NewJID(digits, types.DefaultUserServer), nil
}
