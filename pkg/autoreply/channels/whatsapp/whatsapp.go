// Package whatsapp implements the messaging client on top of whatsmeow, a
// native Go WhatsApp Web library.
//
// The adapter does not manage its own reconnects. It reports connection
// lifecycle changes as session events and executes the controller's
// commands (initialize, destroy, wipe credentials, pair by phone). Every
// client instance gets a generation number; events from an instance that
// has been destroyed are dropped.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session store.

	"github.com/jholhewres/autoreply/pkg/autoreply/channels"
	"github.com/jholhewres/autoreply/pkg/autoreply/session"
)

// Config holds WhatsApp client configuration.
type Config struct {
	// DatabasePath is the SQLite file holding the linked-device session.
	DatabasePath string `yaml:"database_path"`

	// DeviceName is shown in the phone's linked devices list.
	DeviceName string `yaml:"device_name"`

	// PrintQR renders pairing QR codes in the terminal.
	PrintQR bool `yaml:"print_qr"`

	// PairPhone, when set, links by phone pairing code instead of QR.
	PairPhone string `yaml:"pair_phone"`

	// KeepAliveMaxErrors is the number of consecutive keep-alive failures
	// treated as a lost connection.
	KeepAliveMaxErrors int `yaml:"keepalive_max_errors"`

	// HealthCheckInterval is how often a ready connection is verified.
	// Zero disables the check.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DatabasePath:        "./data/whatsapp.db",
		DeviceName:          "AutoReply",
		PrintQR:             true,
		KeepAliveMaxErrors:  3,
		HealthCheckInterval: 30 * time.Second,
	}
}

// errSuperseded is returned by Initialize when the instance it was building
// was destroyed or replaced before it could be installed.
var errSuperseded = errors.New("whatsapp: initialization superseded")

// MessageHandler receives converted inbound messages. It runs on its own
// goroutine per message.
type MessageHandler func(ctx context.Context, msg *channels.IncomingMessage)

// instance is one whatsmeow client between Initialize and Destroy.
type instance struct {
	gen     uint64
	client  *whatsmeow.Client
	ctx     context.Context
	cancel  context.CancelFunc
	paired  atomic.Bool
	monitor sync.Once
}

// WhatsApp is the whatsmeow-backed messaging client. It implements
// session.Client and channels.Sender.
type WhatsApp struct {
	cfg    Config
	logger *slog.Logger
	qrOut  io.Writer

	sink      func(session.Event)
	onMessage MessageHandler

	// ctx bounds message handlers; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	container *sqlstore.Container
	inst      *instance
	gen       uint64 // bumped by every install and Destroy

	ready      atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64
}

// New creates a WhatsApp client. Nothing connects until Initialize.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = defaults.DatabasePath
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = defaults.DeviceName
	}
	if cfg.KeepAliveMaxErrors <= 0 {
		cfg.KeepAliveMaxErrors = defaults.KeepAliveMaxErrors
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WhatsApp{
		cfg:    cfg,
		logger: logger.With("component", "whatsapp"),
		qrOut:  os.Stdout,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

// SetEventSink registers the receiver of lifecycle events. Must be called
// before Initialize.
func (w *WhatsApp) SetEventSink(fn func(session.Event)) { w.sink = fn }

// SetMessageHandler registers the receiver of inbound messages. Must be
// called before Initialize.
func (w *WhatsApp) SetMessageHandler(fn MessageHandler) { w.onMessage = fn }

// ---------- session.Client ----------

// Initialize creates a client instance and starts connecting. Without a
// stored session it starts the QR pairing flow in the background.
func (w *WhatsApp) Initialize(ctx context.Context) error {
	// Never run two instances side by side.
	if err := w.Destroy(); err != nil {
		w.logger.Warn("whatsapp: failed to destroy previous client", "error", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	startGen := w.gen
	w.mu.Unlock()

	container, err := w.openStore(ctx)
	if err != nil {
		return err
	}
	device, err := getDevice(ctx, container)
	if err != nil {
		return fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo(w.cfg.DeviceName, [3]uint32{1, 0, 0})

	client := whatsmeow.NewClient(device, newWALogger(w.logger, "client"))
	// Reconnects are owned by the session controller.
	client.EnableAutoReconnect = false

	instCtx, cancel := context.WithCancel(ctx)
	inst := &instance{client: client, ctx: instCtx, cancel: cancel}
	if !w.install(ctx, startGen, inst) {
		cancel()
		w.logger.Info("whatsapp: client destroyed during initialization, discarding it")
		return errSuperseded
	}

	client.AddEventHandler(func(evt any) { w.handleEvent(inst, evt) })

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(instCtx)
		if err != nil {
			w.drop(inst)
			return fmt.Errorf("getting QR channel: %w", err)
		}
		if err := w.connect(inst); err != nil {
			w.drop(inst)
			return fmt.Errorf("connecting for pairing: %w", err)
		}
		w.logger.Info("whatsapp: no existing session, waiting for pairing")

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.watchQR(inst, qrChan)
		}()
		return nil
	}

	if err := w.connect(inst); err != nil {
		w.drop(inst)
		return fmt.Errorf("connecting: %w", err)
	}
	w.logger.Info("whatsapp: connecting with existing session", "jid", client.Store.ID.String())
	return nil
}

// Destroy disconnects the live instance, if any. Credentials are kept.
func (w *WhatsApp) Destroy() error {
	w.mu.Lock()
	inst := w.inst
	w.inst = nil
	w.gen++
	w.mu.Unlock()

	if inst == nil {
		return nil
	}
	w.drop(inst)
	w.logger.Info("whatsapp: client destroyed", "generation", inst.gen)
	return nil
}

// drop tears an instance down without touching w.inst.
func (w *WhatsApp) drop(inst *instance) {
	w.mu.Lock()
	if w.inst == inst {
		w.inst = nil
	}
	w.mu.Unlock()

	inst.cancel()
	inst.client.Disconnect()
	w.ready.Store(false)
}

// install makes inst the live instance unless ctx was cancelled or another
// Initialize or Destroy ran since startGen was read.
func (w *WhatsApp) install(ctx context.Context, startGen uint64, inst *instance) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ctx.Err() != nil || w.gen != startGen {
		return false
	}
	w.gen++
	inst.gen = w.gen
	w.inst = inst
	return true
}

// connect connects inst. drop cancels before it disconnects, so an instance
// destroyed while Connect was running is disconnected again here.
func (w *WhatsApp) connect(inst *instance) error {
	if inst.ctx.Err() != nil {
		return errSuperseded
	}
	if err := inst.client.Connect(); err != nil {
		return err
	}
	if inst.ctx.Err() != nil {
		inst.client.Disconnect()
		return errSuperseded
	}
	return nil
}

// WipeCredentials deletes the stored device session so the next
// Initialize starts a fresh pairing.
func (w *WhatsApp) WipeCredentials(ctx context.Context) error {
	if err := w.Destroy(); err != nil {
		return err
	}

	w.mu.Lock()
	container := w.container
	w.container = nil
	w.mu.Unlock()

	var errs []error
	if container != nil {
		devices, err := container.GetAllDevices(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("listing devices: %w", err))
		}
		for _, d := range devices {
			if err := d.Delete(ctx); err != nil {
				errs = append(errs, fmt.Errorf("deleting device: %w", err))
			}
		}
		if err := container.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing session store: %w", err))
		}
	}

	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(w.cfg.DatabasePath + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("removing session file: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	w.logger.Info("whatsapp: session credentials removed", "path", w.cfg.DatabasePath)
	return nil
}

// RequestPairingCode links the account by phone number. The client must
// be connected and not yet paired.
func (w *WhatsApp) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	inst := w.current()
	if inst == nil {
		return "", channels.ErrChannelDisconnected
	}
	if inst.client.Store.ID != nil {
		return "", errors.New("whatsapp: device is already paired")
	}

	jid, err := parseJID(phone)
	if err != nil {
		return "", fmt.Errorf("invalid phone number: %w", err)
	}

	code, err := inst.client.PairPhone(ctx, jid.User, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", fmt.Errorf("requesting pairing code: %w", err)
	}
	inst.paired.Store(true)
	w.logger.Info("whatsapp: pairing code issued", "phone", jid.User)
	return code, nil
}

// ---------- channels.Sender ----------

// SendText sends a plain text message.
func (w *WhatsApp) SendText(ctx context.Context, to, text string) error {
	inst := w.current()
	if inst == nil || !w.ready.Load() {
		return channels.ErrChannelDisconnected
	}

	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", to, err)
	}

	msg := &waE2E.Message{Conversation: proto.String(text)}
	if _, err := inst.client.SendMessage(ctx, jid, msg); err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
	}
	return nil
}

// SendPresence updates the typing indicator in a chat.
func (w *WhatsApp) SendPresence(ctx context.Context, to string, state channels.PresenceState) error {
	inst := w.current()
	if inst == nil || !w.ready.Load() {
		return channels.ErrChannelDisconnected
	}

	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", to, err)
	}

	presence := types.ChatPresencePaused
	if state == channels.PresenceComposing {
		presence = types.ChatPresenceComposing
	}
	return inst.client.SendChatPresence(ctx, jid, presence, types.ChatPresenceMediaText)
}

// ---------- Lifecycle ----------

// Close destroys the live instance and waits for background work.
func (w *WhatsApp) Close() error {
	err := w.Destroy()
	w.cancel()
	w.wg.Wait()

	w.mu.Lock()
	container := w.container
	w.container = nil
	w.mu.Unlock()
	if container != nil {
		if cerr := container.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("closing session store: %w", cerr))
		}
	}
	return err
}

// ---------- Internal ----------

func (w *WhatsApp) current() *instance {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inst
}

func (w *WhatsApp) isCurrent(inst *instance) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inst == inst
}

// emit forwards ev to the sink unless inst has been replaced.
func (w *WhatsApp) emit(inst *instance, ev session.Event) {
	if !w.isCurrent(inst) {
		w.logger.Debug("whatsapp: dropping event from stale client",
			"event", session.EventName(ev), "generation", inst.gen)
		return
	}
	if w.sink != nil {
		w.sink(ev)
	}
}

func (w *WhatsApp) openStore(ctx context.Context) (*sqlstore.Container, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.container != nil {
		return w.container, nil
	}
	if dir := filepath.Dir(w.cfg.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating session dir: %w", err)
		}
	}
	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", w.cfg.DatabasePath),
		newWALogger(w.logger, "database"))
	if err != nil {
		return nil, fmt.Errorf("creating session store: %w", err)
	}
	w.container = container
	return container, nil
}

// getDevice retrieves an existing device or creates a new one.
func getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// watchQR relays pairing codes until the channel closes.
func (w *WhatsApp) watchQR(inst *instance, qrChan <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-inst.ctx.Done():
			return
		case evt, ok := <-qrChan:
			if !ok {
				return
			}
			switch evt.Event {
			case whatsmeow.QRChannelEventCode:
				w.logger.Info("whatsapp: QR code ready", "timeout", evt.Timeout)
				if w.cfg.PrintQR && w.cfg.PairPhone == "" {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, w.qrOut)
				}
				w.emit(inst, session.EvQR{Payload: evt.Code})
				if w.cfg.PairPhone != "" && !inst.paired.Load() {
					w.pairByPhone(inst)
				}

			case whatsmeow.QRChannelSuccess.Event:
				w.logger.Info("whatsapp: pairing successful")
				w.emit(inst, session.EvAuthenticated{})
				return

			case whatsmeow.QRChannelTimeout.Event:
				w.emit(inst, session.EvClientError{Err: errors.New("pairing timed out")})
				return

			default:
				err := evt.Error
				if err == nil {
					err = fmt.Errorf("pairing failed: %s", evt.Event)
				}
				w.emit(inst, session.EvClientError{Err: err})
				return
			}
		}
	}
}

func (w *WhatsApp) pairByPhone(inst *instance) {
	ctx, cancel := context.WithTimeout(inst.ctx, 30*time.Second)
	defer cancel()

	code, err := w.RequestPairingCode(ctx, w.cfg.PairPhone)
	if err != nil {
		w.logger.Error("whatsapp: failed to request pairing code", "error", err)
		return
	}
	fmt.Fprintf(w.qrOut, "\nPairing code for %s: %s\n\n", w.cfg.PairPhone, code)
}

// dispatchMessage hands msg to the message handler on its own goroutine.
func (w *WhatsApp) dispatchMessage(msg *channels.IncomingMessage) {
	if w.onMessage == nil {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("whatsapp: message handler panic", "error", r)
			}
		}()
		w.onMessage(w.ctx, msg)
	}()
}
