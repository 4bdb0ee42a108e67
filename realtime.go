package pairly

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Format
// ============================================================================

// Envelope is the wire format for realtime events in both carrier modes.
type Envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Named events the session subscribes to.
const (
	EventPhotoApproved   = "photo approved"
	EventMessageReceived = "message received"
	EventUserStatus      = "user status"

	// eventSetup associates the transport with the user right after connect.
	eventSetup = "setup"
)

// Photo slots the moderation pipeline can approve.
const (
	PhotoTypeAvatar = "Avatar"
	PhotoTypeCover  = "Cover Photo"
)

// PhotoApprovedEvent is sent when a moderator approves an uploaded photo.
// The session only delivers events whose UserID matches the identity that
// is active at dispatch time.
type PhotoApprovedEvent struct {
	UserID    string `json:"userId"`
	PhotoType string `json:"photoType"`
	PhotoURL  string `json:"photoUrl"`
}

// MessageReceivedEvent is sent for every message in any of the user's
// conversations, including echoes of the user's own sends.
type MessageReceivedEvent struct {
	Sender         MessageSender `json:"sender"`
	ConversationID string        `json:"conversationId"`
}

// UserStatusEvent is sent when another user goes online or offline.
type UserStatusEvent struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// ============================================================================
// Configuration
// ============================================================================

// ConnState is the session connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// SessionConfig configures a realtime session.
type SessionConfig struct {
	// ReconnectAttempts bounds each (re)connect cycle. Exhausting the budget
	// is not fatal: the next Open or reconcile tick starts a fresh cycle.
	ReconnectAttempts int
	// ReconnectDelay is the fixed pause between attempts.
	ReconnectDelay time.Duration
	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

func (c *SessionConfig) defaults() {
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = 5
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 1 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// handlerTable maps event kinds to ordered subscriber lists. Handlers for
// one kind run synchronously in arrival order; ordering across kinds is
// whatever the transport delivered.
type handlerTable struct {
	mu              sync.RWMutex
	photoApproved   []func(PhotoApprovedEvent)
	messageReceived []func(MessageReceivedEvent)
	userStatus      []func(UserStatusEvent)
	connected       []func(mode string)
	disconnected    []func(reason string)
	generic         map[string][]func(json.RawMessage)
}

func newHandlerTable() *handlerTable {
	return &handlerTable{
		generic: make(map[string][]func(json.RawMessage)),
	}
}

func (h *handlerTable) emitPhotoApproved(ev PhotoApprovedEvent) {
	h.mu.RLock()
	handlers := append([]func(PhotoApprovedEvent){}, h.photoApproved...)
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (h *handlerTable) emitMessageReceived(ev MessageReceivedEvent) {
	h.mu.RLock()
	handlers := append([]func(MessageReceivedEvent){}, h.messageReceived...)
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (h *handlerTable) emitUserStatus(ev UserStatusEvent) {
	h.mu.RLock()
	handlers := append([]func(UserStatusEvent){}, h.userStatus...)
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (h *handlerTable) emitConnected(mode string) {
	h.mu.RLock()
	handlers := append([]func(string){}, h.connected...)
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn(mode)
	}
}

func (h *handlerTable) emitDisconnected(reason string) {
	h.mu.RLock()
	handlers := append([]func(string){}, h.disconnected...)
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn(reason)
	}
}

func (h *handlerTable) emitGeneric(env Envelope) {
	h.mu.RLock()
	handlers := append([]func(json.RawMessage){}, h.generic[env.Event]...)
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn(env.Data)
	}
}

// ============================================================================
// Session
// ============================================================================

// dialFunc establishes a carrier for the given identity. Tests swap it for
// an in-process fake.
type dialFunc func(ctx context.Context, s *Session, id Identity) (carrier, error)

// Session owns the lifecycle of one live event connection per authenticated
// identity: it dials when an identity is supplied, announces the user,
// redials on transport loss with a bounded budget, dispatches inbound events
// to registered handlers, and tears everything down on Close.
//
// All exported methods are safe for concurrent use.
type Session struct {
	baseURL string
	cfg     *SessionConfig
	log     *zap.Logger
	dial    dialFunc

	mu       sync.Mutex
	state    ConnState
	identity *Identity
	carrier  carrier
	cancel   context.CancelFunc
	done     chan struct{}
	// epoch increments on every Open and Close. Async continuations carry
	// the epoch they were started under and abort once it no longer
	// matches, so nothing fires for a user who has logged out.
	epoch uint64

	handlers    *handlerTable
	presenceSeq uint64
}

// NewSession creates a session against the given API base URL. A nil config
// uses defaults.
func NewSession(baseURL string, cfg *SessionConfig) *Session {
	if cfg == nil {
		cfg = &SessionConfig{}
	}
	c := *cfg
	c.defaults()
	return &Session{
		baseURL:  strings.TrimRight(baseURL, "/"),
		cfg:      &c,
		log:      c.Logger,
		dial:     dialCarrier,
		state:    StateDisconnected,
		handlers: newHandlerTable(),
	}
}

// State returns the current connection state.
func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether a live carrier is established.
func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

// CurrentIdentity returns the identity the session is running as, if any.
func (s *Session) CurrentIdentity() (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return Identity{}, false
	}
	return *s.identity, true
}

// Open starts (or resumes) the session for the given identity and returns
// immediately; connection establishment happens in the background.
//
// Open is idempotent per identity: while the session is connecting or
// connected for the same identity it is a no-op. A changed identity closes
// the prior connection first. After a silent reconnect exhaustion, calling
// Open again starts a fresh attempt cycle.
func (s *Session) Open(identity Identity) {
	s.mu.Lock()
	if s.identity != nil && *s.identity == identity && s.state != StateDisconnected {
		s.mu.Unlock()
		return
	}
	wasConnected := s.teardownLocked()
	oldDone := s.done
	id := identity
	s.identity = &id
	s.state = StateConnecting
	epoch := s.epoch
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	if oldDone != nil {
		<-oldDone
	}
	if wasConnected {
		s.handlers.emitDisconnected("identity changed")
	}

	go s.run(ctx, id, epoch, done)
}

// Close tears down the transport and clears the identity. It is idempotent
// and waits for the dispatch loop to drain before returning: events still in
// flight are discarded, and no handler runs after Close returns. Must not be
// called from inside an event handler.
func (s *Session) Close() {
	s.mu.Lock()
	wasConnected := s.teardownLocked()
	s.identity = nil
	done := s.done
	s.done = nil
	s.mu.Unlock()

	if done != nil {
		<-done
	}
	if wasConnected {
		s.handlers.emitDisconnected("closed")
	}
}

// teardownLocked invalidates the current epoch, cancels the run loop and
// closes the carrier. Caller holds s.mu; returns whether the session was
// connected so the caller can emit after unlocking.
func (s *Session) teardownLocked() bool {
	s.epoch++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.carrier != nil {
		_ = s.carrier.close()
		s.carrier = nil
	}
	wasConnected := s.state == StateConnected
	s.state = StateDisconnected
	return wasConnected
}

// Send emits a named event to the server over the live carrier.
func (s *Session) Send(ctx context.Context, event string, data any) error {
	s.mu.Lock()
	cr := s.carrier
	s.mu.Unlock()
	if cr == nil {
		return fmt.Errorf("not connected")
	}

	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		raw = b
	}
	return cr.send(ctx, Envelope{Event: event, Data: raw, RequestID: uuid.NewString()})
}

// ----------------------------------------------------------------------------
// Handler registration
// ----------------------------------------------------------------------------

// OnPhotoApproved registers a handler for approvals of the active user's own
// photos. Approvals for other users are discarded before dispatch.
func (s *Session) OnPhotoApproved(h func(PhotoApprovedEvent)) {
	s.handlers.mu.Lock()
	s.handlers.photoApproved = append(s.handlers.photoApproved, h)
	s.handlers.mu.Unlock()
}

// OnMessageReceived registers a handler for inbound messages. The transport
// echoes the user's own sends; use BindUnread for echo-free counting.
func (s *Session) OnMessageReceived(h func(MessageReceivedEvent)) {
	s.handlers.mu.Lock()
	s.handlers.messageReceived = append(s.handlers.messageReceived, h)
	s.handlers.mu.Unlock()
}

// OnUserStatus registers a handler for presence changes.
func (s *Session) OnUserStatus(h func(UserStatusEvent)) {
	s.handlers.mu.Lock()
	s.handlers.userStatus = append(s.handlers.userStatus, h)
	s.handlers.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event; mode is the
// carrier mode ("websocket" or "polling").
func (s *Session) OnConnected(h func(mode string)) {
	s.handlers.mu.Lock()
	s.handlers.connected = append(s.handlers.connected, h)
	s.handlers.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (s *Session) OnDisconnected(h func(reason string)) {
	s.handlers.mu.Lock()
	s.handlers.disconnected = append(s.handlers.disconnected, h)
	s.handlers.mu.Unlock()
}

// On registers a raw handler for a named event, known or not.
func (s *Session) On(event string, h func(json.RawMessage)) {
	s.handlers.mu.Lock()
	s.handlers.generic[event] = append(s.handlers.generic[event], h)
	s.handlers.mu.Unlock()
}

// BindPresence routes "user status" events into the cache, stamping each
// update with a session-local monotonic sequence so out-of-order delivery
// resolves last-write-wins.
func (s *Session) BindPresence(cache *PresenceCache) {
	s.OnUserStatus(func(ev UserStatusEvent) {
		cache.Update(ev.UserID, ev.IsOnline, atomic.AddUint64(&s.presenceSeq, 1))
	})
}

// BindUnread routes "message received" events into the counter, skipping
// echoes of the active user's own sends.
func (s *Session) BindUnread(counter *UnreadCounter) {
	s.OnMessageReceived(func(ev MessageReceivedEvent) {
		id, ok := s.CurrentIdentity()
		if !ok || ev.Sender.ID == id.ID {
			return
		}
		counter.Increment()
	})
}

// ----------------------------------------------------------------------------
// Connection loop
// ----------------------------------------------------------------------------

// run dials, reads and redials until the epoch is invalidated or the attempt
// budget runs out. Exhaustion is deliberately silent: the user-facing error
// channel is reserved for guarded fetches, not transport hiccups.
func (s *Session) run(ctx context.Context, id Identity, epoch uint64, done chan struct{}) {
	defer close(done)

	for {
		cr := s.connect(ctx, id, epoch)
		if cr == nil {
			return
		}

		if !s.adopt(epoch, cr) {
			_ = cr.close()
			return
		}
		s.handlers.emitConnected(cr.mode())
		s.announce(ctx, cr, id)

		err := s.readLoop(ctx, cr, epoch)
		if ctx.Err() != nil || !s.sameEpoch(epoch) {
			return
		}

		s.log.Debug("realtime transport lost", zap.Error(err))
		s.dropCarrier(epoch)
		s.handlers.emitDisconnected("transport lost")
		// Loop around with a fresh attempt budget.
	}
}

// connect runs one bounded attempt cycle. Returns nil once the budget is
// exhausted or the session was torn down.
func (s *Session) connect(ctx context.Context, id Identity, epoch uint64) carrier {
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return nil
		}

		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
		cr, err := s.dial(dialCtx, s, id)
		cancel()
		if err == nil {
			return cr
		}

		s.log.Debug("realtime dial failed",
			zap.Int("attempt", attempt), zap.Error(err))
		if attempt >= s.cfg.ReconnectAttempts {
			s.log.Warn("realtime connection attempts exhausted",
				zap.Int("attempts", attempt))
			s.setState(epoch, StateDisconnected)
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.ReconnectDelay):
		}
	}
}

func (s *Session) adopt(epoch uint64, cr carrier) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return false
	}
	s.carrier = cr
	s.state = StateConnected
	return true
}

func (s *Session) dropCarrier(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return
	}
	if s.carrier != nil {
		_ = s.carrier.close()
		s.carrier = nil
	}
	s.state = StateConnecting
}

func (s *Session) setState(epoch uint64, state ConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return
	}
	s.state = state
}

func (s *Session) sameEpoch(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch == epoch
}

// announce tells the server which user this transport belongs to.
// Fire-and-forget: a lost announce only delays server-side association.
func (s *Session) announce(ctx context.Context, cr carrier, id Identity) {
	data, _ := json.Marshal(map[string]string{"_id": id.ID})
	env := Envelope{Event: eventSetup, Data: data, RequestID: uuid.NewString()}
	if err := cr.send(ctx, env); err != nil {
		s.log.Warn("realtime announce failed", zap.String("userId", id.ID), zap.Error(err))
	}
}

func (s *Session) readLoop(ctx context.Context, cr carrier, epoch uint64) error {
	for {
		env, err := cr.read(ctx)
		if err != nil {
			return err
		}
		s.dispatch(env, epoch)
	}
}

// dispatch delivers one inbound envelope to the registered handlers. The
// epoch and the active identity are read here, at dispatch time, not at
// registration time: both can change between subscribe and arrival.
func (s *Session) dispatch(env Envelope, epoch uint64) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	var id Identity
	if s.identity != nil {
		id = *s.identity
	}
	s.mu.Unlock()

	switch env.Event {
	case EventPhotoApproved:
		var ev PhotoApprovedEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			s.log.Debug("malformed photo approved event", zap.Error(err))
			break
		}
		if ev.UserID != id.ID {
			// Someone else's approval; nothing to apply locally.
			break
		}
		s.handlers.emitPhotoApproved(ev)
	case EventMessageReceived:
		var ev MessageReceivedEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			s.log.Debug("malformed message received event", zap.Error(err))
			break
		}
		s.handlers.emitMessageReceived(ev)
	case EventUserStatus:
		var ev UserStatusEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			s.log.Debug("malformed user status event", zap.Error(err))
			break
		}
		s.handlers.emitUserStatus(ev)
	default:
		// Unknown kinds fall through to generic handlers only.
	}

	s.handlers.emitGeneric(env)
}

// ============================================================================
// Carriers
// ============================================================================

// carrier is one established transport: a live WebSocket or a long-polling
// HTTP stream. Both move the same envelopes.
type carrier interface {
	read(ctx context.Context) (Envelope, error)
	send(ctx context.Context, env Envelope) error
	close() error
	mode() string
}

// dialCarrier tries WebSocket first and falls back to long-polling, mirroring
// the server's ['websocket', 'polling'] transport pair.
func dialCarrier(ctx context.Context, s *Session, id Identity) (carrier, error) {
	wsURL := strings.Replace(s.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/realtime?token=" + url.QueryEscape(id.Token)

	conn, _, wsErr := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: s.cfg.HTTPClient,
	})
	if wsErr == nil {
		return &wsCarrier{conn: conn}, nil
	}
	s.log.Debug("websocket dial failed, trying long-polling", zap.Error(wsErr))

	pc := &pollCarrier{
		baseURL: s.baseURL,
		token:   id.Token,
		client:  s.cfg.HTTPClient,
	}
	if pollErr := pc.probe(ctx); pollErr != nil {
		return nil, fmt.Errorf("websocket: %v; polling: %w", wsErr, pollErr)
	}
	return pc, nil
}

// ----------------------------------------------------------------------------
// WebSocket carrier
// ----------------------------------------------------------------------------

type wsCarrier struct {
	conn *websocket.Conn
}

func (w *wsCarrier) read(ctx context.Context) (Envelope, error) {
	for {
		_, data, err := w.conn.Read(ctx)
		if err != nil {
			return Envelope{}, err
		}
		var env Envelope
		if json.Unmarshal(data, &env) != nil || env.Event == "" {
			continue
		}
		return env, nil
	}
}

func (w *wsCarrier) send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsCarrier) close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "client closed")
}

func (w *wsCarrier) mode() string { return "websocket" }

// ----------------------------------------------------------------------------
// Long-polling carrier
// ----------------------------------------------------------------------------

const pollWait = 25 * time.Second

type pollCarrier struct {
	baseURL string
	token   string
	client  *http.Client

	buf []Envelope
}

// probe confirms the polling endpoint is reachable before the carrier is
// adopted, so a dead fallback still counts as a failed attempt.
func (p *pollCarrier) probe(ctx context.Context) error {
	envs, err := p.fetch(ctx, 0)
	if err != nil {
		return err
	}
	p.buf = append(p.buf, envs...)
	return nil
}

func (p *pollCarrier) read(ctx context.Context) (Envelope, error) {
	for {
		if len(p.buf) > 0 {
			env := p.buf[0]
			p.buf = p.buf[1:]
			return env, nil
		}
		envs, err := p.fetch(ctx, pollWait)
		if err != nil {
			return Envelope{}, err
		}
		p.buf = append(p.buf, envs...)
	}
}

func (p *pollCarrier) fetch(ctx context.Context, wait time.Duration) ([]Envelope, error) {
	u := fmt.Sprintf("%s/realtime/poll?wait=%d", p.baseURL, int(wait.Seconds()))
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("poll returned HTTP %d", resp.StatusCode)
	}

	var envs []Envelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal poll response: %w", err)
	}
	return envs, nil
}

func (p *pollCarrier) send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/realtime/emit", strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("emit returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (p *pollCarrier) close() error { return nil }

func (p *pollCarrier) mode() string { return "polling" }
