package pairly

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// fakeCarrier is an in-process transport: tests push envelopes into in and
// inspect what the session sent.
type fakeCarrier struct {
	in chan Envelope

	mu   sync.Mutex
	sent []Envelope
}

func newFakeCarrier() *fakeCarrier {
	return &fakeCarrier{in: make(chan Envelope, 16)}
}

func (f *fakeCarrier) read(ctx context.Context) (Envelope, error) {
	select {
	case env, ok := <-f.in:
		if !ok {
			return Envelope{}, io.EOF
		}
		return env, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (f *fakeCarrier) send(_ context.Context, env Envelope) error {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeCarrier) close() error { return nil }

func (f *fakeCarrier) mode() string { return "fake" }

func (f *fakeCarrier) sentEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	events := make([]string, len(f.sent))
	for i, env := range f.sent {
		events[i] = env.Event
	}
	return events
}

func (f *fakeCarrier) push(t *testing.T, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", event, err)
	}
	select {
	case f.in <- Envelope{Event: event, Data: raw}:
	default:
		t.Fatalf("fake carrier buffer full pushing %s", event)
	}
}

// fakeDialer hands out a fresh fakeCarrier per dial, or fails with err.
type fakeDialer struct {
	mu       sync.Mutex
	err      error
	carriers []*fakeCarrier
}

func (d *fakeDialer) dial(context.Context, *Session, Identity) (carrier, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	fc := newFakeCarrier()
	d.carriers = append(d.carriers, fc)
	return fc, nil
}

func (d *fakeDialer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.carriers)
}

func (d *fakeDialer) carrier(i int) *fakeCarrier {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.carriers[i]
}

func newTestSession(t *testing.T, d *fakeDialer) *Session {
	t.Helper()
	s := NewSession("http://backend.test", &SessionConfig{
		ReconnectAttempts: 3,
		ReconnectDelay:    5 * time.Millisecond,
		DialTimeout:       time.Second,
	})
	s.dial = d.dial
	t.Cleanup(s.Close)
	return s
}

var (
	alice = Identity{ID: "user-alice", Token: "token-alice"}
	bob   = Identity{ID: "user-bob", Token: "token-bob"}
)

// ============================================================================
// Session Tests
// ============================================================================

func TestSessionOpenConnectsAndAnnounces(t *testing.T) {
	dialer := &fakeDialer{}
	session := newTestSession(t, dialer)

	session.Open(alice)
	waitFor(t, session.IsConnected, "session never connected")

	fc := dialer.carrier(0)
	waitFor(t, func() bool { return len(fc.sentEvents()) > 0 }, "announce never sent")

	fc.mu.Lock()
	env := fc.sent[0]
	fc.mu.Unlock()
	if env.Event != eventSetup {
		t.Fatalf("expected %q announce, got %q", eventSetup, env.Event)
	}
	var payload map[string]string
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("announce payload: %v", err)
	}
	if payload["_id"] != alice.ID {
		t.Fatalf("announce carried user %q, want %q", payload["_id"], alice.ID)
	}
}

func TestSessionOpenIdempotentPerIdentity(t *testing.T) {
	dialer := &fakeDialer{}
	session := newTestSession(t, dialer)

	session.Open(alice)
	waitFor(t, session.IsConnected, "session never connected")
	session.Open(alice)

	time.Sleep(30 * time.Millisecond)
	if got := dialer.calls(); got != 1 {
		t.Fatalf("reopen with same identity must be a no-op, got %d dials", got)
	}
}

func TestSessionIdentityChangeReconnects(t *testing.T) {
	dialer := &fakeDialer{}
	session := newTestSession(t, dialer)

	session.Open(alice)
	waitFor(t, session.IsConnected, "session never connected")

	session.Open(bob)
	waitFor(t, func() bool { return dialer.calls() == 2 && session.IsConnected() },
		"session never reconnected for new identity")

	id, ok := session.CurrentIdentity()
	if !ok || id != bob {
		t.Fatalf("expected identity %v, got %v", bob, id)
	}

	fc := dialer.carrier(1)
	waitFor(t, func() bool { return len(fc.sentEvents()) > 0 }, "announce never sent on new carrier")
}

func TestSessionDispatchInArrivalOrder(t *testing.T) {
	dialer := &fakeDialer{}
	session := newTestSession(t, dialer)

	var mu sync.Mutex
	var got []string
	session.OnMessageReceived(func(ev MessageReceivedEvent) {
		mu.Lock()
		got = append(got, ev.ConversationID)
		mu.Unlock()
	})

	session.Open(alice)
	waitFor(t, session.IsConnected, "session never connected")

	fc := dialer.carrier(0)
	for _, id := range []string{"c1", "c2", "c3"} {
		fc.push(t, EventMessageReceived, MessageReceivedEvent{
			Sender:         MessageSender{ID: bob.ID},
			ConversationID: id,
		})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, "events never delivered")

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"c1", "c2", "c3"} {
		if got[i] != want {
			t.Fatalf("out of order delivery: %v", got)
		}
	}
}

func TestSessionPhotoApprovedFiltersByActiveIdentity(t *testing.T) {
	dialer := &fakeDialer{}
	session := newTestSession(t, dialer)

	var mu sync.Mutex
	var got []PhotoApprovedEvent
	session.OnPhotoApproved(func(ev PhotoApprovedEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	session.Open(alice)
	waitFor(t, session.IsConnected, "session never connected")
	fc := dialer.carrier(0)

	// Approval for somebody else: discarded without error.
	fc.push(t, EventPhotoApproved, PhotoApprovedEvent{UserID: bob.ID, PhotoType: PhotoTypeAvatar, PhotoURL: "https://cdn/b.jpg"})
	// Approval for the active user: delivered.
	fc.push(t, EventPhotoApproved, PhotoApprovedEvent{UserID: alice.ID, PhotoType: PhotoTypeCover, PhotoURL: "https://cdn/a.jpg"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "matching approval never delivered")

	mu.Lock()
	defer mu.Unlock()
	if got[0].UserID != alice.ID || got[0].PhotoType != PhotoTypeCover {
		t.Fatalf("unexpected event %+v", got[0])
	}
}

func TestSessionPhotoApprovedIdentityReadAtDispatchTime(t *testing.T) {
	dialer := &fakeDialer{}
	session := newTestSession(t, dialer)

	var mu sync.Mutex
	delivered := 0
	// Registered while nobody is logged in; must follow the identity that
	// is active when the event arrives.
	session.OnPhotoApproved(func(PhotoApprovedEvent) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	session.Open(alice)
	waitFor(t, session.IsConnected, "session never connected")
	session.Open(bob)
	waitFor(t, func() bool { return dialer.calls() == 2 && session.IsConnected() },
		"session never reconnected as bob")

	dialer.carrier(1).push(t, EventPhotoApproved, PhotoApprovedEvent{
		UserID: bob.ID, PhotoType: PhotoTypeAvatar, PhotoURL: "https://cdn/b.jpg",
	})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1
	}, "approval for the now-active identity never delivered")
}

func TestSessionUnknownEventsIgnored(t *testing.T) {
	dialer := &fakeDialer{}
	session := newTestSession(t, dialer)

	var mu sync.Mutex
	var raw json.RawMessage
	session.On("super call", func(data json.RawMessage) {
		mu.Lock()
		raw = data
		mu.Unlock()
	})

	session.Open(alice)
	waitFor(t, session.IsConnected, "session never connected")
	fc := dialer.carrier(0)

	// No typed handler exists for this kind; it must not disturb the
	// session, but generic subscribers still see it.
	fc.push(t, "super call", map[string]string{"from": bob.ID})
	fc.push(t, EventMessageReceived, MessageReceivedEvent{Sender: MessageSender{ID: bob.ID}, ConversationID: "c1"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return raw != nil
	}, "generic handler never invoked")
	if !session.IsConnected() {
		t.Fatal("unknown event must not affect the connection")
	}
}

func TestSessionBindUnreadSkipsSelfEcho(t *testing.T) {
	dialer := &fakeDialer{}
	session := newTestSession(t, dialer)
	counter := NewUnreadCounter(staticLister(nil, nil))
	session.BindUnread(counter)

	session.Open(alice)
	waitFor(t, session.IsConnected, "session never connected")
	fc := dialer.carrier(0)

	// The transport echoes our own send; that must never count.
	fc.push(t, EventMessageReceived, MessageReceivedEvent{Sender: MessageSender{ID: alice.ID}, ConversationID: "c1"})
	fc.push(t, EventMessageReceived, MessageReceivedEvent{Sender: MessageSender{ID: bob.ID}, ConversationID: "c1"})

	waitFor(t, func() bool { return counter.Value() == 1 }, "inbound message never counted")
	time.Sleep(20 * time.Millisecond)
	if got := counter.Value(); got != 1 {
		t.Fatalf("self echo incremented the count: %d", got)
	}
}

func TestSessionBindPresence(t *testing.T) {
	dialer := &fakeDialer{}
	session := newTestSession(t, dialer)
	cache := NewPresenceCache()
	session.BindPresence(cache)

	session.Open(alice)
	waitFor(t, session.IsConnected, "session never connected")
	fc := dialer.carrier(0)

	fc.push(t, EventUserStatus, UserStatusEvent{UserID: bob.ID, IsOnline: true})
	fc.push(t, EventUserStatus, UserStatusEvent{UserID: bob.ID, IsOnline: false})

	waitFor(t, func() bool { return cache.Len() == 1 && !cache.Get(bob.ID, true) },
		"presence updates never applied in order")
}

func TestSessionCloseDropsInFlightEvents(t *testing.T) {
	dialer := &fakeDialer{}
	session := newTestSession(t, dialer)
	counter := NewUnreadCounter(staticLister(nil, nil))
	cache := NewPresenceCache()
	session.BindUnread(counter)
	session.BindPresence(cache)

	session.Open(alice)
	waitFor(t, session.IsConnected, "session never connected")
	fc := dialer.carrier(0)

	session.Close()
	if session.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", session.State())
	}

	// A delayed event from the torn-down transport must not mutate state.
	fc.push(t, EventMessageReceived, MessageReceivedEvent{Sender: MessageSender{ID: bob.ID}, ConversationID: "c1"})
	fc.push(t, EventUserStatus, UserStatusEvent{UserID: bob.ID, IsOnline: true})

	time.Sleep(50 * time.Millisecond)
	if counter.Value() != 0 {
		t.Fatalf("stray event mutated unread count: %d", counter.Value())
	}
	if cache.Len() != 0 {
		t.Fatal("stray event mutated presence cache")
	}
}

func TestSessionCloseWaitsForInFlightHandler(t *testing.T) {
	dialer := &fakeDialer{}
	session := newTestSession(t, dialer)

	started := make(chan struct{})
	finished := false
	session.OnMessageReceived(func(MessageReceivedEvent) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished = true
	})

	session.Open(alice)
	waitFor(t, session.IsConnected, "session never connected")
	dialer.carrier(0).push(t, EventMessageReceived, MessageReceivedEvent{
		Sender: MessageSender{ID: bob.ID}, ConversationID: "c1",
	})

	// Close must drain the dispatch loop, not just cancel it.
	<-started
	session.Close()
	if !finished {
		t.Fatal("Close returned while a handler was still running")
	}
}

func TestSessionReconnectsAfterTransportLoss(t *testing.T) {
	dialer := &fakeDialer{}
	session := newTestSession(t, dialer)

	session.Open(alice)
	waitFor(t, session.IsConnected, "session never connected")

	// Kill the first carrier; the session should dial again on its own.
	close(dialer.carrier(0).in)

	waitFor(t, func() bool { return dialer.calls() == 2 && session.IsConnected() },
		"session never reconnected after transport loss")

	fc := dialer.carrier(1)
	waitFor(t, func() bool { return len(fc.sentEvents()) > 0 }, "announce never re-sent")
}

func TestSessionRetryExhaustionIsSilent(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("dial refused")}
	session := newTestSession(t, dialer)

	session.Open(alice)
	waitFor(t, func() bool { return session.State() == StateDisconnected },
		"session never gave up")

	// A later explicit Open starts a fresh attempt cycle.
	dialer.mu.Lock()
	dialer.err = nil
	dialer.mu.Unlock()

	session.Open(alice)
	waitFor(t, session.IsConnected, "reopen after exhaustion never connected")
}

func TestSessionUnreadLifecycle(t *testing.T) {
	// Full scenario: seed, push from another user, teardown, stray event.
	dialer := &fakeDialer{}
	session := newTestSession(t, dialer)
	counter := NewUnreadCounter(staticLister([]Conversation{
		{ID: "c1", UnreadCount: 1},
		{ID: "c2", UnreadCount: 2},
	}, nil))
	session.BindUnread(counter)

	session.Open(alice)
	waitFor(t, session.IsConnected, "session never connected")

	if err := counter.Seed(context.Background()); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if counter.Value() != 3 {
		t.Fatalf("expected 3 after seed, got %d", counter.Value())
	}

	fc := dialer.carrier(0)
	fc.push(t, EventMessageReceived, MessageReceivedEvent{Sender: MessageSender{ID: bob.ID}, ConversationID: "c1"})
	waitFor(t, func() bool { return counter.Value() == 4 }, "push never counted")

	session.Close()
	fc.push(t, EventMessageReceived, MessageReceivedEvent{Sender: MessageSender{ID: bob.ID}, ConversationID: "c2"})

	time.Sleep(50 * time.Millisecond)
	if got := counter.Value(); got != 4 {
		t.Fatalf("disconnect must not change the count, got %d", got)
	}
}

func TestSessionSendRequiresConnection(t *testing.T) {
	dialer := &fakeDialer{}
	session := newTestSession(t, dialer)

	if err := session.Send(context.Background(), "typing", nil); err == nil {
		t.Fatal("expected error sending while disconnected")
	}

	session.Open(alice)
	waitFor(t, session.IsConnected, "session never connected")

	if err := session.Send(context.Background(), "typing", map[string]string{"conversationId": "c1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	fc := dialer.carrier(0)
	waitFor(t, func() bool {
		for _, ev := range fc.sentEvents() {
			if ev == "typing" {
				return true
			}
		}
		return false
	}, "typing event never sent")
}
