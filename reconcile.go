package pairly

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Profile Reconciliation
// ============================================================================

// ProfileSnapshot holds the profile fields that can change server-side
// outside the push channel, e.g. when a moderator approves a photo.
type ProfileSnapshot struct {
	AvatarURL string
	CoverURL  string
}

// ProfileDelta carries only the fields that actually changed; nil means
// unchanged. Applying a delta is idempotent and commutes per field with
// push-applied updates, so poll and push racing cannot regress state.
type ProfileDelta struct {
	AvatarURL *string
	CoverURL  *string
}

// Empty reports whether no field changed.
func (d ProfileDelta) Empty() bool {
	return d.AvatarURL == nil && d.CoverURL == nil
}

// diffProfile compares two snapshots field by field.
func diffProfile(old, latest ProfileSnapshot) ProfileDelta {
	var delta ProfileDelta
	if latest.AvatarURL != old.AvatarURL {
		v := latest.AvatarURL
		delta.AvatarURL = &v
	}
	if latest.CoverURL != old.CoverURL {
		v := latest.CoverURL
		delta.CoverURL = &v
	}
	return delta
}

// SnapshotUser extracts the reconciled fields from a profile record.
func SnapshotUser(u *User) ProfileSnapshot {
	return ProfileSnapshot{AvatarURL: u.Img, CoverURL: u.Cover}
}

// ============================================================================
// Reconciler
// ============================================================================

// ReconcilerConfig configures the polling loop.
type ReconcilerConfig struct {
	// Interval between reconciliation fetches.
	Interval time.Duration
	Logger   *zap.Logger
	// Revive, when set, runs at the top of every tick. Wire it to
	// Session.Open so a session that silently gave up reconnecting gets
	// another attempt cycle on the next tick.
	Revive func()
}

func (c *ReconcilerConfig) defaults() {
	if c.Interval == 0 {
		c.Interval = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Reconciler re-fetches the active user's canonical profile on a fixed
// interval and propagates only the fields that differ from the last applied
// snapshot. It is a best-effort safety net for pushes the realtime channel
// dropped; a failed tick is logged and skipped, never escalated.
type Reconciler struct {
	fetch    func(ctx context.Context, userID string) (ProfileSnapshot, error)
	apply    func(ProfileDelta)
	interval time.Duration
	log      *zap.Logger
	revive   func()

	mu       sync.Mutex
	gen      uint64
	cancel   context.CancelFunc
	done     chan struct{}
	identity *Identity
	last     ProfileSnapshot
}

// NewReconciler creates a reconciler. fetch loads the canonical snapshot
// (typically wrapping Client.Users.Get); apply pushes changed fields into
// whatever holds the local user record. A nil config uses defaults.
func NewReconciler(
	fetch func(ctx context.Context, userID string) (ProfileSnapshot, error),
	apply func(ProfileDelta),
	cfg *ReconcilerConfig,
) *Reconciler {
	if cfg == nil {
		cfg = &ReconcilerConfig{}
	}
	c := *cfg
	c.defaults()
	return &Reconciler{
		fetch:    fetch,
		apply:    apply,
		interval: c.Interval,
		log:      c.Logger,
		revive:   c.Revive,
	}
}

// Start begins polling for the given identity, diffing against baseline
// (the profile fields as currently known locally). Start is idempotent for
// the same identity; a changed identity restarts the interval from zero.
func (r *Reconciler) Start(identity Identity, baseline ProfileSnapshot) {
	r.mu.Lock()
	if r.identity != nil && *r.identity == identity && r.cancel != nil {
		r.mu.Unlock()
		return
	}
	oldCancel, oldDone := r.stopLocked()

	id := identity
	r.identity = &id
	r.last = baseline
	r.gen++
	gen := r.gen
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	done := make(chan struct{})
	r.done = done
	r.mu.Unlock()

	if oldCancel != nil {
		oldCancel()
	}
	if oldDone != nil {
		<-oldDone
	}

	go r.run(ctx, id, gen, done)
}

// Stop cancels the polling loop and waits for the in-flight tick, if any,
// to finish. After Stop returns, apply will not be called again. Safe to
// call when not started.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel, done := r.stopLocked()
	r.identity = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (r *Reconciler) stopLocked() (context.CancelFunc, chan struct{}) {
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.gen++
	return cancel, done
}

func (r *Reconciler) run(ctx context.Context, id Identity, gen uint64, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx, id, gen)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context, id Identity, gen uint64) {
	if r.revive != nil {
		r.revive()
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.interval)
	snapshot, err := r.fetch(fetchCtx, id.ID)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			r.log.Debug("reconcile tick failed", zap.String("userId", id.ID), zap.Error(err))
		}
		return
	}

	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		return
	}
	delta := diffProfile(r.last, snapshot)
	r.last = snapshot
	r.mu.Unlock()

	if delta.Empty() {
		return
	}
	r.log.Info("reconciled profile change",
		zap.String("userId", id.ID),
		zap.Bool("avatar", delta.AvatarURL != nil),
		zap.Bool("cover", delta.CoverURL != nil))
	r.apply(delta)
}
