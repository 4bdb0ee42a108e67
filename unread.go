package pairly

import (
	"context"
	"fmt"
	"sync"
)

// ============================================================================
// Unread Counter
// ============================================================================

// UnreadCounter aggregates the app-wide unread-message badge from three
// independent sources: a full reconciliation fetch (Seed), realtime pushes
// (Increment, wired through Session.BindUnread so self-echoes never count),
// and explicit corrections (Reset, e.g. after the user opens a thread).
//
// The count is never negative and survives disconnects; only Seed or Reset
// change it wholesale.
type UnreadCounter struct {
	mu    sync.Mutex
	count int
	fetch func(ctx context.Context) ([]Conversation, error)
}

// NewUnreadCounter creates a counter seeded from the given conversation
// lister, typically Client.Conversations.List.
func NewUnreadCounter(fetch func(ctx context.Context) ([]Conversation, error)) *UnreadCounter {
	return &UnreadCounter{fetch: fetch}
}

// Seed refetches the conversation list and replaces the count with the sum
// of per-conversation unread fields, clamped to zero like Reset. On failure
// the previous value stands and the error is returned; retrying is the
// caller's call.
func (u *UnreadCounter) Seed(ctx context.Context) error {
	conversations, err := u.fetch(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed unread count: %w", err)
	}

	total := 0
	for _, conv := range conversations {
		total += conv.UnreadCount
	}
	if total < 0 {
		total = 0
	}

	u.mu.Lock()
	u.count = total
	u.mu.Unlock()
	return nil
}

// Increment adds one for an inbound message authored by someone else.
func (u *UnreadCounter) Increment() {
	u.mu.Lock()
	u.count++
	u.mu.Unlock()
}

// Value returns the current count.
func (u *UnreadCounter) Value() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.count
}

// Reset replaces the count, clamping negatives to zero.
func (u *UnreadCounter) Reset(value int) {
	if value < 0 {
		value = 0
	}
	u.mu.Lock()
	u.count = value
	u.mu.Unlock()
}
