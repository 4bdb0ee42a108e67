package pairly

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"sync"
	"syscall"
)

// ============================================================================
// Network Signal
// ============================================================================

// DefaultNetworkErrorMessage is shown when Guard is not given a custom one.
const DefaultNetworkErrorMessage = "Cannot reach the server.\nPlease check your internet connection."

// NetworkSignal is the single-slot connectivity prompt behind the app-wide
// error modal. At most one prompt is visible at a time; a new Show replaces
// whatever was there. Construct one per session so tests get isolated
// instances.
type NetworkSignal struct {
	mu      sync.Mutex
	visible bool
	message string
	retry   func()
}

func NewNetworkSignal() *NetworkSignal {
	return &NetworkSignal{}
}

// Show raises the prompt, replacing any visible one. An empty message uses
// the default; onRetry may be nil.
func (n *NetworkSignal) Show(message string, onRetry func()) {
	if message == "" {
		message = DefaultNetworkErrorMessage
	}
	n.mu.Lock()
	n.visible = true
	n.message = message
	n.retry = onRetry
	n.mu.Unlock()
}

// Hide dismisses the prompt and drops the stored retry callback.
func (n *NetworkSignal) Hide() {
	n.mu.Lock()
	n.visible = false
	n.message = ""
	n.retry = nil
	n.mu.Unlock()
}

// IsVisible reports whether a prompt is showing.
func (n *NetworkSignal) IsVisible() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.visible
}

// Message returns the visible prompt text, or "" when hidden.
func (n *NetworkSignal) Message() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.message
}

// Retry hides the prompt and re-invokes the stored callback. Without a
// stored callback it is equivalent to Hide.
func (n *NetworkSignal) Retry() {
	n.mu.Lock()
	retry := n.retry
	n.visible = false
	n.message = ""
	n.retry = nil
	n.mu.Unlock()

	if retry != nil {
		retry()
	}
}

// ============================================================================
// Error Classification
// ============================================================================

// IsNetworkError reports whether err is a transport failure (refused
// connection, timeout, DNS failure, no response) as opposed to an
// application-level rejection. An *APIError means the server answered and
// is never network-class, whatever its status.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// http.Client wraps every transport failure in *url.Error; server
	// responses never produce one.
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// ============================================================================
// Guard
// ============================================================================

// Guard wraps a network operation with the uniform retry contract. On
// success the result passes through. A network-class failure raises the
// signal with message (or the default) and onRetry, and is absorbed: the
// caller gets (nil, nil) and needs no per-call error UI. Any other failure
// is returned unchanged.
func Guard[T any](signal *NetworkSignal, op func() (T, error), onRetry func(), message string) (*T, error) {
	result, err := op()
	if err == nil {
		return &result, nil
	}

	if IsNetworkError(err) {
		signal.Show(message, onRetry)
		return nil, nil
	}
	return nil, err
}

// GuardErr is Guard for operations without a result value. It reports
// whether the operation succeeded; absorbed network failures return
// (false, nil).
func GuardErr(signal *NetworkSignal, op func() error, onRetry func(), message string) (bool, error) {
	if err := op(); err != nil {
		if IsNetworkError(err) {
			signal.Show(message, onRetry)
			return false, nil
		}
		return false, err
	}
	return true, nil
}
