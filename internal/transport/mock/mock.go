// Package mock provides a recording transport implementation for tests.
package mock

import (
	"sync"

	"github.com/ribu-singh/Vocode-Backend/internal/transport"
)

// Transport is a configurable in-memory transport. It records every sent
// message and is safe for concurrent use.
type Transport struct {
	mu sync.Mutex

	// SendErr, when set, is returned by every Send call.
	SendErr error

	// CloseErr, when set, is returned by every Close call.
	CloseErr error

	sent       []transport.Message
	closeCalls int
}

// Send records the message.
func (t *Transport) Send(msg transport.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.SendErr != nil {
		return t.SendErr
	}
	t.sent = append(t.sent, msg)
	return nil
}

// Close records the call.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeCalls++
	return t.CloseErr
}

// Sent returns a copy of all recorded messages.
func (t *Transport) Sent() []transport.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]transport.Message, len(t.sent))
	copy(out, t.sent)
	return out
}

// SentOfKind returns the recorded messages with the given wire type.
func (t *Transport) SentOfKind(kind transport.MessageType) []transport.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []transport.Message
	for _, m := range t.sent {
		if m.Kind() == kind {
			out = append(out, m)
		}
	}
	return out
}

// CloseCallCount returns how many times Close was called.
func (t *Transport) CloseCallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}

// Reset clears all recorded calls.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = nil
	t.closeCalls = 0
}

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)
