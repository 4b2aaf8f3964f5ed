package testutils

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nfrund/dmrelay/internal/domain"
	"github.com/nfrund/dmrelay/internal/protocol"
)

// FakeTransport is an in-memory connection.Transport that records every
// frame written to it.
type FakeTransport struct {
	mu          sync.Mutex
	frames      [][]byte
	pings       int
	pingErr     error
	writeErr    error
	closed      bool
	closeStatus int
	closeReason string
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{}
}

func (f *FakeTransport) Write(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.frames = append(f.frames, append([]byte(nil), payload...))
	return nil
}

func (f *FakeTransport) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *FakeTransport) Close(status int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.closeStatus = status
		f.closeReason = reason
	}
	return nil
}

// SetPingErr makes every later Ping fail with err (nil restores success).
func (f *FakeTransport) SetPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

// SetWriteErr makes every later Write fail with err.
func (f *FakeTransport) SetWriteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *FakeTransport) Pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

// Closed reports whether Close was called, with the first status and reason.
func (f *FakeTransport) Closed() (bool, int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeStatus, f.closeReason
}

// Frames returns a copy of every frame written so far.
func (f *FakeTransport) Frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

// Rosters decodes the roster pushes among the written frames, in order.
func (f *FakeTransport) Rosters() []protocol.RosterFrame {
	var out []protocol.RosterFrame
	for _, raw := range f.Frames() {
		var probe map[string]json.RawMessage
		if json.Unmarshal(raw, &probe) != nil {
			continue
		}
		if _, ok := probe["online"]; !ok {
			continue
		}
		var roster protocol.RosterFrame
		if json.Unmarshal(raw, &roster) == nil {
			out = append(out, roster)
		}
	}
	return out
}

// Messages decodes the message deliveries among the written frames, in order.
func (f *FakeTransport) Messages() []domain.Message {
	var out []domain.Message
	for _, raw := range f.Frames() {
		var probe map[string]json.RawMessage
		if json.Unmarshal(raw, &probe) != nil {
			continue
		}
		if _, ok := probe["id"]; !ok {
			continue
		}
		var msg domain.Message
		if json.Unmarshal(raw, &msg) == nil {
			out = append(out, msg)
		}
	}
	return out
}

// Errors decodes the error frames among the written frames, in order.
func (f *FakeTransport) Errors() []protocol.ErrorBody {
	var out []protocol.ErrorBody
	for _, raw := range f.Frames() {
		var frame struct {
			Error *protocol.ErrorBody `json:"error"`
		}
		if json.Unmarshal(raw, &frame) == nil && frame.Error != nil {
			out = append(out, *frame.Error)
		}
	}
	return out
}
