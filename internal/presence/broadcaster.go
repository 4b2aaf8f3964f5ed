package presence

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nfrund/dmrelay/internal/connection"
	"github.com/nfrund/dmrelay/internal/domain"
	"github.com/nfrund/dmrelay/internal/metrics"
	"github.com/nfrund/dmrelay/internal/protocol"
)

// RosterSource is the registry view the broadcaster reads.
type RosterSource interface {
	Snapshot() ([]domain.Identity, []*connection.Connection)
}

// Broadcaster pushes the full online roster to every registered connection
// whenever presence changes.
//
// Notify only marks the roster dirty; a single Run goroutine performs the
// broadcasts. A burst of changes collapses into one broadcast, and because
// every broadcast snapshots the registry when it runs, a push never reflects
// a state older than the latest change that preceded it.
type Broadcaster struct {
	source  RosterSource
	dirty   chan struct{}
	mu      sync.Mutex // serializes snapshot+enqueue across broadcasts
	metrics *metrics.Relay
	logger  *slog.Logger
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithBroadcastMetrics counts broadcasts and per-connection results.
func WithBroadcastMetrics(m *metrics.Relay) BroadcasterOption {
	return func(b *Broadcaster) {
		b.metrics = m
	}
}

func NewBroadcaster(source RosterSource, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		source: source,
		dirty:  make(chan struct{}, 1),
		logger: slog.Default().With("service", "presence"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Notify schedules a broadcast. It never blocks.
func (b *Broadcaster) Notify() {
	select {
	case b.dirty <- struct{}{}:
	default:
		// A broadcast is already pending and will see this change.
	}
}

// Run performs scheduled broadcasts until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) {
	b.logger.Info("Presence broadcaster started")
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Presence broadcaster stopped")
			return
		case <-b.dirty:
			b.BroadcastRoster()
		}
	}
}

// BroadcastRoster snapshots the roster once and enqueues it on every
// registered connection. It returns the number of connections that accepted
// the frame. A connection that cannot accept it is logged and skipped.
func (b *Broadcaster) BroadcastRoster() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	roster, targets := b.source.Snapshot()
	payload, err := protocol.EncodeRoster(roster)
	if err != nil {
		b.logger.Error("Failed to encode roster", "error", err)
		return 0
	}

	sent := 0
	for _, conn := range targets {
		if err := conn.Send(payload); err != nil {
			b.logger.Warn("Roster delivery failed", "connection_id", conn.ID(), "error", err)
			b.metrics.DeliveryResult(metrics.ResultFailed)
			continue
		}
		sent++
	}
	b.metrics.RosterBroadcast()
	b.logger.Debug("Roster broadcast", "online", len(roster), "connections", sent)
	return sent
}
