// Package pending implements the reliable-delivery state machine: one
// entry per (message_id, receiver_node_id), ticked on a fixed interval
// to retransmit with exponential backoff until an ack arrives or the
// retry budget is exhausted, at which point the entry is dead-lettered.
package pending

import (
	"context"
	"sync"
	"time"

	"github.com/nodefleet/minibus/internal/logging"
	"github.com/nodefleet/minibus/pkg/bus/types"
)

const (
	// deadLetterRingCapacity is intentionally not configurable; see
	// DESIGN.md's Open Questions section.
	deadLetterRingCapacity = 128

	defaultTick = 30 * time.Millisecond

	maxBackoffShift = 10
)

// Clock abstracts wall-clock millis so tests can drive time explicitly
// instead of racing a real ticker.
type Clock func() int64

func systemClock() int64 {
	return time.Now().UnixMilli()
}

// Resender is invoked once per retransmit; the tracker does not touch
// the transport directly (spec.md §9: one-way dependency, no back
// pointer into the engine).
type Resender func(entry types.PendingEntry)

// Callbacks bundles the tracker's one-way event emissions.
type Callbacks struct {
	// Resend fires when an entry's deadline elapsed and a retry
	// remains; the caller re-sends entry.Encoded to entry.Host:Port.
	Resend Resender

	// Failed fires once, when an entry exhausts its retry budget.
	Failed func(messageID int64, receiverNodeID string)

	// DeadLetter fires alongside Failed with the attempt count and
	// reason, for callers that want the richer event.
	DeadLetter func(messageID int64, receiverNodeID string, attempts int, reason string)
}

// Tracker holds the pending reliable sends. At most one entry exists
// per (messageID, receiverNodeID); a second Track call for the same
// key replaces the first.
type Tracker struct {
	mu      sync.Mutex
	entries map[types.PendingKey]*types.PendingEntry

	ring     []types.DeadLetter
	ringHead int

	log   logging.Logger
	cb    Callbacks
	clock Clock
	sink  DeadLetterSink

	tickInterval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// DeadLetterSink persists a dead-lettered entry for offline inspection,
// typically as a line in an ndjson file.
type DeadLetterSink interface {
	Append(d types.DeadLetter) error
}

// Option configures a Tracker at construction.
type Option func(*Tracker)

// WithClock overrides the wall-clock source, for deterministic tests.
func WithClock(c Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithTickInterval overrides the scan interval (default 30ms).
func WithTickInterval(d time.Duration) Option {
	return func(t *Tracker) { t.tickInterval = d }
}

// WithDeadLetterSink wires a persistent sink; without one, dead
// letters are only kept in the in-memory ring.
func WithDeadLetterSink(s DeadLetterSink) Option {
	return func(t *Tracker) { t.sink = s }
}

// New creates a Tracker and starts its tick goroutine. Call Stop to
// release it.
func New(log logging.Logger, cb Callbacks, opts ...Option) *Tracker {
	t := &Tracker{
		entries:      make(map[types.PendingKey]*types.PendingEntry),
		ring:         make([]types.DeadLetter, 0, deadLetterRingCapacity),
		log:          log,
		cb:           cb,
		clock:        systemClock,
		tickInterval: defaultTick,
	}
	for _, opt := range opts {
		opt(t)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(ctx)
	return t
}

// Track registers a new reliable-delivery attempt, armed with an
// initial deadline of now + baseTimeoutMs.
func (t *Tracker) Track(key types.PendingKey, encoded []byte, host string, port uint16, retries int, baseTimeoutMs int64, exponentialBackoff bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	t.entries[key] = &types.PendingEntry{
		Key:                key,
		Encoded:            encoded,
		Host:               host,
		Port:               port,
		RetriesLeft:        retries,
		Attempt:            0,
		BaseTimeoutMs:      baseTimeoutMs,
		DeadlineMs:         now + baseTimeoutMs,
		ExponentialBackoff: exponentialBackoff,
		State:              types.Armed,
	}
}

// AckReceived removes the matching entry, transitioning it to Done. An
// ack for an unknown or already-evicted key is a silent no-op — the
// first matching ack wins and any later duplicate is inert.
func (t *Tracker) AckReceived(messageID int64, receiverNodeID string) {
	key := types.PendingKey{MessageID: messageID, ReceiverNodeID: receiverNodeID}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}

// Size reports the number of entries currently tracked, used by the
// engine's shutdown drain loop and the pending-size metric.
func (t *Tracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// DeadLetters returns a snapshot of the in-memory ring, oldest first.
func (t *Tracker) DeadLetters() []types.DeadLetter {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.DeadLetter, len(t.ring))
	copy(out, t.ring)
	return out
}

// Stop halts the tick goroutine and waits for it to exit.
func (t *Tracker) Stop() {
	t.cancel()
	<-t.done
}

func (t *Tracker) run(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick()
		}
	}
}

// tick scans every entry once. Per spec.md §4.5, mutations are staged
// and applied only after the scan completes so the map iteration is
// never invalidated mid-scan — the same staged-apply shape as
// original_source/transport/ack_manager.cpp's onTick.
func (t *Tracker) tick() {
	now := t.clock()

	type resendEvent struct {
		entry types.PendingEntry
	}
	type deadEvent struct {
		entry    types.PendingEntry
		deadline types.DeadLetter
	}

	var resends []resendEvent
	var deads []deadEvent

	t.mu.Lock()
	for key, entry := range t.entries {
		if now < entry.DeadlineMs {
			continue
		}
		if entry.RetriesLeft > 0 {
			entry.Attempt++
			entry.RetriesLeft--
			next := entry.BaseTimeoutMs
			if entry.ExponentialBackoff {
				shift := entry.Attempt
				if shift > maxBackoffShift {
					shift = maxBackoffShift
				}
				next = entry.BaseTimeoutMs * (int64(1) << uint(shift))
			}
			entry.DeadlineMs = now + next
			entry.State = types.Retrying
			resends = append(resends, resendEvent{entry: *entry})
		} else {
			entry.State = types.DeadLettered
			deads = append(deads, deadEvent{
				entry: *entry,
				deadline: types.DeadLetter{
					MessageID:      key.MessageID,
					ReceiverNodeID: key.ReceiverNodeID,
					Encoded:        entry.Encoded,
					FailedAtMs:     now,
					Attempts:       entry.Attempt,
					Reason:         "max_retries_exceeded",
				},
			})
			delete(t.entries, key)
		}
	}
	t.mu.Unlock()

	for _, r := range resends {
		if t.cb.Resend != nil {
			t.cb.Resend(r.entry)
		}
	}

	for _, d := range deads {
		t.recordDeadLetter(d.deadline)
		if t.cb.Failed != nil {
			t.cb.Failed(d.entry.Key.MessageID, d.entry.Key.ReceiverNodeID)
		}
		if t.cb.DeadLetter != nil {
			t.cb.DeadLetter(d.entry.Key.MessageID, d.entry.Key.ReceiverNodeID, d.entry.Attempt, "max_retries_exceeded")
		}
		if t.sink != nil {
			if err := t.sink.Append(d.deadline); err != nil {
				t.log.Errorf("pending: failed to append dead letter: %v", err)
			}
		}
	}
}

func (t *Tracker) recordDeadLetter(d types.DeadLetter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.ring) >= deadLetterRingCapacity {
		copy(t.ring, t.ring[1:])
		t.ring = t.ring[:len(t.ring)-1]
	}
	t.ring = append(t.ring, d)
}
