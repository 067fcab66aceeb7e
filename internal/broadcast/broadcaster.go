// Package broadcast fans committed ledger events out to live subscribers of a stream.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/onnwee/auditledger/internal/audit"
)

// DefaultBufferSize is the per-subscriber queue length. A subscriber whose
// queue is full is dropped rather than allowed to slow down appends.
const DefaultBufferSize = 64

// Subscriber receives the JSON encoding of every event committed to one stream
// after it subscribed.
type Subscriber struct {
	streamID string
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

// StreamID returns the stream the subscriber listens to.
func (s *Subscriber) StreamID() string { return s.streamID }

// Messages delivers encoded events in commit order.
func (s *Subscriber) Messages() <-chan []byte { return s.send }

// Done is closed once the subscriber was removed, either by Unsubscribe or
// because it fell behind.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Broadcaster keeps the live subscribers of each stream.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Subscriber]struct{} // streamID -> subscribers
	bufferSize  int
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. bufferSize <= 0 selects DefaultBufferSize.
func NewBroadcaster(bufferSize int, logger *slog.Logger) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[*Subscriber]struct{}),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Subscribe registers a new subscriber for streamID.
func (b *Broadcaster) Subscribe(streamID string) *Subscriber {
	s := &Subscriber{
		streamID: streamID,
		send:     make(chan []byte, b.bufferSize),
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[streamID] == nil {
		b.subscribers[streamID] = make(map[*Subscriber]struct{})
	}
	b.subscribers[streamID][s] = struct{}{}
	return s
}

// Unsubscribe removes s. It is safe to call more than once.
func (b *Broadcaster) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(s)
}

func (b *Broadcaster) removeLocked(s *Subscriber) {
	if subs, ok := b.subscribers[s.streamID]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.subscribers, s.streamID)
		}
	}
	s.close()
}

// Broadcast delivers e to every subscriber of its stream without blocking.
// It has the signature of audit.CommitHook.
func (b *Broadcaster) Broadcast(e *audit.Event) {
	b.mu.RLock()
	n := len(b.subscribers[e.StreamID])
	b.mu.RUnlock()
	if n == 0 {
		return
	}

	// Serialize event once
	data, err := json.Marshal(e)
	if err != nil {
		b.logger.Error("failed to marshal event for broadcast", "error", err, "stream_id", e.StreamID)
		return
	}

	var lagging []*Subscriber
	b.mu.RLock()
	for s := range b.subscribers[e.StreamID] {
		select {
		case s.send <- data:
		default:
			lagging = append(lagging, s)
		}
	}
	b.mu.RUnlock()

	if len(lagging) == 0 {
		return
	}
	b.mu.Lock()
	for _, s := range lagging {
		b.removeLocked(s)
	}
	b.mu.Unlock()
	b.logger.Warn("dropped lagging tail subscribers",
		"stream_id", e.StreamID,
		"seq", e.Seq,
		"dropped", len(lagging),
	)
}

// ConnectionCount returns the number of live subscribers of a stream.
func (b *Broadcaster) ConnectionCount(streamID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[streamID])
}

// Close removes every subscriber. Tail connections observe Done and hang up.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subscribers {
		for s := range subs {
			s.close()
		}
	}
	b.subscribers = make(map[string]map[*Subscriber]struct{})
}
