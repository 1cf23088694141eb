package proctor

import (
	"sync"

	"github.com/recrutea/proctor-backend/internal/model"
)

// SignalSource is the capability surface through which the monitor observes
// the browser. Signals registers interest in a set of kinds and returns one
// typed stream carrying only those kinds; the stream closes when the source
// does.
type SignalSource interface {
	Signals(kinds ...model.SignalKind) <-chan model.Signal
}

// ChannelSource is a SignalSource fed by Emit. Transports (the WebSocket
// stream, the HTTP signal endpoint) push into it; tests drive it directly.
//
// Emit never blocks: each subscriber queues signals without bound and a
// pump goroutine hands them over in order. A consumer stalled on a slow
// transition therefore never stalls the transport, and no signal is dropped.
type ChannelSource struct {
	mu     sync.Mutex
	subs   []*subscriber
	closed bool
	buffer int
}

type subscriber struct {
	kinds map[model.SignalKind]bool
	out   chan model.Signal
	wake  chan struct{}

	mu     sync.Mutex
	queue  []model.Signal
	closed bool
}

// NewChannelSource creates a source whose subscriber channels hold up to
// buffer signals ahead of the pump's queue.
func NewChannelSource(buffer int) *ChannelSource {
	if buffer <= 0 {
		buffer = 16
	}
	return &ChannelSource{buffer: buffer}
}

// Signals implements SignalSource.
func (c *ChannelSource) Signals(kinds ...model.SignalKind) <-chan model.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		ch := make(chan model.Signal)
		close(ch)
		return ch
	}

	sub := &subscriber{
		kinds: make(map[model.SignalKind]bool, len(kinds)),
		out:   make(chan model.Signal, c.buffer),
		wake:  make(chan struct{}, 1),
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}
	c.subs = append(c.subs, sub)
	go sub.pump()
	return sub.out
}

// Emit queues a signal for every subscriber registered for its kind.
func (c *ChannelSource) Emit(sig model.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for _, sub := range c.subs {
		if sub.kinds[sig.Kind] {
			sub.push(sig)
		}
	}
}

// Close ends every subscriber stream once its queued signals are delivered.
func (c *ChannelSource) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, sub := range c.subs {
		sub.close()
	}
}

func (s *subscriber) push(sig model.Signal) {
	s.mu.Lock()
	s.queue = append(s.queue, sig)
	s.mu.Unlock()
	s.notify()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.notify()
}

func (s *subscriber) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()

		for _, sig := range batch {
			s.out <- sig
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-s.wake
	}
}
