package bus

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Handler receives published events. It runs on the publisher's goroutine
// and must not block.
type Handler func(Event)

type subscription struct {
	id uint64
	fn Handler
}

// Bus is an in-process fan-out of pipeline events. Delivery to each
// subscriber is synchronous and in publish order per publisher goroutine.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64

	recentMu sync.Mutex
	recent   []Event
	head     int
	full     bool

	counts    map[Kind]*atomic.Uint64
	panics    atomic.Uint64
	published atomic.Uint64
}

// New creates a bus that remembers the last keep events.
func New(keep int) *Bus {
	if keep <= 0 {
		keep = 256
	}
	b := &Bus{
		recent: make([]Event, keep),
		counts: make(map[Kind]*atomic.Uint64, len(Kinds)),
	}
	for _, k := range Kinds {
		b.counts[k] = new(atomic.Uint64)
	}
	return b
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers e to every subscriber. A panicking subscriber is logged
// and skipped.
func (b *Bus) Publish(e Event) {
	b.published.Add(1)
	if c, ok := b.counts[e.Kind]; ok {
		c.Add(1)
	}
	b.remember(e)

	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, s := range subs {
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			log.Error().Interface("panic", r).Str("kind", string(e.Kind)).Msg("bus: subscriber panicked")
		}
	}()
	s.fn(e)
}

func (b *Bus) remember(e Event) {
	b.recentMu.Lock()
	defer b.recentMu.Unlock()
	b.recent[b.head] = e
	b.head = (b.head + 1) % len(b.recent)
	if b.head == 0 {
		b.full = true
	}
}

// Recent returns up to n of the latest events, oldest first.
func (b *Bus) Recent(n int) []Event {
	b.recentMu.Lock()
	defer b.recentMu.Unlock()

	size := b.head
	if b.full {
		size = len(b.recent)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Event, 0, n)
	for i := size - n; i < size; i++ {
		idx := i
		if b.full {
			idx = (b.head + i) % len(b.recent)
		}
		out = append(out, b.recent[idx])
	}
	return out
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Published   uint64          `json:"published"`
	Subscribers int             `json:"subscribers"`
	Panics      uint64          `json:"subscriber_panics"`
	ByKind      map[Kind]uint64 `json:"by_kind"`
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	by := make(map[Kind]uint64, len(b.counts))
	for k, c := range b.counts {
		by[k] = c.Load()
	}
	return Stats{
		Published:   b.published.Load(),
		Subscribers: n,
		Panics:      b.panics.Load(),
		ByKind:      by,
	}
}
