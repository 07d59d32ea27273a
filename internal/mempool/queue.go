package mempool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/snipebot/snipebot/internal/contracts"
	"github.com/snipebot/snipebot/internal/evm"
)

// Candidate is a newly discovered token worth evaluating.
type Candidate struct {
	Token        evm.TokenInfo      `json:"token"`
	TxHash       common.Hash        `json:"tx_hash"`
	Router       common.Address     `json:"router"`
	Method       string             `json:"method"`
	Kind         contracts.CallKind `json:"kind"`
	DiscoveredAt time.Time          `json:"discovered_at"`
}

// ---------------------------------------------------------------------------
// Drop-oldest queue
// ---------------------------------------------------------------------------

// Queue is a bounded candidate channel. Push never blocks: when the channel
// is full the oldest candidate is discarded to make room. Pushes are
// serialized so the single-producer guarantee holds even with several
// sources; any number of consumers may receive from C().
type Queue struct {
	mu      sync.Mutex
	ch      chan Candidate
	dropped atomic.Uint64
}

func NewQueue(depth int) *Queue {
	if depth <= 0 {
		depth = 1
	}
	return &Queue{ch: make(chan Candidate, depth)}
}

// Push enqueues c. If a candidate was evicted it is returned with ok=true.
func (q *Queue) Push(c Candidate) (evicted Candidate, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		select {
		case q.ch <- c:
			return evicted, ok
		default:
		}
		select {
		case old := <-q.ch:
			q.dropped.Add(1)
			evicted, ok = old, true
		default:
			// A consumer drained it between the two selects.
		}
	}
}

func (q *Queue) C() <-chan Candidate { return q.ch }
func (q *Queue) Len() int            { return len(q.ch) }
func (q *Queue) Cap() int            { return cap(q.ch) }
func (q *Queue) Dropped() uint64     { return q.dropped.Load() }

// ---------------------------------------------------------------------------
// Dedup window
// ---------------------------------------------------------------------------

// Dedup remembers token addresses for window after their first sighting.
type Dedup struct {
	window time.Duration

	mu   sync.Mutex
	seen map[common.Address]time.Time
}

func NewDedup(window time.Duration) *Dedup {
	return &Dedup{window: window, seen: make(map[common.Address]time.Time)}
}

// Check records addr and reports whether it is new. A repeat within the
// window returns false and does not extend the window.
func (d *Dedup) Check(addr common.Address, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if first, ok := d.seen[addr]; ok && now.Sub(first) < d.window {
		return false
	}
	d.seen[addr] = now
	return true
}

// Expire forgets entries older than the window.
func (d *Dedup) Expire(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for addr, first := range d.seen {
		if now.Sub(first) >= d.window {
			delete(d.seen, addr)
			n++
		}
	}
	return n
}

func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
