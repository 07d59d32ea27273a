// Package mempool watches pending transactions for router and factory calls
// that introduce a token, and queues each new token once as a Candidate.
package mempool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"

	"github.com/snipebot/snipebot/internal/contracts"
	"github.com/snipebot/snipebot/internal/evm"
)

// Notification is one pending transaction reported by a source: the full
// transaction when the node sends it, otherwise only its hash.
type Notification struct {
	Hash   common.Hash
	Tx     *types.Transaction
	Source string
}

// Source streams pending-transaction notifications until ctx ends.
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- Notification) error
}

// Resolver fetches a pending transaction by hash.
type Resolver func(ctx context.Context, hash common.Hash) (*types.Transaction, error)

// Config configures the watcher.
type Config struct {
	ChainID     uint64
	Targets     []common.Address // routers and factories whose calls are decoded
	BaseTokens  []common.Address // quote tokens never reported as candidates (WETH, stables)
	QueueDepth  int
	DedupWindow time.Duration
	Resolvers   int // concurrent hash resolvers
}

// Watcher turns pending transactions into deduplicated candidates.
type Watcher struct {
	config   Config
	targets  map[common.Address]bool
	queue    *Queue
	dedup    *Dedup
	hashes   *hashSet
	resolver Resolver
	now      func() time.Time

	mu      sync.RWMutex
	sources []Source
	onDrop  []func(Candidate)

	paused atomic.Bool

	ingested      atomic.Uint64
	matched       atomic.Uint64
	emitted       atomic.Uint64
	duplicates    atomic.Uint64
	discarded     atomic.Uint64
	decodeErrors  atomic.Uint64
	resolved      atomic.Uint64
	resolveErrors atomic.Uint64
}

func NewWatcher(config Config, resolver Resolver) *Watcher {
	if config.QueueDepth <= 0 {
		config.QueueDepth = 256
	}
	if config.DedupWindow <= 0 {
		config.DedupWindow = 10 * time.Minute
	}
	if config.Resolvers <= 0 {
		config.Resolvers = 4
	}
	targets := make(map[common.Address]bool, len(config.Targets))
	for _, t := range config.Targets {
		targets[t] = true
	}
	return &Watcher{
		config:   config,
		targets:  targets,
		queue:    NewQueue(config.QueueDepth),
		dedup:    NewDedup(config.DedupWindow),
		hashes:   newHashSet(),
		resolver: resolver,
		now:      time.Now,
	}
}

// SetClock replaces the time source (tests).
func (w *Watcher) SetClock(now func() time.Time) { w.now = now }

// AddSource registers a notification source. Call before Run.
func (w *Watcher) AddSource(s Source) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sources = append(w.sources, s)
}

// OnDrop registers a callback for candidates evicted by back-pressure.
func (w *Watcher) OnDrop(fn func(Candidate)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onDrop = append(w.onDrop, fn)
}

// Candidates is the consumer side of the queue.
func (w *Watcher) Candidates() <-chan Candidate { return w.queue.C() }

func (w *Watcher) Pause() {
	if w.paused.CompareAndSwap(false, true) {
		log.Warn().Msg("mempool: watcher paused")
	}
}

func (w *Watcher) Resume() {
	if w.paused.CompareAndSwap(true, false) {
		log.Info().Msg("mempool: watcher resumed")
	}
}

func (w *Watcher) Paused() bool { return w.paused.Load() }

// Ingest inspects one pending transaction and queues a candidate if it
// introduces an unseen token. Returns true if a candidate was queued.
func (w *Watcher) Ingest(tx *types.Transaction) bool {
	if tx == nil {
		return false
	}
	if w.paused.Load() {
		w.discarded.Add(1)
		return false
	}
	w.ingested.Add(1)

	to := tx.To()
	if to == nil || !w.targets[*to] {
		return false
	}
	call, err := contracts.DecodeRouterCall(tx.Data())
	if err != nil {
		if !errors.Is(err, contracts.ErrNotWatched) {
			w.decodeErrors.Add(1)
			log.Debug().Err(err).Str("tx", tx.Hash().Hex()).Msg("mempool: undecodable router call")
		}
		return false
	}
	token, ok := call.CandidateToken(w.config.BaseTokens...)
	if !ok {
		return false
	}
	w.matched.Add(1)

	now := w.now()
	if !w.dedup.Check(token, now) {
		w.duplicates.Add(1)
		return false
	}

	c := Candidate{
		Token: evm.TokenInfo{
			Address:         token,
			ChainID:         w.config.ChainID,
			LiquiditySource: to.Hex() + ":" + call.Method,
			DiscoveredAt:    now,
		},
		TxHash:       tx.Hash(),
		Router:       *to,
		Method:       call.Method,
		Kind:         call.Kind,
		DiscoveredAt: now,
	}
	w.emitted.Add(1)
	if evicted, dropped := w.queue.Push(c); dropped {
		w.mu.RLock()
		handlers := w.onDrop
		w.mu.RUnlock()
		for _, fn := range handlers {
			fn(evicted)
		}
	}

	log.Info().
		Str("token", token.Hex()).
		Str("method", call.Method).
		Str("tx", tx.Hash().Hex()).
		Msg("mempool: candidate discovered")
	return true
}

// Run starts every source plus the hash resolvers and the dedup janitor, and
// blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.RLock()
	sources := append([]Source(nil), w.sources...)
	w.mu.RUnlock()

	notes := make(chan Notification, w.config.QueueDepth*4)
	var wg sync.WaitGroup

	for _, src := range sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			if err := src.Run(ctx, notes); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("source", src.Name()).Msg("mempool: source stopped")
			}
		}(src)
	}
	for i := 0; i < w.config.Resolvers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consume(ctx, notes)
		}()
	}

	log.Info().
		Int("sources", len(sources)).
		Int("queue_depth", w.config.QueueDepth).
		Dur("dedup_window", w.config.DedupWindow).
		Msg("mempool: watcher started")

	interval := w.config.DedupWindow / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			log.Info().Msg("mempool: watcher stopped")
			return nil
		case <-ticker.C:
			now := w.now()
			if n := w.dedup.Expire(now); n > 0 {
				log.Debug().Int("expired", n).Msg("mempool: dedup entries expired")
			}
			w.hashes.expire(now, hashWindow)
		}
	}
}

// consume resolves hash-only notifications and ingests the transactions.
func (w *Watcher) consume(ctx context.Context, notes <-chan Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-notes:
			w.handle(ctx, n)
		}
	}
}

// hashWindow bounds how long a resolved hash is remembered across sources.
const hashWindow = 2 * time.Minute

func (w *Watcher) handle(ctx context.Context, n Notification) {
	if w.paused.Load() {
		w.discarded.Add(1)
		return
	}
	hash := n.Hash
	if n.Tx != nil {
		hash = n.Tx.Hash()
	}
	if !w.hashes.add(hash, w.now()) {
		return
	}
	tx := n.Tx
	if tx == nil {
		if w.resolver == nil {
			return
		}
		var err error
		tx, err = w.resolver(ctx, hash)
		if err != nil {
			w.resolveErrors.Add(1)
			log.Debug().Err(err).Str("tx", hash.Hex()).Str("source", n.Source).Msg("mempool: resolve failed")
			return
		}
		w.resolved.Add(1)
	}
	w.Ingest(tx)
}

// Stats is a point-in-time view of the watcher.
type Stats struct {
	Ingested      uint64 `json:"ingested"`
	Matched       uint64 `json:"matched"`
	Emitted       uint64 `json:"emitted"`
	Duplicates    uint64 `json:"duplicates"`
	Dropped       uint64 `json:"dropped"`
	Discarded     uint64 `json:"discarded_while_paused"`
	DecodeErrors  uint64 `json:"decode_errors"`
	Resolved      uint64 `json:"resolved"`
	ResolveErrors uint64 `json:"resolve_errors"`
	QueueLen      int    `json:"queue_len"`
	QueueCap      int    `json:"queue_cap"`
	DedupSize     int    `json:"dedup_size"`
	Paused        bool   `json:"paused"`
	Sources       int    `json:"sources"`
}

func (w *Watcher) Stats() Stats {
	w.mu.RLock()
	sources := len(w.sources)
	w.mu.RUnlock()
	return Stats{
		Ingested:      w.ingested.Load(),
		Matched:       w.matched.Load(),
		Emitted:       w.emitted.Load(),
		Duplicates:    w.duplicates.Load(),
		Dropped:       w.queue.Dropped(),
		Discarded:     w.discarded.Load(),
		DecodeErrors:  w.decodeErrors.Load(),
		Resolved:      w.resolved.Load(),
		ResolveErrors: w.resolveErrors.Load(),
		QueueLen:      w.queue.Len(),
		QueueCap:      w.queue.Cap(),
		DedupSize:     w.dedup.Len(),
		Paused:        w.paused.Load(),
		Sources:       sources,
	}
}

// EstimatedBytes approximates the memory held by the queue and dedup sets.
func (w *Watcher) EstimatedBytes() int64 {
	const (
		candidateBytes = 320
		dedupBytes     = 72
		hashBytes      = 80
	)
	return int64(w.queue.Len())*candidateBytes +
		int64(w.dedup.Len())*dedupBytes +
		int64(w.hashes.len())*hashBytes
}

// hashSet suppresses the same pending hash reported by several sources.
type hashSet struct {
	mu   sync.Mutex
	seen map[common.Hash]time.Time
}

func newHashSet() *hashSet { return &hashSet{seen: make(map[common.Hash]time.Time)} }

func (h *hashSet) add(hash common.Hash, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.seen[hash]; ok {
		return false
	}
	h.seen[hash] = now
	return true
}

func (h *hashSet) expire(now time.Time, window time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, t := range h.seen {
		if now.Sub(t) >= window {
			delete(h.seen, k)
		}
	}
}

func (h *hashSet) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}
