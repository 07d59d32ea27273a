// Package honeypot learns bytecode signatures of confirmed honeypots and
// scores new tokens that reuse them. It plugs into the risk engine as the
// policy factor, so clones are caught even before a pair exists to simulate
// against.
package honeypot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/snipebot/snipebot/internal/bus"
	"github.com/snipebot/snipebot/internal/evm"
	"github.com/snipebot/snipebot/internal/risk"
)

// Signature is a learned honeypot fingerprint.
type Signature struct {
	ID          string         `json:"id"`
	Fingerprint string         `json:"fingerprint"` // hex, 16 bytes
	Description string         `json:"description"`
	Confidence  float64        `json:"confidence"`
	Hits        int            `json:"hits"`
	FirstSeen   time.Time      `json:"first_seen"`
	LastSeen    time.Time      `json:"last_seen"`
	Sample      common.Address `json:"sample"`
}

// Sample is one confirmed honeypot.
type Sample struct {
	Token  common.Address
	Code   []byte
	Reason string
}

// CodeReader fetches deployed bytecode. analyzer.Backend satisfies it.
type CodeReader interface {
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
}

type Config struct {
	MinConfidence      float64
	HighConfidenceHits int // hits at which confidence reaches MaxConfidence
	MaxConfidence      float64
	MaxSignatures      int
	MinCodeBytes       int
	QueueDepth         int
}

func DefaultConfig() Config {
	return Config{
		MinConfidence:      0.3,
		HighConfidenceHits: 5,
		MaxConfidence:      0.9,
		MaxSignatures:      2000,
		MinCodeBytes:       32,
		QueueDepth:         64,
	}
}

// Tracker holds learned signatures. Safe for concurrent use.
type Tracker struct {
	config Config
	code   CodeReader
	queue  chan common.Address
	now    func() time.Time

	mu   sync.RWMutex
	sigs map[[16]byte]*Signature

	samples   atomic.Int64
	learned   atomic.Int64
	matches   atomic.Int64
	queueDrop atomic.Int64
	fetchErrs atomic.Int64
}

func NewTracker(config Config, code CodeReader) *Tracker {
	def := DefaultConfig()
	if config.MinConfidence <= 0 {
		config.MinConfidence = def.MinConfidence
	}
	if config.MaxConfidence <= 0 || config.MaxConfidence > 1 {
		config.MaxConfidence = def.MaxConfidence
	}
	if config.HighConfidenceHits < 2 {
		config.HighConfidenceHits = def.HighConfidenceHits
	}
	if config.MaxSignatures <= 0 {
		config.MaxSignatures = def.MaxSignatures
	}
	if config.MinCodeBytes <= 0 {
		config.MinCodeBytes = def.MinCodeBytes
	}
	if config.QueueDepth <= 0 {
		config.QueueDepth = def.QueueDepth
	}
	return &Tracker{
		config: config,
		code:   code,
		queue:  make(chan common.Address, config.QueueDepth),
		now:    time.Now,
		sigs:   make(map[[16]byte]*Signature),
	}
}

// Record learns from a confirmed honeypot. A known fingerprint gains a hit
// and confidence; an unknown one becomes a new signature.
func (t *Tracker) Record(s Sample) (*Signature, bool) {
	t.samples.Add(1)
	fp, ok := t.fingerprint(s.Code)
	if !ok {
		return nil, false
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if sig, found := t.sigs[fp]; found {
		sig.Hits++
		sig.LastSeen = now
		sig.Confidence = t.confidence(sig.Hits)
		log.Info().
			Str("signature", sig.ID).
			Int("hits", sig.Hits).
			Float64("confidence", sig.Confidence).
			Msg("honeypot: known signature seen again")
		out := *sig
		return &out, true
	}
	if len(t.sigs) >= t.config.MaxSignatures {
		return nil, false
	}

	sig := &Signature{
		ID:          "HP-" + hex.EncodeToString(fp[:4]),
		Fingerprint: hex.EncodeToString(fp[:]),
		Description: fmt.Sprintf("learned from %s (%s)", s.Token.Hex(), s.Reason),
		Confidence:  t.config.MinConfidence,
		Hits:        1,
		FirstSeen:   now,
		LastSeen:    now,
		Sample:      s.Token,
	}
	t.sigs[fp] = sig
	t.learned.Add(1)
	log.Info().Str("signature", sig.ID).Str("token", s.Token.Hex()).Msg("honeypot: new signature learned")
	out := *sig
	return &out, true
}

// Match returns the signature code belongs to, if any.
func (t *Tracker) Match(code []byte) (*Signature, bool) {
	fp, ok := t.fingerprint(code)
	if !ok {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	sig, found := t.sigs[fp]
	if !found {
		return nil, false
	}
	out := *sig
	return &out, true
}

// Risk implements risk.PolicySignal. Tokens without a matching signature
// yield no opinion.
func (t *Tracker) Risk(ctx context.Context, token evm.TokenInfo) (float64, bool, error) {
	if t.code == nil {
		return 0, false, nil
	}
	code, err := t.code.CodeAt(ctx, token.Address)
	if err != nil {
		return 0, false, err
	}
	sig, ok := t.Match(code)
	if !ok {
		return 0, false, nil
	}
	t.matches.Add(1)
	log.Warn().
		Str("token", token.Address.Hex()).
		Str("signature", sig.ID).
		Float64("confidence", sig.Confidence).
		Msg("honeypot: token matches a learned signature")
	return sig.Confidence, true, nil
}

// Observe is a bus.Handler: tokens gated as honeypots are queued for
// learning. It never blocks the publisher.
func (t *Tracker) Observe(e bus.Event) {
	if e.Kind != bus.KindGated || !hasReason(e.Reasons, risk.ReasonHoneypot) {
		return
	}
	select {
	case t.queue <- e.Token:
	default:
		t.queueDrop.Add(1)
	}
}

// Run fetches bytecode for queued honeypots and learns from it until ctx
// is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case token := <-t.queue:
			if t.code == nil {
				continue
			}
			code, err := t.code.CodeAt(ctx, token)
			if err != nil {
				t.fetchErrs.Add(1)
				log.Debug().Err(err).Str("token", token.Hex()).Msg("honeypot: code fetch failed")
				continue
			}
			t.Record(Sample{Token: token, Code: code, Reason: risk.ReasonHoneypot})
		}
	}
}

// Signatures returns every learned signature, most confident first.
func (t *Tracker) Signatures() []Signature {
	t.mu.RLock()
	out := make([]Signature, 0, len(t.sigs))
	for _, sig := range t.sigs {
		out = append(out, *sig)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// fingerprint hashes runtime code with the trailing compiler metadata
// removed, so recompiles of the same source match.
func (t *Tracker) fingerprint(code []byte) ([16]byte, bool) {
	var fp [16]byte
	body := stripMetadata(code)
	if len(body) < t.config.MinCodeBytes {
		return fp, false
	}
	sum := sha256.Sum256(body)
	copy(fp[:], sum[:16])
	return fp, true
}

// confidence grows linearly from MinConfidence at one hit to MaxConfidence
// at HighConfidenceHits.
func (t *Tracker) confidence(hits int) float64 {
	if hits >= t.config.HighConfidenceHits {
		return t.config.MaxConfidence
	}
	step := (t.config.MaxConfidence - t.config.MinConfidence) / float64(t.config.HighConfidenceHits-1)
	return t.config.MinConfidence + float64(hits-1)*step
}

// stripMetadata drops the CBOR metadata solc appends to runtime code. The
// last two bytes hold its big-endian length.
func stripMetadata(code []byte) []byte {
	if len(code) < 2 {
		return code
	}
	n := int(code[len(code)-2])<<8 | int(code[len(code)-1])
	end := len(code) - 2 - n
	// metadata maps start with 0xa1..0xa5 (CBOR map of 1-5 entries)
	if n == 0 || end <= 0 || code[end] < 0xa1 || code[end] > 0xa5 {
		return code
	}
	return code[:end]
}

func hasReason(reasons []string, code string) bool {
	for _, r := range reasons {
		if r == code {
			return true
		}
	}
	return false
}

// EstimatedBytes approximates the signature table's footprint for memory
// accounting.
func (t *Tracker) EstimatedBytes() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return int64(len(t.sigs)) * 256
}

type Stats struct {
	Signatures   int   `json:"signatures"`
	Samples      int64 `json:"samples"`
	Learned      int64 `json:"learned"`
	Matches      int64 `json:"matches"`
	QueueDropped int64 `json:"queue_dropped"`
	FetchErrors  int64 `json:"fetch_errors"`
}

func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	n := len(t.sigs)
	t.mu.RUnlock()
	return Stats{
		Signatures:   n,
		Samples:      t.samples.Load(),
		Learned:      t.learned.Load(),
		Matches:      t.matches.Load(),
		QueueDropped: t.queueDrop.Load(),
		FetchErrors:  t.fetchErrs.Load(),
	}
}
