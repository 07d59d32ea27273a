// Package retry implements the exponential-backoff policy used for every RPC
// and submission on the trade path.
//
// The policy itself is pure: Decide maps (attempt, error class) to either a
// delay or give-up. Do runs an operation under the policy using
// cenkalti/backoff.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/snipebot/snipebot/internal/apperr"
)

// ErrorClass is the retry-relevant classification of an error.
type ErrorClass string

const (
	Transient   ErrorClass = "transient"
	RateLimited ErrorClass = "rate_limited"
	Fatal       ErrorClass = "fatal"
)

// Config mirrors the retry section of the configuration.
type Config struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialDelay   time.Duration `yaml:"initial_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
	RateLimitFloor time.Duration `yaml:"rate_limit_floor"`
}

// DefaultConfig returns conservative defaults for public RPC providers.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		BackoffFactor:  2.0,
		RateLimitFloor: time.Second,
	}
}

// Decision is the outcome of consulting the policy.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Policy is an immutable retry policy.
type Policy struct {
	cfg Config
}

// NewPolicy creates a policy, filling zero fields from DefaultConfig.
func NewPolicy(cfg Config) *Policy {
	def := DefaultConfig()
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Policy{cfg: cfg}
}

// Config returns the effective configuration.
func (p *Policy) Config() Config { return p.cfg }

// Delay returns min(initial * factor^attempt, max).
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.cfg.InitialDelay) * math.Pow(p.cfg.BackoffFactor, float64(attempt))
	if math.IsInf(d, 0) || d >= float64(p.cfg.MaxDelay) {
		return p.cfg.MaxDelay
	}
	return time.Duration(d)
}

// Decide returns whether the attempt'th failure (0-based) should be retried
// and after how long.
func (p *Policy) Decide(attempt int, class ErrorClass) Decision {
	if class == Fatal || attempt >= p.cfg.MaxRetries {
		return Decision{}
	}
	d := p.Delay(attempt)
	if class == RateLimited && d < p.cfg.RateLimitFloor {
		d = p.cfg.RateLimitFloor
	}
	return Decision{Retry: true, Delay: d}
}

// Classify maps the error taxonomy onto retry classes.
func Classify(err error) ErrorClass {
	switch apperr.ClassOf(err) {
	case apperr.Transport:
		return Transient
	case apperr.RateLimited:
		return RateLimited
	default:
		return Fatal
	}
}

// Operation is retried by Do. attempt is 0-based.
type Operation func(ctx context.Context, attempt int) error

// Do runs op until it succeeds, the policy gives up, or ctx ends. It returns
// the number of attempts made and the last error.
func (p *Policy) Do(ctx context.Context, name string, op Operation) (int, error) {
	b := &policyBackOff{policy: p}
	attempts := 0

	err := backoff.RetryNotify(func() error {
		attempt := attempts
		attempts++
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		class := Classify(err)
		if class == Fatal {
			return backoff.Permanent(err)
		}
		b.last = class
		return err
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		log.Debug().
			Err(err).
			Str("op", name).
			Int("attempt", attempts).
			Dur("delay", d).
			Msg("retry: backing off")
	})

	return attempts, err
}

// policyBackOff adapts Policy to backoff.BackOff. last holds the class of the
// most recent failure, set by Do before NextBackOff is consulted.
type policyBackOff struct {
	policy  *Policy
	attempt int
	last    ErrorClass
}

func (b *policyBackOff) NextBackOff() time.Duration {
	d := b.policy.Decide(b.attempt, b.last)
	b.attempt++
	if !d.Retry {
		return backoff.Stop
	}
	return d.Delay
}

func (b *policyBackOff) Reset() {
	b.attempt = 0
	b.last = Transient
}
