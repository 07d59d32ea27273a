package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/snipebot/snipebot/internal/apperr"
)

// Store persists analysis results across restarts. Keys are lowercase hex
// addresses; values are JSON-encoded Results. Load returns (nil, nil) when
// the key is absent or expired.
type Store interface {
	Load(ctx context.Context, addr common.Address) (*Result, error)
	Save(ctx context.Context, r *Result) error
	Close() error
}

func storeKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// ---------------------------------------------------------------------------
// Redis
// ---------------------------------------------------------------------------

// RedisStore keeps results under prefix+address with the cache TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// DialRedis connects to addr and verifies the connection with PING.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 10,
	})
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		client.Close()
		return nil, apperr.New(apperr.Transport, "analyzer.redis", fmt.Errorf("ping %s: %w", addr, err))
	}
	log.Info().Str("addr", addr).Str("reply", pong).Msg("analyzer: connected to redis")
	return client, nil
}

func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "snipebot:analysis:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) Load(ctx context.Context, addr common.Address) (*Result, error) {
	val, err := s.client.Get(ctx, s.prefix+storeKey(addr)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, apperr.New(apperr.Transport, "analyzer.redis.get", err)
	}
	r := new(Result)
	if err := json.Unmarshal([]byte(val), r); err != nil {
		return nil, apperr.New(apperr.Protocol, "analyzer.redis.get", err)
	}
	return r, nil
}

func (s *RedisStore) Save(ctx context.Context, r *Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return apperr.New(apperr.Protocol, "analyzer.redis.set", err)
	}
	if err := s.client.Set(ctx, s.prefix+storeKey(r.Address), string(data), s.ttl).Err(); err != nil {
		return apperr.New(apperr.Transport, "analyzer.redis.set", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

// ---------------------------------------------------------------------------
// JSON file
// ---------------------------------------------------------------------------

type fileRecord struct {
	Result    *Result   `json:"result"`
	ExpiresAt time.Time `json:"expires_at"`
}

// FileStore keeps every result in one JSON object on disk, rewritten
// atomically on each save.
type FileStore struct {
	path string
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	records map[string]fileRecord
}

// OpenFileStore loads path if it exists. Expired records are dropped.
func OpenFileStore(path string, ttl time.Duration) (*FileStore, error) {
	s := &FileStore{path: path, ttl: ttl, now: time.Now, records: make(map[string]fileRecord)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("analyzer: read store: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, apperr.New(apperr.Protocol, "analyzer.store.open", err)
	}
	now := s.now()
	for k, rec := range s.records {
		if rec.Result == nil || (!rec.ExpiresAt.IsZero() && !now.Before(rec.ExpiresAt)) {
			delete(s.records, k)
		}
	}
	log.Info().Str("path", path).Int("records", len(s.records)).Msg("analyzer: store loaded")
	return s, nil
}

func (s *FileStore) Load(_ context.Context, addr common.Address) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[storeKey(addr)]
	if !ok {
		return nil, nil
	}
	if !rec.ExpiresAt.IsZero() && !s.now().Before(rec.ExpiresAt) {
		delete(s.records, storeKey(addr))
		return nil, nil
	}
	return rec.Result.clone(), nil
}

func (s *FileStore) Save(_ context.Context, r *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := fileRecord{Result: r.clone()}
	if s.ttl > 0 {
		rec.ExpiresAt = s.now().Add(s.ttl)
	}
	s.records[storeKey(r.Address)] = rec
	return s.flushLocked()
}

func (s *FileStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *FileStore) flushLocked() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("analyzer: encode store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("analyzer: create store dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("analyzer: write store: %w", err)
	}
	return os.Rename(tmp, s.path)
}
