package mempool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/snipebot/snipebot/internal/connection"
	"github.com/snipebot/snipebot/internal/evm"
)

// ---------------------------------------------------------------------------
// WebSocket pending-transaction source (eth_subscribe newPendingTransactions)
// ---------------------------------------------------------------------------

// WSConfig configures a WebSocket source.
type WSConfig struct {
	Name             string
	URL              string
	ReconnectDelay   time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	FullTransactions bool        // ask the node for full tx objects (geth >= 1.11)
	IsActive         func() bool // subscribe only while the endpoint is Active
}

// WSSource streams pending transactions from one node.
type WSSource struct {
	config WSConfig

	mu     sync.Mutex // guards conn and serializes writes
	conn   *websocket.Conn
	subID  string
	nextID atomic.Int64

	connected  atomic.Bool
	messages   atomic.Uint64
	reconnects atomic.Uint64
	overflow   atomic.Uint64
}

func NewWSSource(config WSConfig) *WSSource {
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 60 * time.Second
	}
	if config.Name == "" {
		config.Name = config.URL
	}
	return &WSSource{config: config}
}

func (s *WSSource) Name() string    { return s.config.Name }
func (s *WSSource) Connected() bool { return s.connected.Load() }

// Run connects, subscribes and reads until ctx is cancelled, reconnecting
// with a doubling delay capped at 30s.
func (s *WSSource) Run(ctx context.Context, out chan<- Notification) error {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("source", s.config.Name).Msg("ws: run loop panic recovered")
		}
		s.disconnect()
	}()

	const maxDelay = 30 * time.Second
	delay := s.config.ReconnectDelay

	for {
		if ctx.Err() != nil {
			return nil
		}

		if s.config.IsActive != nil && !s.config.IsActive() {
			if !sleepCtx(ctx, s.config.ReconnectDelay) {
				return nil
			}
			continue
		}

		if err := s.connect(ctx); err != nil {
			s.reconnects.Add(1)
			log.Warn().Err(err).Str("source", s.config.Name).Dur("retry_in", delay).Msg("ws: connection failed")
			if !sleepCtx(ctx, delay) {
				return nil
			}
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
			continue
		}
		delay = s.config.ReconnectDelay

		if err := s.subscribe(); err != nil {
			log.Warn().Err(err).Str("source", s.config.Name).Msg("ws: subscribe failed")
			s.disconnect()
			if !sleepCtx(ctx, delay) {
				return nil
			}
			continue
		}

		s.readLoop(ctx, out)
		s.disconnect()
	}
}

func (s *WSSource) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.config.URL, nil)
	if err != nil {
		return fmt.Errorf("ws: dial: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.subID = ""
	s.mu.Unlock()
	s.connected.Store(true)
	log.Info().Str("source", s.config.Name).Msg("ws: connected")
	return nil
}

func (s *WSSource) disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connected.Store(false)
}

func (s *WSSource) subscribe() error {
	params := []any{"newPendingTransactions"}
	if s.config.FullTransactions {
		params = append(params, true)
	}
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      s.nextID.Add(1),
		"method":  "eth_subscribe",
		"params":  params,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("ws: not connected")
	}
	if err := s.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("ws: write subscribe: %w", err)
	}
	return nil
}

func (s *WSSource) readLoop(ctx context.Context, out chan<- Notification) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	// Unblock ReadMessage on shutdown or when the endpoint leaves Active.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.config.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				if s.config.IsActive != nil && !s.config.IsActive() {
					log.Info().Str("source", s.config.Name).Msg("ws: endpoint no longer active, unsubscribing")
					conn.Close()
					return
				}
				s.mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				s.mu.Unlock()
				if err != nil {
					log.Debug().Err(err).Str("source", s.config.Name).Msg("ws: ping failed")
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Info().Str("source", s.config.Name).Msg("ws: connection closed normally")
			} else {
				log.Warn().Err(err).Str("source", s.config.Name).Msg("ws: read error, reconnecting")
			}
			return
		}
		s.messages.Add(1)
		s.handleMessage(message, out)
	}
}

func (s *WSSource) handleMessage(data []byte, out chan<- Notification) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("ws: handleMessage panic recovered")
		}
	}()

	var msg struct {
		ID     *int64          `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Method string `json:"method"`
		Params struct {
			Subscription string          `json:"subscription"`
			Result       json.RawMessage `json:"result"`
		} `json:"params"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Debug().Err(err).Msg("ws: malformed message")
		return
	}

	// Subscription confirmation.
	if msg.ID != nil {
		if msg.Error != nil {
			log.Warn().Int("code", msg.Error.Code).Str("error", msg.Error.Message).
				Str("source", s.config.Name).Msg("ws: subscription rejected")
			return
		}
		var id string
		if err := json.Unmarshal(msg.Result, &id); err == nil {
			s.mu.Lock()
			s.subID = id
			s.mu.Unlock()
			log.Info().Str("source", s.config.Name).Str("subscription", id).Msg("ws: subscribed to pending transactions")
		}
		return
	}
	if msg.Method != "eth_subscription" || len(msg.Params.Result) == 0 {
		return
	}

	n := Notification{Source: s.config.Name}
	result := bytes.TrimSpace(msg.Params.Result)
	if len(result) > 0 && result[0] == '"' {
		var hash common.Hash
		if err := json.Unmarshal(result, &hash); err != nil {
			log.Debug().Err(err).Msg("ws: bad tx hash")
			return
		}
		n.Hash = hash
	} else {
		tx := new(types.Transaction)
		if err := tx.UnmarshalJSON(result); err != nil {
			log.Debug().Err(err).Msg("ws: bad tx object")
			return
		}
		n.Tx = tx
		n.Hash = tx.Hash()
	}

	select {
	case out <- n:
	default:
		s.overflow.Add(1)
		log.Warn().Str("source", s.config.Name).Msg("ws: notification channel full, dropping tx")
	}
}

// SourceStats is a point-in-time view of a WebSocket source.
type SourceStats struct {
	Name         string `json:"name"`
	Connected    bool   `json:"connected"`
	Subscription string `json:"subscription"`
	Messages     uint64 `json:"messages"`
	Reconnects   uint64 `json:"reconnects"`
	Overflow     uint64 `json:"overflow"`
}

func (s *WSSource) Stats() SourceStats {
	s.mu.Lock()
	sub := s.subID
	s.mu.Unlock()
	return SourceStats{
		Name:         s.config.Name,
		Connected:    s.connected.Load(),
		Subscription: sub,
		Messages:     s.messages.Load(),
		Reconnects:   s.reconnects.Load(),
		Overflow:     s.overflow.Load(),
	}
}

// NewResolver resolves hashes through the connection manager, so lookups
// share pooling, rate limits and failover with the rest of the pipeline.
func NewResolver(conns connection.Doer, chainID uint64) Resolver {
	return func(ctx context.Context, hash common.Hash) (*types.Transaction, error) {
		var tx *types.Transaction
		_, err := conns.Do(ctx, chainID, func(ctx context.Context, c evm.Client) error {
			t, _, err := c.TransactionByHash(ctx, hash)
			if err != nil {
				return err
			}
			tx = t
			return nil
		})
		return tx, err
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
