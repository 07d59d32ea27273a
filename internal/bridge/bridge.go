// Package bridge moves tokens across chains through a relay's HTTP API.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/snipebot/snipebot/internal/apperr"
	"github.com/snipebot/snipebot/internal/config"
)

// Request is one cross-chain transfer.
type Request struct {
	FromChain uint64         `json:"from_chain" validate:"required"`
	ToChain   uint64         `json:"to_chain" validate:"required,nefield=FromChain"`
	Token     common.Address `json:"token" validate:"required"`
	Amount    *big.Int       `json:"amount" validate:"required"`
	Recipient common.Address `json:"recipient" validate:"required"`
}

// Receipt is the relay's answer to a transfer.
type Receipt struct {
	TxHash  common.Hash `json:"tx_hash"`
	QuoteID string      `json:"quote_id,omitempty"`
	Fee     *big.Int    `json:"fee,omitempty"` // source-chain token units, as quoted by the relay
	Status  string      `json:"status,omitempty"`
}

type relayError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type Config struct {
	RelayURL     string
	APIKey       string
	MaxRetries   int
	Timeout      time.Duration
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	RateLimitRPS float64
}

func ConfigFrom(cfg config.BridgeConfig) Config {
	return Config{
		RelayURL:   cfg.RelayURL,
		APIKey:     cfg.APIKey,
		MaxRetries: cfg.MaxRetries,
		Timeout:    cfg.Timeout,
	}
}

// Client talks to the relay. Safe for concurrent use.
type Client struct {
	config   Config
	http     *retryablehttp.Client
	limiter  *rate.Limiter
	validate *validator.Validate

	invoked  atomic.Uint64
	failures atomic.Uint64
	rejected atomic.Uint64
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.RelayURL == "" {
		return nil, apperr.Newf(apperr.Validation, "bridge.new", "relay_url is required")
	}
	cfg.RelayURL = strings.TrimRight(cfg.RelayURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = 500 * time.Millisecond
	}
	if cfg.RetryWaitMax <= 0 {
		cfg.RetryWaitMax = 5 * time.Second
	}

	hc := retryablehttp.NewClient()
	hc.RetryMax = cfg.MaxRetries
	hc.RetryWaitMin = cfg.RetryWaitMin
	hc.RetryWaitMax = cfg.RetryWaitMax
	hc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	hc.Logger = nil
	// Return the last response instead of a generic "giving up" error so the
	// status can be classified.
	hc.ErrorHandler = func(resp *http.Response, err error, attempts int) (*http.Response, error) {
		if resp != nil {
			return resp, nil
		}
		return nil, fmt.Errorf("after %d attempts: %w", attempts, err)
	}

	limit := rate.Inf
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
	}
	return &Client{
		config:   cfg,
		http:     hc,
		limiter:  rate.NewLimiter(limit, 1),
		validate: validator.New(),
	}, nil
}

// Validate checks r without sending it.
func (c *Client) Validate(r Request) error {
	if err := c.validate.Struct(r); err != nil {
		return apperr.New(apperr.Validation, "bridge.validate", err)
	}
	if r.Amount.Sign() <= 0 {
		return apperr.Newf(apperr.Validation, "bridge.validate", "amount must be positive, got %s", r.Amount)
	}
	return nil
}

// Invoke validates r, posts it to the relay and returns the source-chain
// transaction hash.
func (c *Client) Invoke(ctx context.Context, r Request) (common.Hash, error) {
	rec, err := c.Transfer(ctx, r)
	if err != nil {
		return common.Hash{}, err
	}
	return rec.TxHash, nil
}

// Transfer is Invoke returning the full relay receipt.
func (c *Client) Transfer(ctx context.Context, r Request) (*Receipt, error) {
	if err := c.Validate(r); err != nil {
		c.rejected.Add(1)
		return nil, err
	}
	c.invoked.Add(1)

	body, err := json.Marshal(transferBody{
		FromChain: r.FromChain,
		ToChain:   r.ToChain,
		Token:     r.Token.Hex(),
		Amount:    r.Amount.String(),
		Recipient: r.Recipient.Hex(),
	})
	if err != nil {
		return nil, apperr.New(apperr.Fatal, "bridge.transfer", err)
	}

	var resp receiptBody
	if err := c.do(ctx, http.MethodPost, "/v1/transfers", body, &resp); err != nil {
		c.failures.Add(1)
		return nil, err
	}
	rec, err := resp.receipt()
	if err != nil {
		c.failures.Add(1)
		return nil, err
	}

	log.Info().
		Uint64("from_chain", r.FromChain).
		Uint64("to_chain", r.ToChain).
		Str("token", r.Token.Hex()).
		Str("amount", r.Amount.String()).
		Str("tx", rec.TxHash.Hex()).
		Str("fee", amountString(rec.Fee)).
		Str("quote_id", rec.QuoteID).
		Msg("bridge: transfer submitted")
	return rec, nil
}

// Fee asks the relay for its current fee between two chains.
func (c *Client) Fee(ctx context.Context, fromChain, toChain uint64) (*big.Int, error) {
	if fromChain == 0 || toChain == 0 || fromChain == toChain {
		return nil, apperr.Newf(apperr.Validation, "bridge.fee", "invalid chain pair %d -> %d", fromChain, toChain)
	}
	path := "/v1/quote?from_chain=" + strconv.FormatUint(fromChain, 10) + "&to_chain=" + strconv.FormatUint(toChain, 10)
	var resp struct {
		Fee string `json:"fee"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	fee, ok := new(big.Int).SetString(resp.Fee, 10)
	if !ok || fee.Sign() < 0 {
		return nil, apperr.Newf(apperr.Protocol, "bridge.fee", "invalid fee %q", resp.Fee)
	}
	return fee, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	op := "bridge." + strings.ToLower(method)
	if err := c.limiter.Wait(ctx); err != nil {
		return apperr.New(apperr.ClassOf(err), op, err)
	}

	var raw any
	if body != nil {
		raw = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequest(method, c.config.RelayURL+path, raw)
	if err != nil {
		return apperr.New(apperr.Validation, op, err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperr.New(apperr.Canceled, op, ctx.Err())
		}
		return apperr.New(apperr.Transport, op, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return apperr.New(apperr.Transport, op, err)
	}
	if res.StatusCode/100 != 2 {
		return statusError(op, res.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperr.New(apperr.Protocol, op, fmt.Errorf("decode relay response: %w", err))
	}
	return nil
}

func statusError(op string, status int, body []byte) error {
	msg := http.StatusText(status)
	var re relayError
	if json.Unmarshal(body, &re) == nil {
		switch {
		case re.Error != "":
			msg = re.Error
		case re.Message != "":
			msg = re.Message
		}
	}
	class := apperr.Transport
	switch {
	case status == http.StatusTooManyRequests:
		class = apperr.RateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		class = apperr.Auth
	case status >= 400 && status < 500:
		class = apperr.Validation
	}
	return apperr.Newf(class, op, "relay returned %d: %s", status, msg)
}

type transferBody struct {
	FromChain uint64 `json:"from_chain"`
	ToChain   uint64 `json:"to_chain"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
}

type receiptBody struct {
	TxHash  string `json:"tx_hash"`
	QuoteID string `json:"quote_id"`
	Fee     string `json:"fee"`
	Status  string `json:"status"`
}

func (b receiptBody) receipt() (*Receipt, error) {
	if len(b.TxHash) != 66 || !strings.HasPrefix(b.TxHash, "0x") {
		return nil, apperr.Newf(apperr.Protocol, "bridge.transfer", "relay returned invalid tx hash %q", b.TxHash)
	}
	rec := &Receipt{
		TxHash:  common.HexToHash(b.TxHash),
		QuoteID: b.QuoteID,
		Status:  b.Status,
	}
	if b.Fee != "" {
		fee, ok := new(big.Int).SetString(b.Fee, 10)
		if !ok {
			return nil, apperr.Newf(apperr.Protocol, "bridge.transfer", "relay returned invalid fee %q", b.Fee)
		}
		rec.Fee = fee
	}
	return rec, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

// Stats is a snapshot of client counters.
type Stats struct {
	Invoked  uint64 `json:"invoked"`
	Failures uint64 `json:"failures"`
	Rejected uint64 `json:"rejected"`
}

func (c *Client) Stats() Stats {
	return Stats{
		Invoked:  c.invoked.Load(),
		Failures: c.failures.Load(),
		Rejected: c.rejected.Load(),
	}
}
