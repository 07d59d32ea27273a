package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for snipebot.
type Config struct {
	General    GeneralConfig    `yaml:"general"`
	Chain      ChainConfig      `yaml:"chain"`
	Connection ConnectionConfig `yaml:"connection"`
	Retry      RetryConfig      `yaml:"retry"`
	Snipe      SnipeConfig      `yaml:"snipe"`
	Mempool    MempoolConfig    `yaml:"mempool"`
	Health     HealthConfig     `yaml:"health"`
	Analyzer   AnalyzerConfig   `yaml:"analyzer"`
	Risk       RiskConfig       `yaml:"risk"`
	Cache      CacheConfig      `yaml:"cache"`
	Wallet     WalletConfig     `yaml:"wallet"`
	Modules    ModulesConfig    `yaml:"modules"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment" validate:"oneof=production staging development"`
	DryRun      bool   `yaml:"dry_run"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format" validate:"oneof=json text"`
}

// ChainConfig describes the chain being sniped and its RPC endpoints.
// RPCURL/WSURL are the primary endpoint; Endpoints adds fallbacks.
type ChainConfig struct {
	RPCURL        string           `yaml:"rpc_url" validate:"required,url"`
	WSURL         string           `yaml:"ws_url" validate:"omitempty,url"`
	ChainID       uint64           `yaml:"chain_id" validate:"required,gt=0"`
	MaxGasPrice   uint64           `yaml:"max_gas_price"` // wei
	Endpoints     []EndpointConfig `yaml:"endpoints" validate:"dive"`
	EndpointsFile string           `yaml:"endpoints_file"` // persisted endpoint list (JSON)
	Router        string           `yaml:"router" validate:"required,eth_addr"`
	Factory       string           `yaml:"factory" validate:"required,eth_addr"`
	WETH          string           `yaml:"weth" validate:"required,eth_addr"`
}

type EndpointConfig struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url" validate:"required,url"`
	WSURL    string `yaml:"ws_url" validate:"omitempty,url"`
	Priority int    `yaml:"priority"`
	Enabled  *bool  `yaml:"enabled"`
}

// IsEnabled defaults to true when unset.
func (e EndpointConfig) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

type ConnectionConfig struct {
	MaxConnections int           `yaml:"max_connections" validate:"gte=1"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	IdleTTL        time.Duration `yaml:"idle_ttl" validate:"gt=0"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps" validate:"gte=0"`
}

type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries" validate:"gte=0"`
	InitialDelay   time.Duration `yaml:"initial_delay" validate:"gt=0"`
	MaxDelay       time.Duration `yaml:"max_delay" validate:"gtefield=InitialDelay"`
	BackoffFactor  float64       `yaml:"backoff_factor" validate:"gte=1"`
	RateLimitFloor time.Duration `yaml:"rate_limit_floor"`
}

// SnipeConfig is read-only per trade.
type SnipeConfig struct {
	MaxAmountIn      string        `yaml:"max_amount_in"` // quote token, human units (e.g. "0.1")
	SlippageBps      int           `yaml:"slippage_bps" validate:"gte=0,lte=5000"`
	MaxSlippageBps   int           `yaml:"max_slippage_bps" validate:"gtefield=SlippageBps,lte=5000"`
	GasPriceCeiling  uint64        `yaml:"gas_price_ceiling"` // wei
	DeadlineSecs     int           `yaml:"deadline_secs" validate:"gt=0"`
	MaxRiskScore     float64       `yaml:"max_risk_score" validate:"gte=0,lte=1"`
	MinLiquidity     string        `yaml:"min_liquidity"` // quote token, human units
	InclusionTimeout time.Duration `yaml:"inclusion_timeout"`
	ReceiptGrace     time.Duration `yaml:"receipt_grace"`
	GasBumpPct       int           `yaml:"gas_bump_pct" validate:"gte=0,lte=100"`
	ReceiptPoll      time.Duration `yaml:"receipt_poll"`
}

type MempoolConfig struct {
	QueueDepth  int           `yaml:"queue_depth" validate:"gte=1"`
	DedupWindow time.Duration `yaml:"dedup_window" validate:"gt=0"`
}

type HealthConfig struct {
	Interval          time.Duration `yaml:"interval" validate:"gt=0"`
	FailureThreshold  int           `yaml:"failure_threshold" validate:"gte=1"`
	Cooldown          time.Duration `yaml:"cooldown" validate:"gt=0"`
	RecoverySuccesses int           `yaml:"recovery_successes" validate:"gte=1"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	LatencyAlpha      float64       `yaml:"latency_alpha" validate:"gt=0,lte=1"`
}

type AnalyzerConfig struct {
	HoneypotThreshold float64       `yaml:"honeypot_threshold" validate:"gt=0,lte=1"`
	SimBuyAmount      string        `yaml:"sim_buy_amount"` // quote token, human units
	HighFeePct        float64       `yaml:"high_fee_pct" validate:"gte=0,lte=100"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	CacheSize         int           `yaml:"cache_size" validate:"gte=1"`
	Workers           int           `yaml:"workers" validate:"gte=1"`
}

type RiskConfig struct {
	CongestionThreshold float64 `yaml:"congestion_threshold" validate:"gte=0,lte=100"`
	HoneypotFloor       float64 `yaml:"honeypot_floor" validate:"gte=0,lte=1"`
	TokenWeight         float64 `yaml:"token_weight" validate:"gte=0"`
	CongestionWeight    float64 `yaml:"congestion_weight" validate:"gte=0"`
	PolicyWeight        float64 `yaml:"policy_weight" validate:"gte=0"`
	SentimentWeight     float64 `yaml:"sentiment_weight" validate:"gte=0"`
}

type CacheConfig struct {
	Backend       string `yaml:"backend" validate:"oneof=file redis memory"`
	Path          string `yaml:"path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

type WalletConfig struct {
	PrivateKey string `yaml:"private_key"` // hex, usually "${SNIPEBOT_PRIVATE_KEY}"
}

type ModulesConfig struct {
	MemoryLimitMB int           `yaml:"memory_limit_mb" validate:"gte=0"`
	EvictFraction float64       `yaml:"evict_fraction" validate:"gte=0,lte=1"`
	Lanes         int           `yaml:"lanes" validate:"gte=1"`
	PressureCheck time.Duration `yaml:"pressure_check"`
	PairPoll      time.Duration `yaml:"pair_poll"` // re-analysis interval while a pair is pending
	PairWait      time.Duration `yaml:"pair_wait"` // give up waiting for the pair after this
}

type BridgeConfig struct {
	Enabled    bool          `yaml:"enabled"`
	RelayURL   string        `yaml:"relay_url" validate:"required_if=Enabled true,omitempty,url"`
	APIKey     string        `yaml:"api_key"`
	MaxRetries int           `yaml:"max_retries" validate:"gte=0"`
	Timeout    time.Duration `yaml:"timeout"`
}

type MetricsConfig struct {
	Port      int    `yaml:"port"`
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if c.Snipe.GasPriceCeiling > 0 && c.Chain.MaxGasPrice > 0 && c.Snipe.GasPriceCeiling > c.Chain.MaxGasPrice {
		return fmt.Errorf("validate config: snipe.gas_price_ceiling %d exceeds chain.max_gas_price %d",
			c.Snipe.GasPriceCeiling, c.Chain.MaxGasPrice)
	}
	return nil
}

// SnipeBudget is the wall-clock budget of a single snipe.
func (s SnipeConfig) SnipeBudget() time.Duration {
	return time.Duration(s.DeadlineSecs) * 2 * time.Second
}

// Default returns the configuration used for every key a file leaves out.
// Load decodes on top of it, so an explicit zero in the file is kept.
func Default() *Config {
	return &Config{
		General: GeneralConfig{
			InstanceID:  "snipebot-1",
			Environment: "development",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Connection: ConnectionConfig{
			MaxConnections: 8,
			ConnectTimeout: 3 * time.Second,
			IdleTTL:        2 * time.Minute,
			RequestTimeout: 5 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:     3,
			InitialDelay:   200 * time.Millisecond,
			MaxDelay:       5 * time.Second,
			BackoffFactor:  2.0,
			RateLimitFloor: time.Second,
		},
		Snipe: SnipeConfig{
			MaxAmountIn:      "0.05",
			SlippageBps:      300,
			MaxSlippageBps:   1500,
			DeadlineSecs:     60,
			MaxRiskScore:     0.5,
			MinLiquidity:     "1",
			InclusionTimeout: 30 * time.Second,
			ReceiptGrace:     2 * time.Minute,
			GasBumpPct:       15,
			ReceiptPoll:      time.Second,
		},
		Mempool: MempoolConfig{
			QueueDepth:  256,
			DedupWindow: 10 * time.Minute,
		},
		Health: HealthConfig{
			Interval:          15 * time.Second,
			FailureThreshold:  3,
			Cooldown:          time.Minute,
			RecoverySuccesses: 3,
			ProbeTimeout:      3 * time.Second,
			LatencyAlpha:      0.3,
		},
		Analyzer: AnalyzerConfig{
			HoneypotThreshold: 0.5,
			SimBuyAmount:      "0.01",
			HighFeePct:        10,
			CacheTTL:          30 * time.Minute,
			CacheSize:         10_000,
			Workers:           4,
		},
		Risk: RiskConfig{
			CongestionThreshold: 80,
			HoneypotFloor:       0.9,
			TokenWeight:         0.6,
			CongestionWeight:    0.15,
			PolicyWeight:        0.15,
			SentimentWeight:     0.1,
		},
		Cache: CacheConfig{
			Backend:     "file",
			Path:        "data/analyzer_cache.json",
			RedisPrefix: "snipebot:analysis:",
		},
		Modules: ModulesConfig{
			EvictFraction: 0.25,
			Lanes:         8,
			PressureCheck: 10 * time.Second,
			PairPoll:      2 * time.Second,
			PairWait:      2 * time.Minute,
		},
		Bridge: BridgeConfig{
			MaxRetries: 3,
			Timeout:    15 * time.Second,
		},
		Metrics: MetricsConfig{
			Port:      9090,
			Namespace: "snipebot",
		},
	}
}
