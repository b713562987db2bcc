package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/copytrader/broker"
	"github.com/rustyeddy/copytrader/broker/oanda"
	"github.com/rustyeddy/copytrader/health"
	"github.com/rustyeddy/copytrader/internal/logging"
	"github.com/rustyeddy/copytrader/orchestrator"
	"github.com/rustyeddy/copytrader/replication"
	"github.com/rustyeddy/copytrader/retry"
	"github.com/rustyeddy/copytrader/strategy"
)

// Config is the complete process configuration. Durations and decimals are
// strings so YAML and JSON files read the same way.
type Config struct {
	Brokers      []BrokerConfig     `json:"brokers" yaml:"brokers"`
	Accounts     []AccountConfig    `json:"accounts" yaml:"accounts"`
	Health       HealthConfig       `json:"health" yaml:"health"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
	Replication  ReplicationConfig  `json:"replication" yaml:"replication"`
	Retry        RetryConfig        `json:"retry" yaml:"retry"`
	Strategy     StrategyConfig     `json:"strategy" yaml:"strategy"`
	Journal      JournalConfig      `json:"journal" yaml:"journal"`
	Log          logging.Config     `json:"log" yaml:"log"`
	Ops          OpsConfig          `json:"ops" yaml:"ops"`
}

// BrokerConfig describes one brokerage venue.
type BrokerConfig struct {
	ID   string `json:"id" yaml:"id"`
	Type string `json:"type" yaml:"type"` // "paper" or "oanda"

	// oanda
	Env      string `json:"env,omitempty" yaml:"env,omitempty"`             // practice|live
	TokenEnv string `json:"token_env,omitempty" yaml:"token_env,omitempty"` // env var holding the API token
	BaseURL  string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	// paper
	Prices map[string]string `json:"prices,omitempty" yaml:"prices,omitempty"`

	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"` // requests per second, 0 = unlimited
	Burst     int     `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// AccountConfig is one (kind, account, broker) combination.
type AccountConfig struct {
	ID               string `json:"id" yaml:"id"`
	Broker           string `json:"broker" yaml:"broker"`
	Kind             string `json:"kind" yaml:"kind"` // "platform" or "user"
	Disabled         bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	CopyFromPlatform bool   `json:"copy_from_platform,omitempty" yaml:"copy_from_platform,omitempty"`
	Strategy         string `json:"strategy,omitempty" yaml:"strategy,omitempty"` // overrides strategy.name
	Balance          string `json:"balance,omitempty" yaml:"balance,omitempty"`   // paper starting balance
}

type HealthConfig struct {
	DegradeAfter      int    `json:"degrade_after" yaml:"degrade_after"`
	FailureThreshold  int    `json:"failure_threshold" yaml:"failure_threshold"`
	Timeout           string `json:"timeout" yaml:"timeout"`
	SuccessThreshold  int    `json:"success_threshold" yaml:"success_threshold"`
	RecoveryThreshold int    `json:"recovery_threshold" yaml:"recovery_threshold"`
}

type OrchestratorConfig struct {
	CycleInterval      string `json:"cycle_interval" yaml:"cycle_interval"`
	StaggerStep        string `json:"stagger_step" yaml:"stagger_step"`
	CycleTimeout       string `json:"cycle_timeout" yaml:"cycle_timeout"`
	ShutdownTimeout    string `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	MinFunding         string `json:"min_funding" yaml:"min_funding"`
	ConnectParallelism int    `json:"connect_parallelism" yaml:"connect_parallelism"`
}

type ReplicationConfig struct {
	MaxRiskFraction string `json:"max_risk_fraction" yaml:"max_risk_fraction"`
	DustThreshold   string `json:"dust_threshold" yaml:"dust_threshold"`
	OrderTimeout    string `json:"order_timeout" yaml:"order_timeout"`
}

type RetryConfig struct {
	MaxAttempts    int    `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay      string `json:"base_delay" yaml:"base_delay"`
	MaxDelay       string `json:"max_delay" yaml:"max_delay"`
	RateLimitDelay string `json:"rate_limit_delay" yaml:"rate_limit_delay"`
	NonceJump      string `json:"nonce_jump" yaml:"nonce_jump"`
}

// StrategyConfig selects the built-in strategy platform units run.
type StrategyConfig struct {
	Name   string `json:"name" yaml:"name"`
	Symbol string `json:"symbol,omitempty" yaml:"symbol,omitempty"`
	Size   string `json:"size,omitempty" yaml:"size,omitempty"`
	Every  int    `json:"every,omitempty" yaml:"every,omitempty"`
}

type JournalConfig struct {
	DBPath string `json:"db_path" yaml:"db_path"`
}

type OpsConfig struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"` // empty disables the HTTP server
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}

	// Try YAML first, fall back to JSON
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveToFile writes YAML for .yaml/.yml paths and indented JSON otherwise.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks cross references and parses every duration and decimal.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("at least one broker is required")
	}
	brokers := make(map[string]BrokerConfig, len(c.Brokers))
	for i, b := range c.Brokers {
		if b.ID == "" {
			return fmt.Errorf("brokers[%d].id is required", i)
		}
		if _, dup := brokers[b.ID]; dup {
			return fmt.Errorf("duplicate broker id %q", b.ID)
		}
		switch b.Type {
		case "paper":
			for sym, p := range b.Prices {
				if _, err := positive(p); err != nil {
					return fmt.Errorf("brokers[%d].prices.%s: %w", i, sym, err)
				}
			}
		case "oanda":
			if b.TokenEnv == "" {
				return fmt.Errorf("brokers[%d].token_env is required for oanda", i)
			}
			if b.BaseURL == "" {
				if _, err := oanda.BaseURL(b.Env); err != nil {
					return fmt.Errorf("brokers[%d]: %w", i, err)
				}
			}
		default:
			return fmt.Errorf("brokers[%d].type must be 'paper' or 'oanda'", i)
		}
		if b.RateLimit < 0 {
			return fmt.Errorf("brokers[%d].rate_limit must not be negative", i)
		}
		brokers[b.ID] = b
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}
	seen := make(map[broker.AccountRef]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("accounts[%d].id is required", i)
		}
		b, ok := brokers[a.Broker]
		if !ok {
			return fmt.Errorf("accounts[%d]: unknown broker %q", i, a.Broker)
		}
		ref, err := a.Ref()
		if err != nil {
			return fmt.Errorf("accounts[%d]: %w", i, err)
		}
		if seen[ref] {
			return fmt.Errorf("duplicate account %s", ref)
		}
		seen[ref] = true
		if b.Type == "paper" && a.Balance != "" {
			if _, err := decimal.NewFromString(a.Balance); err != nil {
				return fmt.Errorf("accounts[%d].balance: %w", i, err)
			}
		}
		if a.Strategy != "" {
			if _, err := c.Strategy.build(a.Strategy); err != nil {
				return fmt.Errorf("accounts[%d].strategy: %w", i, err)
			}
		}
	}

	if _, err := c.Health.Monitor(); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	if _, err := c.Orchestrator.Orchestrator(); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	if _, err := c.Replication.Engine(); err != nil {
		return fmt.Errorf("replication: %w", err)
	}
	if _, err := c.Retry.Policy(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if c.Strategy.Name != "" {
		if _, err := c.Strategy.build(c.Strategy.Name); err != nil {
			return fmt.Errorf("strategy: %w", err)
		}
	}
	if c.Journal.DBPath == "" {
		return fmt.Errorf("journal.db_path is required")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// Broker returns the broker section with the given id.
func (c *Config) Broker(id string) (BrokerConfig, bool) {
	for _, b := range c.Brokers {
		if b.ID == id {
			return b, true
		}
	}
	return BrokerConfig{}, false
}

// Refs lists every enabled account in file order.
func (c *Config) Refs() []broker.AccountRef {
	var out []broker.AccountRef
	for _, a := range c.Accounts {
		if a.Disabled {
			continue
		}
		if ref, err := a.Ref(); err == nil {
			out = append(out, ref)
		}
	}
	return out
}

// Subscriptions lists the replication subscriptions of user accounts.
func (c *Config) Subscriptions() []replication.Subscription {
	var out []replication.Subscription
	for _, a := range c.Accounts {
		ref, err := a.Ref()
		if err != nil || ref.IsPlatform() {
			continue
		}
		out = append(out, replication.Subscription{Ref: ref, Enabled: !a.Disabled, CopyFromPlatform: a.CopyFromPlatform})
	}
	return out
}

// StrategyFor resolves the strategy of ref: the account override, else the
// global strategy for platform accounts. Users without an override get none.
func (c *Config) StrategyFor(ref broker.AccountRef) (strategy.Strategy, error) {
	for _, a := range c.Accounts {
		r, err := a.Ref()
		if err != nil || r != ref {
			continue
		}
		if a.Strategy != "" {
			return c.Strategy.build(a.Strategy)
		}
		break
	}
	if ref.IsPlatform() && c.Strategy.Name != "" {
		return c.Strategy.build(c.Strategy.Name)
	}
	return nil, nil
}

func (a AccountConfig) Ref() (broker.AccountRef, error) {
	switch strings.ToLower(a.Kind) {
	case "platform":
		return broker.Platform(a.ID, a.Broker), nil
	case "user", "":
		return broker.User(a.ID, a.Broker), nil
	}
	return broker.AccountRef{}, fmt.Errorf("kind must be 'platform' or 'user', got %q", a.Kind)
}

func (h HealthConfig) Monitor() (health.Config, error) {
	cfg := health.DefaultConfig()
	if h.DegradeAfter > 0 {
		cfg.DegradeAfter = h.DegradeAfter
	}
	if h.FailureThreshold > 0 {
		cfg.FailureThreshold = h.FailureThreshold
	}
	if h.SuccessThreshold > 0 {
		cfg.SuccessThreshold = h.SuccessThreshold
	}
	if h.RecoveryThreshold > 0 {
		cfg.RecoveryThreshold = h.RecoveryThreshold
	}
	if err := duration("timeout", h.Timeout, &cfg.Timeout); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (o OrchestratorConfig) Orchestrator() (orchestrator.Config, error) {
	cfg := orchestrator.DefaultConfig()
	for _, f := range []struct {
		name string
		s    string
		dst  *time.Duration
	}{
		{"cycle_interval", o.CycleInterval, &cfg.CycleInterval},
		{"stagger_step", o.StaggerStep, &cfg.StaggerStep},
		{"cycle_timeout", o.CycleTimeout, &cfg.CycleTimeout},
		{"shutdown_timeout", o.ShutdownTimeout, &cfg.ShutdownTimeout},
	} {
		if err := duration(f.name, f.s, f.dst); err != nil {
			return cfg, err
		}
	}
	if o.MinFunding != "" {
		v, err := decimal.NewFromString(o.MinFunding)
		if err != nil || v.IsNegative() {
			return cfg, fmt.Errorf("min_funding must be a non-negative decimal, got %q", o.MinFunding)
		}
		cfg.MinFunding = v
	}
	if o.ConnectParallelism > 0 {
		cfg.ConnectParallelism = o.ConnectParallelism
	}
	return cfg, nil
}

func (r ReplicationConfig) Engine() (replication.Config, error) {
	cfg := replication.DefaultConfig()
	if r.MaxRiskFraction != "" {
		v, err := positive(r.MaxRiskFraction)
		if err != nil || v.GreaterThan(decimal.NewFromInt(1)) {
			return cfg, fmt.Errorf("max_risk_fraction must be in (0, 1], got %q", r.MaxRiskFraction)
		}
		cfg.MaxRiskFraction = v
	}
	if r.DustThreshold != "" {
		v, err := decimal.NewFromString(r.DustThreshold)
		if err != nil || v.IsNegative() {
			return cfg, fmt.Errorf("dust_threshold must be a non-negative decimal, got %q", r.DustThreshold)
		}
		cfg.DustThreshold = v
	}
	if err := duration("order_timeout", r.OrderTimeout, &cfg.OrderTimeout); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (r RetryConfig) Policy() (retry.Policy, error) {
	p := retry.DefaultPolicy()
	if r.MaxAttempts > 0 {
		p.MaxAttempts = r.MaxAttempts
	}
	for _, f := range []struct {
		name string
		s    string
		dst  *time.Duration
	}{
		{"base_delay", r.BaseDelay, &p.BaseDelay},
		{"max_delay", r.MaxDelay, &p.MaxDelay},
		{"rate_limit_delay", r.RateLimitDelay, &p.RateLimitDelay},
		{"nonce_jump", r.NonceJump, &p.NonceJump},
	} {
		if err := duration(f.name, f.s, f.dst); err != nil {
			return p, err
		}
	}
	return p, nil
}

func (s StrategyConfig) build(name string) (strategy.Strategy, error) {
	params := strategy.Params{Symbol: s.Symbol, Every: s.Every}
	if s.Size != "" {
		v, err := decimal.NewFromString(s.Size)
		if err != nil {
			return nil, fmt.Errorf("size: %w", err)
		}
		params.Size = v
	}
	return strategy.ByName(name, params)
}

// Default returns a paper setup: one platform account and two subscribers.
func Default() *Config {
	return &Config{
		Brokers: []BrokerConfig{{
			ID:        "paper",
			Type:      "paper",
			Prices:    map[string]string{"EUR_USD": "1.0850"},
			RateLimit: 20,
			Burst:     5,
		}},
		Accounts: []AccountConfig{
			{ID: "platform-1", Broker: "paper", Kind: "platform", Balance: "100000"},
			{ID: "user-1", Broker: "paper", Kind: "user", CopyFromPlatform: true, Balance: "10000"},
			{ID: "user-2", Broker: "paper", Kind: "user", CopyFromPlatform: true, Balance: "2500"},
		},
		Health: HealthConfig{
			DegradeAfter:      1,
			FailureThreshold:  5,
			Timeout:           "5m",
			SuccessThreshold:  3,
			RecoveryThreshold: 3,
		},
		Orchestrator: OrchestratorConfig{
			CycleInterval:      "1m",
			StaggerStep:        "2s",
			CycleTimeout:       "2m",
			ShutdownTimeout:    "30s",
			MinFunding:         "10",
			ConnectParallelism: 4,
		},
		Replication: ReplicationConfig{
			MaxRiskFraction: "0.10",
			DustThreshold:   "1",
			OrderTimeout:    "30s",
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			BaseDelay:      "500ms",
			MaxDelay:       "10s",
			RateLimitDelay: "2s",
			NonceJump:      "60s",
		},
		Strategy: StrategyConfig{
			Name:   "alternate",
			Symbol: "EUR_USD",
			Size:   "1000",
			Every:  5,
		},
		Journal: JournalConfig{DBPath: "./copytrader.db"},
		Log:     logging.Config{Level: "info"},
		Ops:     OpsConfig{Addr: "127.0.0.1:8090"},
	}
}

func duration(name, s string, dst *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must not be negative", name)
	}
	*dst = d
	return nil
}

func positive(s string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return v, err
	}
	if !v.IsPositive() {
		return v, fmt.Errorf("must be positive, got %s", s)
	}
	return v, nil
}
