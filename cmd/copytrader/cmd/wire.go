package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/rustyeddy/copytrader/broker"
	"github.com/rustyeddy/copytrader/broker/oanda"
	"github.com/rustyeddy/copytrader/broker/paper"
	"github.com/rustyeddy/copytrader/config"
	"github.com/rustyeddy/copytrader/health"
	"github.com/rustyeddy/copytrader/internal/ops"
	"github.com/rustyeddy/copytrader/journal"
	"github.com/rustyeddy/copytrader/orchestrator"
	"github.com/rustyeddy/copytrader/replication"
	"github.com/rustyeddy/copytrader/sequence"
)

// defaultPaperBalance funds paper accounts that do not set one.
var defaultPaperBalance = decimal.NewFromInt(10_000)

// app is the wired process: one journal, one sequence, one monitor, one
// capability pool and the orchestrator driving them.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	journal  *journal.SQLite
	seq      *sequence.Generator
	registry *prometheus.Registry
	monitor  *health.Monitor
	pool     *broker.Pool
	subs     *replication.Subscriptions
	engine   *replication.Engine
	orch     *orchestrator.Orchestrator
}

func openStores(cfg *config.Config, logger *slog.Logger) (*journal.SQLite, *sequence.Generator, error) {
	j, err := journal.NewSQLite(cfg.Journal.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}
	store, err := sequence.NewSQLiteStore(j.DB())
	if err != nil {
		j.Close()
		return nil, nil, fmt.Errorf("open sequence store: %w", err)
	}
	seq, err := sequence.New(store, sequence.WithLogger(logger))
	if err != nil {
		j.Close()
		return nil, nil, err
	}
	return j, seq, nil
}

func build(cfg *config.Config, logger *slog.Logger) (*app, error) {
	j, seq, err := openStores(cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, journal: j, seq: seq}
	if err := a.wire(); err != nil {
		j.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg := a.cfg

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hc, err := cfg.Health.Monitor()
	if err != nil {
		return err
	}
	a.monitor = health.NewMonitor(hc,
		health.WithLogger(a.logger.With("component", "health")),
		health.WithMetrics(health.NewMetrics(a.registry)))

	policy, err := cfg.Retry.Policy()
	if err != nil {
		return err
	}
	policy.Nonce = a.seq
	policy.Logger = a.logger.With("component", "retry")

	a.pool = broker.NewPool()
	if err := a.addBrokers(); err != nil {
		return err
	}

	a.subs = replication.NewSubscriptions()
	for _, s := range cfg.Subscriptions() {
		a.subs.Subscribe(s)
	}

	rc, err := cfg.Replication.Engine()
	if err != nil {
		return err
	}
	a.engine = replication.New(rc, a.monitor, a.pool, a.journal, a.subs,
		replication.WithLogger(a.logger.With("component", "replication")),
		replication.WithMetrics(replication.NewMetrics(a.registry)),
		replication.WithRetry(policy))

	oc, err := cfg.Orchestrator.Orchestrator()
	if err != nil {
		return err
	}
	a.orch = orchestrator.New(oc, a.monitor, a.pool, a.journal, a.engine, cfg.StrategyFor,
		orchestrator.WithLogger(a.logger.With("component", "orchestrator")),
		orchestrator.WithMetrics(orchestrator.NewMetrics(a.registry)),
		orchestrator.WithRetry(policy))
	return nil
}

// addBrokers creates one capability per configured account, wrapped in the
// venue's shared rate limiter.
func (a *app) addBrokers() error {
	exchanges := map[string]*paper.Exchange{}
	clients := map[string]*oanda.Client{}
	limiters := map[string]*rate.Limiter{}

	for _, bc := range a.cfg.Brokers {
		switch bc.Type {
		case "paper":
			prices := make(map[string]decimal.Decimal, len(bc.Prices))
			for sym, p := range bc.Prices {
				v, err := decimal.NewFromString(p)
				if err != nil {
					return fmt.Errorf("broker %s price %s: %w", bc.ID, sym, err)
				}
				prices[sym] = v
			}
			exchanges[bc.ID] = paper.NewExchange(bc.ID, prices)
		case "oanda":
			base := bc.BaseURL
			if base == "" {
				var err error
				if base, err = oanda.BaseURL(bc.Env); err != nil {
					return err
				}
			}
			token := os.Getenv(bc.TokenEnv)
			if token == "" {
				a.logger.Warn("oanda token not set; connects will fail", slog.String("broker", bc.ID), slog.String("env", bc.TokenEnv))
			}
			clients[bc.ID] = oanda.NewClient(base, token)
		}
		if bc.RateLimit > 0 {
			limiters[bc.ID] = broker.NewLimiter(bc.RateLimit, bc.Burst)
		}
	}

	for _, ac := range a.cfg.Accounts {
		ref, err := ac.Ref()
		if err != nil {
			return err
		}

		var b broker.Broker
		switch {
		case exchanges[ac.Broker] != nil:
			bal := defaultPaperBalance
			if ac.Balance != "" {
				if bal, err = decimal.NewFromString(ac.Balance); err != nil {
					return fmt.Errorf("account %s balance: %w", ref, err)
				}
			}
			if b, err = exchanges[ac.Broker].Open(ac.ID, bal, a.seq); err != nil {
				return err
			}
		case clients[ac.Broker] != nil:
			b = oanda.New(clients[ac.Broker], ac.Broker, ac.ID, a.seq)
		default:
			return fmt.Errorf("account %s: unknown broker %q", ref, ac.Broker)
		}

		if l := limiters[ac.Broker]; l != nil {
			b = broker.NewSharedRateLimited(b, ac.Broker, l)
		}
		a.pool.Add(ref, b)
		a.monitor.Register(ref)
	}
	return nil
}

func (a *app) opsHandler() *ops.Handler {
	return ops.NewHandler(a.monitor, a.orch, a.journal, a.registry, a.logger.With("component", "ops"))
}

func (a *app) Close() error {
	return a.journal.Close()
}
