package health

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rustyeddy/copytrader/broker"
)

// Config holds the thresholds of the state graph.
type Config struct {
	DegradeAfter      int           // failures before HEALTHY -> DEGRADED
	FailureThreshold  int           // consecutive failures before QUARANTINED
	Timeout           time.Duration // quarantine length before a probe is allowed
	SuccessThreshold  int           // consecutive probe successes before RECOVERING -> HEALTHY
	RecoveryThreshold int           // consecutive successes before DEGRADED -> HEALTHY

	// QuarantineImmediately lists kinds that open the circuit on first sight.
	QuarantineImmediately []FailureKind
}

func DefaultConfig() Config {
	return Config{
		DegradeAfter:          1,
		FailureThreshold:      5,
		Timeout:               300 * time.Second,
		SuccessThreshold:      3,
		RecoveryThreshold:     3,
		QuarantineImmediately: []FailureKind{AuthError},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DegradeAfter <= 0 {
		c.DegradeAfter = d.DegradeAfter
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = d.RecoveryThreshold
	}
	return c
}

// Record is the health of one AccountRef. Monitor hands out copies.
type Record struct {
	Ref                  broker.AccountRef   `json:"ref"`
	Status               Status              `json:"status"`
	Circuit              CircuitState        `json:"circuit"`
	ConsecutiveFailures  int                 `json:"consecutive_failures"`
	ConsecutiveSuccesses int                 `json:"consecutive_successes"`
	TotalFailures        int                 `json:"total_failures"`
	TotalSuccesses       int                 `json:"total_successes"`
	FailureBreakdown     map[FailureKind]int `json:"failure_breakdown"`
	LastFailureKind      FailureKind         `json:"last_failure_kind,omitempty"`
	LastError            string              `json:"last_error,omitempty"`
	LastDurationMs       int64               `json:"last_duration_ms"`
	ProbeInFlight        bool                `json:"probe_in_flight"`
	QuarantineStartedAt  time.Time           `json:"quarantine_started_at,omitzero"`
	LastTransitionAt     time.Time           `json:"last_transition_at"`
	Reason               string              `json:"reason,omitempty"`
}

func (r Record) clone() Record {
	r.FailureBreakdown = maps.Clone(r.FailureBreakdown)
	r.Circuit = r.Status.Circuit()
	return r
}

type entry struct {
	mu  sync.Mutex
	rec Record
}

// Monitor tracks health per AccountRef. The registry lock is only held to
// look up or insert an entry; every state change runs under that entry's
// own lock, so accounts never wait on each other.
type Monitor struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu      sync.RWMutex
	entries map[broker.AccountRef]*entry

	crossAccountErrors atomic.Int64
}

type Option func(*Monitor)

func WithLogger(l *slog.Logger) Option { return func(m *Monitor) { m.logger = l } }

func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

func WithMetrics(mt *Metrics) Option { return func(m *Monitor) { m.metrics = mt } }

func NewMonitor(cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:     cfg.withDefaults(),
		logger:  slog.Default(),
		now:     time.Now,
		entries: make(map[broker.AccountRef]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) Config() Config { return m.cfg }

// Register creates a HEALTHY record for ref if none exists.
func (m *Monitor) Register(ref broker.AccountRef) {
	m.lookup(ref)
}

func (m *Monitor) lookup(ref broker.AccountRef) *entry {
	m.mu.RLock()
	e, ok := m.entries[ref]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[ref]; ok {
		return e
	}
	now := m.now()
	e = &entry{rec: Record{
		Ref:              ref,
		Status:           StatusHealthy,
		FailureBreakdown: make(map[FailureKind]int),
		LastTransitionAt: now,
	}}
	m.entries[ref] = e
	m.metrics.setStatus(ref, StatusHealthy)
	m.logger.Debug("account registered", slog.String("account", ref.String()))
	return e
}

// locked runs fn under ref's own lock. A record that does not belong to ref
// is counted as a cross-account error and left untouched.
func (m *Monitor) locked(ref broker.AccountRef, fn func(r *Record)) {
	e := m.lookup(ref)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec.Ref != ref {
		m.crossAccountErrors.Add(1)
		m.logger.Error("health record owned by another account",
			slog.String("account", ref.String()),
			slog.String("owner", e.rec.Ref.String()))
		return
	}
	fn(&e.rec)
}

// CanExecute reports whether ref may run an operation now. An expired
// quarantine moves the record to RECOVERING and grants exactly one probe.
func (m *Monitor) CanExecute(ref broker.AccountRef) (bool, string) {
	var (
		allowed bool
		reason  string
	)
	m.locked(ref, func(r *Record) {
		now := m.now()
		switch r.Status {
		case StatusHealthy, StatusDegraded:
			allowed = true

		case StatusQuarantined:
			remaining := m.cfg.Timeout - now.Sub(r.QuarantineStartedAt)
			if remaining > 0 {
				reason = fmt.Sprintf("%s; retry in %s", quarantineReason(r), remaining.Round(time.Second))
				return
			}
			m.transition(r, StatusRecovering, now)
			r.ConsecutiveSuccesses = 0
			r.ProbeInFlight = true
			allowed = true
			reason = "recovery probe"

		case StatusRecovering:
			if r.ProbeInFlight {
				reason = "recovery probe already in flight"
				return
			}
			r.ProbeInFlight = true
			allowed = true
			reason = "recovery probe"
		}
	})
	return allowed, reason
}

// Release gives back a probe granted by CanExecute when the caller ends up
// not exercising the account, so the next caller may probe instead.
func (m *Monitor) Release(ref broker.AccountRef) {
	m.locked(ref, func(r *Record) {
		r.ProbeInFlight = false
	})
}

func (m *Monitor) RecordSuccess(ref broker.AccountRef, d time.Duration) {
	m.locked(ref, func(r *Record) {
		now := m.now()
		r.TotalSuccesses++
		r.LastDurationMs = d.Milliseconds()

		switch r.Status {
		case StatusQuarantined:
			// A call that started before the circuit opened; it proves nothing.
			return

		case StatusHealthy:
			r.ConsecutiveFailures = 0
			r.ConsecutiveSuccesses++

		case StatusDegraded:
			r.ConsecutiveFailures = 0
			r.ConsecutiveSuccesses++
			if r.ConsecutiveSuccesses >= m.cfg.RecoveryThreshold {
				m.transition(r, StatusHealthy, now)
			}

		case StatusRecovering:
			r.ConsecutiveFailures = 0
			r.ConsecutiveSuccesses++
			r.ProbeInFlight = false
			if r.ConsecutiveSuccesses >= m.cfg.SuccessThreshold {
				r.QuarantineStartedAt = time.Time{}
				m.transition(r, StatusHealthy, now)
			}
		}
	})
}

func (m *Monitor) RecordFailure(ref broker.AccountRef, kind FailureKind, err error) {
	if kind == "" {
		kind = Unknown
	}
	m.locked(ref, func(r *Record) {
		now := m.now()
		r.TotalFailures++
		r.FailureBreakdown[kind]++
		r.ConsecutiveFailures++
		r.ConsecutiveSuccesses = 0
		r.LastFailureKind = kind
		if err != nil {
			r.LastError = err.Error()
		}
		m.metrics.failure(ref, kind)

		switch r.Status {
		case StatusHealthy, StatusDegraded:
			if r.ConsecutiveFailures >= m.cfg.FailureThreshold || slices.Contains(m.cfg.QuarantineImmediately, kind) {
				m.quarantine(r, now)
			} else if r.Status == StatusHealthy && r.ConsecutiveFailures >= m.cfg.DegradeAfter {
				m.transition(r, StatusDegraded, now)
			}

		case StatusRecovering:
			r.ProbeInFlight = false
			m.quarantine(r, now)

		case StatusQuarantined:
			// Late failure from a call already in flight; the timer keeps running.
		}
	})
}

func (m *Monitor) quarantine(r *Record, now time.Time) {
	r.QuarantineStartedAt = now
	r.ProbeInFlight = false
	m.transition(r, StatusQuarantined, now)
}

func (m *Monitor) transition(r *Record, to Status, now time.Time) {
	from := r.Status
	if from == to {
		r.LastTransitionAt = now
		return
	}
	r.Status = to
	r.LastTransitionAt = now
	if to == StatusHealthy {
		r.ConsecutiveFailures = 0
	}
	m.metrics.transition(r.Ref, from, to)

	attrs := []any{
		slog.String("account", r.Ref.String()),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Int("consecutive_failures", r.ConsecutiveFailures),
	}
	switch to {
	case StatusQuarantined:
		m.logger.Warn("circuit OPEN, account quarantined", append(attrs,
			slog.String("kind", string(r.LastFailureKind)),
			slog.String("error", r.LastError))...)
	case StatusRecovering:
		m.logger.Info("circuit HALF_OPEN, probing account", attrs...)
	case StatusHealthy:
		m.logger.Info("circuit CLOSED, account healthy", attrs...)
	default:
		m.logger.Warn("account degraded", attrs...)
	}
}

// Reset forces ref back to HEALTHY. Operator use only.
func (m *Monitor) Reset(ref broker.AccountRef) {
	m.locked(ref, func(r *Record) {
		r.ConsecutiveFailures = 0
		r.ConsecutiveSuccesses = 0
		r.ProbeInFlight = false
		r.QuarantineStartedAt = time.Time{}
		m.transition(r, StatusHealthy, m.now())
		m.logger.Warn("health record reset by operator", slog.String("account", ref.String()))
	})
}

// StatusOf returns a copy of ref's record.
func (m *Monitor) StatusOf(ref broker.AccountRef) (Record, bool) {
	m.mu.RLock()
	e, ok := m.entries[ref]
	m.mu.RUnlock()
	if !ok {
		return Record{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.rec.clone()
	rec.Reason = reasonFor(&e.rec)
	return rec, true
}

// Snapshot returns a copy of every record, ordered by account.
func (m *Monitor) Snapshot() []Record {
	m.mu.RLock()
	refs := make([]broker.AccountRef, 0, len(m.entries))
	for ref := range m.entries {
		refs = append(refs, ref)
	}
	m.mu.RUnlock()

	slices.SortFunc(refs, func(a, b broker.AccountRef) int {
		return strings.Compare(a.String(), b.String())
	})

	out := make([]Record, 0, len(refs))
	for _, ref := range refs {
		if rec, ok := m.StatusOf(ref); ok {
			out = append(out, rec)
		}
	}
	return out
}

// Report summarizes every record. CrossAccountErrorCount must stay zero.
type Report struct {
	TotalAccounts          int            `json:"total_accounts"`
	CountsByStatus         map[Status]int `json:"counts_by_status"`
	TotalFailures          int            `json:"total_failures"`
	CrossAccountErrorCount int64          `json:"cross_account_error_count"`
	Accounts               []Record       `json:"accounts"`
}

func (m *Monitor) Report() Report {
	recs := m.Snapshot()
	rep := Report{
		TotalAccounts:          len(recs),
		CountsByStatus:         make(map[Status]int, len(Statuses)),
		CrossAccountErrorCount: m.crossAccountErrors.Load(),
		Accounts:               recs,
	}
	for _, s := range Statuses {
		rep.CountsByStatus[s] = 0
	}
	for _, r := range recs {
		rep.CountsByStatus[r.Status]++
		rep.TotalFailures += r.TotalFailures
	}
	return rep
}

func reasonFor(r *Record) string {
	switch r.Status {
	case StatusQuarantined:
		return quarantineReason(r)
	case StatusRecovering:
		return fmt.Sprintf("recovering: %d probe successes so far", r.ConsecutiveSuccesses)
	case StatusDegraded:
		return fmt.Sprintf("degraded: %d consecutive failures, last %s: %s",
			r.ConsecutiveFailures, r.LastFailureKind, r.LastError)
	}
	return ""
}

func quarantineReason(r *Record) string {
	return fmt.Sprintf("quarantined after %d consecutive failures, last %s: %s",
		r.ConsecutiveFailures, r.LastFailureKind, r.LastError)
}
