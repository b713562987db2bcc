package journal

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/copytrader/broker"
)

// Memory is a Journal for tests and paper runs without a database file.
type Memory struct {
	mu        sync.RWMutex
	fills     map[string]MasterFill
	positions []PositionEntry
	copies    []CopyExecutionRecord
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{fills: map[string]MasterFill{}, now: time.Now}
}

func (m *Memory) RecordFill(f MasterFill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fills[f.TradeID]; !ok {
		m.fills[f.TradeID] = f
	}
	return nil
}

func (m *Memory) GetFill(tradeID string) (MasterFill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.fills[tradeID]
	if !ok {
		return MasterFill{}, fmt.Errorf("fill %q: %w", tradeID, ErrNotFound)
	}
	return f, nil
}

func (m *Memory) ListFills(limit int) ([]MasterFill, error) {
	m.mu.RLock()
	out := make([]MasterFill, 0, len(m.fills))
	for _, f := range m.fills {
		out = append(out, f)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].TradeID > out[j].TradeID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) RecordPosition(p *PositionEntry) error {
	if err := p.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.now()
	}
	p.ID = int64(len(m.positions) + 1)
	m.positions = append(m.positions, *p)
	return nil
}

func (m *Memory) ListPositions(ref broker.AccountRef) ([]PositionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []PositionEntry
	for _, p := range m.positions {
		if p.Account == ref {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) RecordCopy(r *CopyExecutionRecord) error {
	if err := r.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.RecordedAt.IsZero() {
		r.RecordedAt = m.now()
	}
	r.Seq = int64(len(m.copies) + 1)
	m.copies = append(m.copies, *r)
	return nil
}

func (m *Memory) FindCopy(tradeID, userID string) (CopyExecutionRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.copies) - 1; i >= 0; i-- {
		r := m.copies[i]
		if r.MasterTradeID == tradeID && r.UserID == userID {
			return r, true, nil
		}
	}
	return CopyExecutionRecord{}, false, nil
}

func (m *Memory) ListCopies(tradeID string) ([]CopyExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []CopyExecutionRecord
	for _, r := range m.copies {
		if r.MasterTradeID == tradeID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

var _ Journal = (*Memory)(nil)
