package replication

import (
	"sort"
	"sync"

	"github.com/rustyeddy/copytrader/broker"
)

// Subscription marks a user account as a copy target for its broker's
// platform account.
type Subscription struct {
	Ref              broker.AccountRef `json:"ref"`
	Enabled          bool              `json:"enabled"`
	CopyFromPlatform bool              `json:"copy_from_platform"`
}

func (s Subscription) active() bool {
	return s.Enabled && s.CopyFromPlatform && s.Ref.Kind == broker.KindUser
}

// Subscriptions keeps subscribers per broker in registration order.
type Subscriptions struct {
	mu       sync.RWMutex
	byBroker map[string][]Subscription
}

func NewSubscriptions() *Subscriptions {
	return &Subscriptions{byBroker: make(map[string][]Subscription)}
}

// Subscribe adds sub, or updates it in place if its ref is already known so
// the processing order does not change.
func (s *Subscriptions) Subscribe(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.byBroker[sub.Ref.BrokerID]
	for i := range list {
		if list[i].Ref == sub.Ref {
			list[i] = sub
			return
		}
	}
	s.byBroker[sub.Ref.BrokerID] = append(list, sub)
}

func (s *Subscriptions) Unsubscribe(ref broker.AccountRef) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.byBroker[ref.BrokerID]
	for i := range list {
		if list[i].Ref == ref {
			s.byBroker[ref.BrokerID] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// For returns the active subscribers of brokerID in registration order.
func (s *Subscriptions) For(brokerID string) []broker.AccountRef {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []broker.AccountRef
	for _, sub := range s.byBroker[brokerID] {
		if sub.active() {
			out = append(out, sub.Ref)
		}
	}
	return out
}

// All returns every subscription, active or not, grouped by broker id in
// registration order within each broker.
func (s *Subscriptions) All() []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.byBroker))
	for id := range s.byBroker {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []Subscription
	for _, id := range ids {
		out = append(out, s.byBroker[id]...)
	}
	return out
}
