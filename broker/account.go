package broker

import "fmt"

// Kind tells the platform-owned pool apart from user pools.
type Kind string

const (
	KindPlatform Kind = "PLATFORM"
	KindUser     Kind = "USER"
)

// AccountRef identifies one (platform-or-user, account, broker) combination.
// It is a comparable value and safe to use as a map key.
type AccountRef struct {
	Kind      Kind   `json:"kind" yaml:"kind"`
	AccountID string `json:"account_id" yaml:"account_id"`
	BrokerID  string `json:"broker_id" yaml:"broker_id"`
}

func Platform(accountID, brokerID string) AccountRef {
	return AccountRef{Kind: KindPlatform, AccountID: accountID, BrokerID: brokerID}
}

func User(accountID, brokerID string) AccountRef {
	return AccountRef{Kind: KindUser, AccountID: accountID, BrokerID: brokerID}
}

func (r AccountRef) IsPlatform() bool { return r.Kind == KindPlatform }

func (r AccountRef) String() string {
	return fmt.Sprintf("%s:%s@%s", r.Kind, r.AccountID, r.BrokerID)
}
