package health

import (
	"context"
	"errors"
	"net"

	"github.com/rustyeddy/copytrader/broker"
)

// FailureKind classifies a caught error before it is recorded.
type FailureKind string

const (
	APIError          FailureKind = "API_ERROR"
	NetworkError      FailureKind = "NETWORK_ERROR"
	AuthError         FailureKind = "AUTH_ERROR"
	RateLimit         FailureKind = "RATE_LIMIT"
	BalanceFetchError FailureKind = "BALANCE_FETCH_ERROR"
	PositionError     FailureKind = "POSITION_ERROR"
	ExecutionError    FailureKind = "EXECUTION_ERROR"
	Unknown           FailureKind = "UNKNOWN"
)

// Transient reports whether a retry has a reasonable chance of succeeding.
func (k FailureKind) Transient() bool {
	return k == NetworkError || k == RateLimit
}

// Classify maps an error from a capability call to a FailureKind. Transport
// classes win over the operation; op may be empty when err carries a
// broker.OpError.
func Classify(op broker.Op, err error) FailureKind {
	if err == nil {
		return Unknown
	}

	switch {
	case errors.Is(err, broker.ErrAuth):
		return AuthError
	case errors.Is(err, broker.ErrRateLimited):
		return RateLimit
	case errors.Is(err, broker.ErrNetwork),
		errors.Is(err, broker.ErrTimeout),
		errors.Is(err, broker.ErrNotConnected),
		errors.Is(err, context.DeadlineExceeded):
		return NetworkError
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return NetworkError
	}

	var oe *broker.OpError
	if errors.As(err, &oe) && op == "" {
		op = oe.Op
	}

	switch op {
	case broker.OpBalance:
		return BalanceFetchError
	case broker.OpPositions:
		return PositionError
	case broker.OpPlaceOrder, broker.OpCancelOrder:
		return ExecutionError
	}

	if errors.Is(err, broker.ErrRejected) || errors.Is(err, broker.ErrStaleNonce) || oe != nil {
		return APIError
	}
	return Unknown
}
