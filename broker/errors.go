package broker

import (
	"errors"
	"fmt"
)

var (
	ErrNetwork           = errors.New("network error")
	ErrTimeout           = errors.New("request timed out")
	ErrAuth              = errors.New("authentication failed")
	ErrRateLimited       = errors.New("rate limited")
	ErrRejected          = errors.New("request rejected")
	ErrStaleNonce        = errors.New("stale request identifier")
	ErrNotConnected      = errors.New("not connected")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// OpError records the capability call and venue that failed.
type OpError struct {
	Op     Op
	Broker string
	Err    error
}

func (e *OpError) Error() string {
	if e.Broker == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Broker, e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Wrap attaches op and broker to err unless it already carries an OpError.
func Wrap(op Op, brokerID string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	return &OpError{Op: op, Broker: brokerID, Err: err}
}
