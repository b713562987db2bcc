package health

// Status is a node of the per-account health state graph.
type Status string

const (
	StatusHealthy     Status = "HEALTHY"
	StatusDegraded    Status = "DEGRADED"
	StatusQuarantined Status = "QUARANTINED"
	StatusRecovering  Status = "RECOVERING"
)

// Statuses lists every status in graph order.
var Statuses = []Status{StatusHealthy, StatusDegraded, StatusQuarantined, StatusRecovering}

// CircuitState is derived from Status.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

func (s Status) Circuit() CircuitState {
	switch s {
	case StatusQuarantined:
		return CircuitOpen
	case StatusRecovering:
		return CircuitHalfOpen
	default:
		return CircuitClosed
	}
}
