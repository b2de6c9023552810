package recovery

import "time"

// HealthStatus is a point-in-time view of the monitor's bookkeeping.
type HealthStatus struct {
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	MessagesSent        int       `json:"messagesSent"`
	MessagesFailed      int       `json:"messagesFailed"`
	LastCheck           time.Time `json:"lastCheck"`
}

// HealthEvents are the signals a monitor emits. The manager wires these to
// its recovery protocol; other implementations may fan them out elsewhere.
type HealthEvents struct {
	SessionStuck     func(details string)
	SessionUnhealthy func(details string)
	HealthCheckError func(err error)
}

// HealthMonitor observes one session. The manager drives the Record hooks
// around each message; the polling policy is the implementation's own.
type HealthMonitor interface {
	Start()
	Stop()
	RecordMessageSent()
	RecordMessageSuccess()
	RecordMessageFailed(reason string)
	GetStatus() HealthStatus
}
