package creditengine

import "time"

// Meter observes ledger and job events for monitoring/logging.
type Meter interface {
	// OnReserve is called after a reservation attempt.
	OnReserve(event ReserveEvent)

	// OnSubmit is called when a provider submission returns.
	OnSubmit(event SubmitEvent)

	// OnSettle is called when a webhook outcome has been processed.
	OnSettle(event SettleEvent)
}

// ReserveEvent describes a reservation attempt.
type ReserveEvent struct {
	UserID       string
	Kind         JobKind
	Cost         int64
	Reserved     bool
	Insufficient bool
}

// SubmitEvent describes the outcome of a provider submission.
type SubmitEvent struct {
	Provider string
	Kind     JobKind
	Success  bool
	Refunded int64
	Duration time.Duration
	Error    error
}

// SettleEvent describes a processed provider webhook.
type SettleEvent struct {
	Kind        JobKind
	Disposition Disposition
	Status      JobStatus
	Refunded    int64
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (m *noopMeter) OnReserve(ReserveEvent) {}
func (m *noopMeter) OnSubmit(SubmitEvent)   {}
func (m *noopMeter) OnSettle(SettleEvent)   {}
