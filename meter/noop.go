package meter

import ce "github.com/ineyio/creditengine"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ ce.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnReserve(ce.ReserveEvent) {}
func (m *NoopMeter) OnSubmit(ce.SubmitEvent)   {}
func (m *NoopMeter) OnSettle(ce.SettleEvent)   {}

// Multi fans events out to several meters.
type Multi []ce.Meter

var _ ce.Meter = Multi(nil)

func (m Multi) OnReserve(e ce.ReserveEvent) {
	for _, mm := range m {
		mm.OnReserve(e)
	}
}

func (m Multi) OnSubmit(e ce.SubmitEvent) {
	for _, mm := range m {
		mm.OnSubmit(e)
	}
}

func (m Multi) OnSettle(e ce.SettleEvent) {
	for _, mm := range m {
		mm.OnSettle(e)
	}
}
