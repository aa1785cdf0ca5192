package meter

import (
	"github.com/rs/zerolog"

	ce "github.com/ineyio/creditengine"
)

// LogMeter logs ledger and job events using zerolog.
type LogMeter struct {
	Logger zerolog.Logger
}

var _ ce.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
func NewLogMeter(logger zerolog.Logger) *LogMeter {
	return &LogMeter{Logger: logger.With().Str("component", "meter").Logger()}
}

func (m *LogMeter) OnReserve(e ce.ReserveEvent) {
	if e.Insufficient {
		m.Logger.Info().
			Str("user_id", e.UserID).
			Str("kind", string(e.Kind)).
			Int64("cost", e.Cost).
			Msg("reserve_insufficient")
		return
	}
	m.Logger.Debug().
		Str("user_id", e.UserID).
		Str("kind", string(e.Kind)).
		Int64("cost", e.Cost).
		Msg("reserve")
}

func (m *LogMeter) OnSubmit(e ce.SubmitEvent) {
	if e.Success {
		m.Logger.Info().
			Str("provider", e.Provider).
			Str("kind", string(e.Kind)).
			Int64("duration_ms", e.Duration.Milliseconds()).
			Msg("submit")
		return
	}
	m.Logger.Warn().
		Str("provider", e.Provider).
		Str("kind", string(e.Kind)).
		Int64("duration_ms", e.Duration.Milliseconds()).
		Int64("refunded", e.Refunded).
		Err(e.Error).
		Msg("submit_error")
}

func (m *LogMeter) OnSettle(e ce.SettleEvent) {
	m.Logger.Info().
		Str("kind", string(e.Kind)).
		Str("disposition", string(e.Disposition)).
		Str("status", string(e.Status)).
		Int64("refunded", e.Refunded).
		Msg("settle")
}
