package creditengine

import (
	"context"
	"errors"
	"fmt"
)

// Outcome is the terminal result a provider reports for a job.
type Outcome struct {
	Succeeded   bool
	ArtifactURL string
	Reason      string
}

// Succeeded builds a success outcome.
func Succeeded(artifactURL string) Outcome {
	return Outcome{Succeeded: true, ArtifactURL: artifactURL}
}

// Failed builds a failure outcome.
func Failed(reason string) Outcome {
	return Outcome{Reason: reason}
}

// Disposition reports what a webhook delivery did.
type Disposition string

const (
	// DispositionApplied means the job moved to a terminal status.
	DispositionApplied Disposition = "applied"
	// DispositionDuplicate means the job was already terminal.
	DispositionDuplicate Disposition = "duplicate"
	// DispositionUnknown means no job carries the external request id.
	DispositionUnknown Disposition = "unknown"
	// DispositionError means a datastore call failed. It is logged only.
	DispositionError Disposition = "error"
)

// Reconciler applies asynchronous provider outcomes to tracked jobs.
type Reconciler struct {
	ledger   LedgerStore
	registry JobRegistry
	opts     options
}

// NewReconciler creates a Reconciler over the given stores.
func NewReconciler(ledger LedgerStore, registry JobRegistry, opts ...Option) (*Reconciler, error) {
	if ledger == nil {
		return nil, fmt.Errorf("creditengine: ledger store is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("creditengine: job registry is required")
	}
	return &Reconciler{
		ledger:   ledger,
		registry: registry,
		opts:     buildOptions(opts),
	}, nil
}

// OnProviderEvent applies outcome to the job with the given external request id.
//
// Deliveries may repeat, race or arrive out of order. Only the delivery that
// moves the job out of reserved has effects; a failure refunds the job's
// reserved credits exactly once. Errors are logged, never returned, so the
// provider is not asked to redeliver.
func (r *Reconciler) OnProviderEvent(ctx context.Context, externalRequestID string, outcome Outcome) Disposition {
	log := r.opts.logger.With().Str("external_request_id", externalRequestID).Logger()

	job, err := r.registry.FindByExternalRequestID(ctx, externalRequestID)
	if errors.Is(err, ErrJobNotFound) {
		log.Info().Msg("webhook for untracked job")
		r.opts.meter.OnSettle(SettleEvent{Disposition: DispositionUnknown})
		return DispositionUnknown
	}
	if err != nil {
		log.Error().Err(err).Msg("job lookup failed")
		r.opts.meter.OnSettle(SettleEvent{Disposition: DispositionError})
		return DispositionError
	}

	log = log.With().Str("job_id", job.ID).Str("user_id", job.OwnerUserID).Logger()

	if job.Status.Terminal() {
		log.Debug().Str("status", string(job.Status)).Msg("redelivered webhook ignored")
		r.opts.meter.OnSettle(SettleEvent{Kind: job.Kind, Disposition: DispositionDuplicate, Status: job.Status})
		return DispositionDuplicate
	}

	status := StatusCompleted
	result := JobResult{ArtifactURL: outcome.ArtifactURL}
	if !outcome.Succeeded {
		status = StatusFailed
		result = JobResult{FailureReason: outcome.Reason}
	}

	updated, changed, err := r.registry.UpdateStatus(ctx, job.ID, status, result)
	if err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("status update failed")
		r.opts.meter.OnSettle(SettleEvent{Kind: job.Kind, Disposition: DispositionError})
		return DispositionError
	}
	if !changed {
		// Lost the race to a concurrent delivery.
		r.opts.meter.OnSettle(SettleEvent{Kind: job.Kind, Disposition: DispositionDuplicate, Status: updated.Status})
		return DispositionDuplicate
	}

	var refunded int64
	if status == StatusFailed && updated.ReservedCredits > 0 {
		if err := r.ledger.Credit(ctx, updated.OwnerUserID, updated.ReservedCredits); err != nil {
			log.Error().Err(err).Int64("credits", updated.ReservedCredits).Msg("refund for failed job did not apply")
			r.recordLostRefund(ctx, updated, err)
			r.opts.meter.OnSettle(SettleEvent{Kind: job.Kind, Disposition: DispositionError, Status: status})
			return DispositionError
		}
		refunded = updated.ReservedCredits
	}

	log.Info().
		Str("status", string(status)).
		Int64("refunded", refunded).
		Msg("job settled")
	r.opts.meter.OnSettle(SettleEvent{
		Kind:        job.Kind,
		Disposition: DispositionApplied,
		Status:      status,
		Refunded:    refunded,
	})
	return DispositionApplied
}

// recordLostRefund keeps a failed job whose refund did not land visible to
// operators; the status is already terminal so a redelivery cannot fix it.
func (r *Reconciler) recordLostRefund(ctx context.Context, job Job, cause error) {
	if r.opts.orphans == nil {
		return
	}
	err := r.opts.orphans.Record(context.WithoutCancel(ctx), Orphan{
		ExternalRequestID: job.ExternalRequestID,
		UserID:            job.OwnerUserID,
		Kind:              job.Kind,
		Credits:           job.ReservedCredits,
		Refunded:          false,
		Reason:            "refund failed: " + cause.Error(),
		CreatedAt:         r.opts.now().UTC(),
	})
	if err != nil {
		r.opts.logger.Error().Err(err).Str("job_id", job.ID).Msg("orphan log write failed")
	}
}
