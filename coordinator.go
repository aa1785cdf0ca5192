package creditengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultBundleConcurrency = 4
	compensateTimeout        = 10 * time.Second
)

var errEmptyRequestID = errors.New("creditengine: provider returned empty request id")

// options is shared by Coordinator and Reconciler.
type options struct {
	meter             Meter
	logger            zerolog.Logger
	orphans           OrphanLog
	health            *HealthTracker
	bundleConcurrency int
	now               func() time.Time
}

// Option configures a Coordinator or a Reconciler.
type Option func(*options)

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(o *options) { o.meter = m }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithOrphanLog sets the dead-letter log for untracked external jobs.
func WithOrphanLog(ol OrphanLog) Option {
	return func(o *options) { o.orphans = ol }
}

// WithHealthTracker sets the provider circuit breaker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(o *options) { o.health = h }
}

// WithBundleConcurrency limits concurrent submissions within one bundle.
func WithBundleConcurrency(n int) Option {
	return func(o *options) { o.bundleConcurrency = n }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	// Apply defaults after options.
	if o.meter == nil {
		o.meter = &noopMeter{}
	}
	if o.bundleConcurrency <= 0 {
		o.bundleConcurrency = defaultBundleConcurrency
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// Coordinator reserves credits before submitting paid work and compensates
// when submission or bookkeeping fails.
type Coordinator struct {
	ledger   LedgerStore
	registry JobRegistry
	opts     options
}

// NewCoordinator creates a Coordinator over the given stores.
// NoopMeter and a disabled logger are used unless overridden via options.
func NewCoordinator(ledger LedgerStore, registry JobRegistry, opts ...Option) (*Coordinator, error) {
	if ledger == nil {
		return nil, fmt.Errorf("creditengine: ledger store is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("creditengine: job registry is required")
	}
	return &Coordinator{
		ledger:   ledger,
		registry: registry,
		opts:     buildOptions(opts),
	}, nil
}

// ReserveRequest describes one unit of paid work.
type ReserveRequest struct {
	UserID string
	Cost   int64
	Kind   JobKind

	// Provider keys the circuit breaker. Empty disables the check.
	Provider string
}

func (r ReserveRequest) validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if r.Cost < 0 {
		return fmt.Errorf("%w: negative cost %d", ErrInvalidRequest, r.Cost)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown job kind %q", ErrInvalidRequest, r.Kind)
	}
	return nil
}

// SubmitFunc performs the provider call for a job and returns the provider's
// request id. jobID is already allocated and may be embedded in the request.
type SubmitFunc func(ctx context.Context, jobID string) (string, error)

// ReserveAndSubmit debits the cost, submits the work and records the job.
//
// A zero cost never touches the ledger. On submission failure the debit is
// refunded and a *SubmissionError is returned. If the job cannot be recorded
// after the provider accepted it, the debit is refunded, the external job is
// recorded as an orphan and a *PersistenceError is returned.
func (c *Coordinator) ReserveAndSubmit(ctx context.Context, req ReserveRequest, submit SubmitFunc) (Job, error) {
	if err := req.validate(); err != nil {
		return Job{}, err
	}

	log := c.opts.logger.With().
		Str("user_id", req.UserID).
		Str("kind", string(req.Kind)).
		Int64("cost", req.Cost).
		Logger()

	if !c.allow(req.Provider) {
		log.Warn().Str("provider", req.Provider).Msg("provider circuit open, submission skipped")
		return Job{}, &SubmissionError{
			Err:      ErrProviderUnavailable,
			Provider: req.Provider,
			UserID:   req.UserID,
		}
	}

	debited, err := c.reserve(ctx, req.UserID, req.Kind, req.Cost)
	if err != nil {
		return Job{}, err
	}

	jobID := uuid.New().String()

	start := c.opts.now()
	externalID, err := submit(ctx, jobID)
	if err == nil && externalID == "" {
		err = errEmptyRequestID
	}
	duration := c.opts.now().Sub(start)

	if err != nil {
		c.recordHealth(req.Provider, false)
		refunded := c.refund(ctx, req.UserID, debited)
		c.opts.meter.OnSubmit(SubmitEvent{
			Provider: req.Provider,
			Kind:     req.Kind,
			Success:  false,
			Refunded: refundedAmount(refunded, debited),
			Duration: duration,
			Error:    err,
		})
		log.Warn().Err(err).Bool("refunded", refunded).Msg("submission failed")
		return Job{}, &SubmissionError{
			Err:      err,
			Provider: req.Provider,
			UserID:   req.UserID,
			Refunded: refunded,
		}
	}

	c.recordHealth(req.Provider, true)
	c.opts.meter.OnSubmit(SubmitEvent{
		Provider: req.Provider,
		Kind:     req.Kind,
		Success:  true,
		Duration: duration,
	})

	// Once the provider has accepted the work, bookkeeping outlives the caller.
	bctx, cancel := detached(ctx)
	defer cancel()

	now := c.opts.now().UTC()
	job, err := c.registry.Create(bctx, Job{
		ID:                jobID,
		ExternalRequestID: externalID,
		OwnerUserID:       req.UserID,
		Kind:              req.Kind,
		ReservedCredits:   req.Cost,
		Status:            StatusReserved,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err == nil {
		log.Info().Str("job_id", job.ID).Str("external_request_id", externalID).Msg("job reserved")
		return job, nil
	}

	if errors.Is(err, ErrDuplicateJob) {
		return c.resolveDuplicate(bctx, req.UserID, externalID, debited)
	}

	refunded := c.refund(ctx, req.UserID, debited)
	c.recordOrphan(ctx, Orphan{
		ExternalRequestID: externalID,
		UserID:            req.UserID,
		Kind:              req.Kind,
		Credits:           debited,
		Refunded:          refunded,
		Reason:            err.Error(),
	})
	return Job{}, &PersistenceError{
		Err:               err,
		UserID:            req.UserID,
		ExternalRequestID: externalID,
		Refunded:          refunded,
	}
}

// resolveDuplicate handles a retried submission whose external id is already
// tracked. The original job holds the reservation, so this call's debit goes back.
func (c *Coordinator) resolveDuplicate(ctx context.Context, userID, externalID string, debited int64) (Job, error) {
	refunded := c.refund(ctx, userID, debited)
	existing, err := c.registry.FindByExternalRequestID(ctx, externalID)
	if err != nil {
		return Job{}, &PersistenceError{
			Err:               err,
			UserID:            userID,
			ExternalRequestID: externalID,
			Refunded:          refunded,
		}
	}
	c.opts.logger.Info().
		Str("job_id", existing.ID).
		Str("external_request_id", externalID).
		Msg("duplicate submission, returning tracked job")
	return existing, nil
}

// Rollback voids a reserved job whose work never ran: the row is removed and
// its reserved credits are returned. Terminal jobs are left untouched.
func (c *Coordinator) Rollback(ctx context.Context, jobID string) (Job, error) {
	job, err := c.registry.Get(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if job.Status != StatusReserved {
		return job, ErrInvalidTransition
	}
	// Delete is conditional on the reserved status, so only one caller
	// (this or a Failed webhook) can ever return the credits.
	if err := c.registry.Delete(ctx, jobID); err != nil {
		return job, err
	}
	if !c.refund(ctx, job.OwnerUserID, job.ReservedCredits) {
		c.recordOrphan(ctx, Orphan{
			ExternalRequestID: job.ExternalRequestID,
			UserID:            job.OwnerUserID,
			Kind:              job.Kind,
			Credits:           job.ReservedCredits,
			Reason:            "rollback refund failed",
		})
		return job, &PersistenceError{
			Err:               ErrPersistenceFailed,
			UserID:            job.OwnerUserID,
			ExternalRequestID: job.ExternalRequestID,
		}
	}
	c.opts.logger.Info().Str("job_id", jobID).Int64("credits", job.ReservedCredits).Msg("job rolled back")
	return job, nil
}

// Grant credits a user outside of any job, e.g. an operator adjustment.
func (c *Coordinator) Grant(ctx context.Context, userID string, amount int64) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if err := ValidateAmount(amount); err != nil {
		return err
	}
	if err := c.ledger.Credit(ctx, userID, amount); err != nil {
		return err
	}
	c.opts.logger.Info().Str("user_id", userID).Int64("amount", amount).Msg("credits granted")
	return nil
}

func (c *Coordinator) reserve(ctx context.Context, userID string, kind JobKind, cost int64) (int64, error) {
	if cost == 0 {
		c.opts.meter.OnReserve(ReserveEvent{UserID: userID, Kind: kind, Reserved: true})
		return 0, nil
	}

	ok, err := c.ledger.TryDebit(ctx, userID, cost)
	if err != nil {
		return 0, fmt.Errorf("creditengine: reserve: %w", err)
	}
	if !ok {
		c.opts.meter.OnReserve(ReserveEvent{UserID: userID, Kind: kind, Cost: cost, Insufficient: true})
		return 0, &InsufficientCreditsError{UserID: userID, Required: cost}
	}

	c.opts.meter.OnReserve(ReserveEvent{UserID: userID, Kind: kind, Cost: cost, Reserved: true})
	return cost, nil
}

// refund returns amount to the user exactly once and reports whether the
// credit landed. It runs detached from ctx so a cancelled request still
// gets its compensation.
func (c *Coordinator) refund(ctx context.Context, userID string, amount int64) bool {
	if amount == 0 {
		return true
	}
	cctx, cancel := detached(ctx)
	defer cancel()

	if err := c.ledger.Credit(cctx, userID, amount); err != nil {
		c.opts.logger.Error().Err(err).
			Str("user_id", userID).
			Int64("amount", amount).
			Msg("refund failed")
		return false
	}
	return true
}

func (c *Coordinator) recordOrphan(ctx context.Context, o Orphan) {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = c.opts.now().UTC()
	}
	c.opts.logger.Error().
		Str("external_request_id", o.ExternalRequestID).
		Str("user_id", o.UserID).
		Str("kind", string(o.Kind)).
		Int64("credits", o.Credits).
		Bool("refunded", o.Refunded).
		Str("reason", o.Reason).
		Msg("orphaned external job")

	if c.opts.orphans == nil {
		return
	}
	cctx, cancel := detached(ctx)
	defer cancel()
	if err := c.opts.orphans.Record(cctx, o); err != nil {
		c.opts.logger.Error().Err(err).Str("external_request_id", o.ExternalRequestID).Msg("orphan log write failed")
	}
}

// detached keeps ctx's values but not its cancellation, bounded by
// compensateTimeout.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
}

func (c *Coordinator) allow(provider string) bool {
	if c.opts.health == nil || provider == "" {
		return true
	}
	return c.opts.health.Allow(provider)
}

func (c *Coordinator) recordHealth(provider string, ok bool) {
	if c.opts.health == nil || provider == "" {
		return
	}
	if ok {
		c.opts.health.RecordSuccess(provider)
	} else {
		c.opts.health.RecordFailure(provider)
	}
}

func refundedAmount(refunded bool, amount int64) int64 {
	if refunded {
		return amount
	}
	return 0
}
