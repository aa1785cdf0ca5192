package creditengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// BundleRequest describes a multi-job unit billed as one reservation.
type BundleRequest struct {
	UserID   string
	Cost     int64
	Items    int
	Provider string
}

// BundleSubmitFunc submits item index of a bundle and returns the
// provider's request id.
type BundleSubmitFunc func(ctx context.Context, index int, jobID string) (string, error)

// BundleItemError reports an item whose submission failed. No job row exists for it.
type BundleItemError struct {
	Index int
	Err   error
}

// BundleResult is the outcome of a committed bundle.
type BundleResult struct {
	BundleID string
	Jobs     []Job
	Failed   []BundleItemError
	Orphaned int
}

// ReserveBundle reserves req.Cost once and fans out req.Items submissions.
//
// The reservation is refunded only if every submission fails. If at least
// one item was accepted the bundle is committed at full cost, split across
// the accepted items' jobs. Failed items are reported and get no job row.
func (c *Coordinator) ReserveBundle(ctx context.Context, req BundleRequest, submit BundleSubmitFunc) (BundleResult, error) {
	if req.Items <= 0 {
		return BundleResult{}, fmt.Errorf("%w: bundle needs at least one item", ErrInvalidRequest)
	}
	base := ReserveRequest{UserID: req.UserID, Cost: req.Cost, Kind: KindPackImage, Provider: req.Provider}
	if err := base.validate(); err != nil {
		return BundleResult{}, err
	}

	bundleID := uuid.New().String()
	log := c.opts.logger.With().
		Str("user_id", req.UserID).
		Str("bundle_id", bundleID).
		Int64("cost", req.Cost).
		Int("items", req.Items).
		Logger()

	if !c.allow(req.Provider) {
		log.Warn().Str("provider", req.Provider).Msg("provider circuit open, bundle skipped")
		return BundleResult{}, &SubmissionError{
			Err:      ErrProviderUnavailable,
			Provider: req.Provider,
			UserID:   req.UserID,
		}
	}

	debited, err := c.reserve(ctx, req.UserID, KindPackImage, req.Cost)
	if err != nil {
		return BundleResult{}, err
	}

	type item struct {
		jobID      string
		externalID string
		err        error
	}
	items := make([]item, req.Items)

	var g errgroup.Group
	g.SetLimit(c.opts.bundleConcurrency)
	for i := range items {
		items[i].jobID = uuid.New().String()
		g.Go(func() error {
			start := c.opts.now()
			ext, err := submit(ctx, i, items[i].jobID)
			if err == nil && ext == "" {
				err = errEmptyRequestID
			}
			items[i].externalID, items[i].err = ext, err
			c.recordHealth(req.Provider, err == nil)
			c.opts.meter.OnSubmit(SubmitEvent{
				Provider: req.Provider,
				Kind:     KindPackImage,
				Success:  err == nil,
				Duration: c.opts.now().Sub(start),
				Error:    err,
			})
			// Sibling submissions keep running; a failure is collected, not propagated.
			return nil
		})
	}
	_ = g.Wait()

	result := BundleResult{BundleID: bundleID}
	var accepted []item
	for i, it := range items {
		if it.err != nil {
			result.Failed = append(result.Failed, BundleItemError{Index: i, Err: it.err})
			continue
		}
		accepted = append(accepted, it)
	}

	if len(accepted) == 0 {
		refunded := c.refund(ctx, req.UserID, debited)
		log.Warn().Bool("refunded", refunded).Msg("all bundle submissions failed")
		return result, &SubmissionError{
			Err:      errors.Join(bundleErrors(result.Failed)...),
			Provider: req.Provider,
			UserID:   req.UserID,
			Refunded: refunded,
		}
	}

	if len(result.Failed) > 0 {
		log.Warn().Int("failed", len(result.Failed)).Msg("bundle partially submitted, charged in full")
	}

	bctx, cancel := detached(ctx)
	defer cancel()

	shares := AllocateBundle(debited, len(accepted))
	now := c.opts.now().UTC()
	var lastErr error
	allRefunded := true
	for k, it := range accepted {
		job, err := c.registry.Create(bctx, Job{
			ID:                it.jobID,
			ExternalRequestID: it.externalID,
			OwnerUserID:       req.UserID,
			Kind:              KindPackImage,
			ReservedCredits:   shares[k],
			Status:            StatusReserved,
			BundleID:          bundleID,
			CreatedAt:         now,
			UpdatedAt:         now,
		})
		if err == nil {
			result.Jobs = append(result.Jobs, job)
			continue
		}

		refunded := c.refund(ctx, req.UserID, shares[k])
		if errors.Is(err, ErrDuplicateJob) {
			if existing, ferr := c.registry.FindByExternalRequestID(bctx, it.externalID); ferr == nil {
				result.Jobs = append(result.Jobs, existing)
				continue
			}
		}
		lastErr = err
		allRefunded = allRefunded && refunded
		result.Orphaned++
		c.recordOrphan(ctx, Orphan{
			ExternalRequestID: it.externalID,
			UserID:            req.UserID,
			Kind:              KindPackImage,
			Credits:           shares[k],
			Refunded:          refunded,
			Reason:            err.Error(),
		})
	}

	if len(result.Jobs) == 0 {
		return result, &PersistenceError{
			Err:      lastErr,
			UserID:   req.UserID,
			Refunded: allRefunded,
		}
	}

	log.Info().Int("jobs", len(result.Jobs)).Msg("bundle reserved")
	return result, nil
}

func bundleErrors(failed []BundleItemError) []error {
	errs := make([]error, len(failed))
	for i, f := range failed {
		errs[i] = fmt.Errorf("item %d: %w", f.Index, f.Err)
	}
	return errs
}
