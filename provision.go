package creditengine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Provisioner reacts to identity provider user lifecycle events.
type Provisioner struct {
	ledger LedgerStore
	grant  int64
	logger zerolog.Logger
}

// NewProvisioner creates a Provisioner that starts new users at grant credits.
func NewProvisioner(ledger LedgerStore, grant int64, logger zerolog.Logger) *Provisioner {
	return &Provisioner{ledger: ledger, grant: grant, logger: logger}
}

// OnUserCreated creates the user's balance with the initial grant.
func (p *Provisioner) OnUserCreated(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if err := p.ledger.Ensure(ctx, userID, p.grant); err != nil {
		return err
	}
	p.logger.Info().Str("user_id", userID).Int64("grant", p.grant).Msg("balance ensured")
	return nil
}

// OnUserUpdated ensures a balance exists; it never changes an existing one.
func (p *Provisioner) OnUserUpdated(ctx context.Context, userID string) error {
	return p.OnUserCreated(ctx, userID)
}

// OnUserDeleted removes the user's balance.
func (p *Provisioner) OnUserDeleted(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if err := p.ledger.Delete(ctx, userID); err != nil {
		return err
	}
	p.logger.Info().Str("user_id", userID).Msg("balance deleted")
	return nil
}
