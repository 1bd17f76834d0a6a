package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/internal/identity"
	"github.com/lennonconstantino/whatsapp-twilio-ai-sub000/pkg/logging"
)

// OwnerResolver maps an inbound delivery onto a tenant. Strategies run in
// order: channel account id, destination number, then a configured default
// tenant outside production. Failure is a hard rejection; the channel
// provider is expected to retry on its own schedule.
type OwnerResolver struct {
	directory      identity.OwnerDirectory
	defaultOwnerID string
	production     bool
	logger         *logging.Logger
}

func NewOwnerResolver(directory identity.OwnerDirectory, defaultOwnerID string, production bool, logger *logging.Logger) *OwnerResolver {
	if directory == nil {
		panic("webhook: owner directory cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &OwnerResolver{
		directory:      directory,
		defaultOwnerID: defaultOwnerID,
		production:     production,
		logger:         logger,
	}
}

// Resolve returns the tenant owning this delivery.
func (r *OwnerResolver) Resolve(ctx context.Context, delivery Delivery) (string, error) {
	if delivery.AccountID != "" {
		owner, err := r.directory.OwnerByAccountID(ctx, delivery.AccountID)
		if err == nil {
			return owner, nil
		}
		if !errors.Is(err, identity.ErrOwnerNotFound) {
			return "", fmt.Errorf("webhook: resolve by account id: %w", err)
		}
	}

	owner, err := r.directory.OwnerByNumber(ctx, delivery.To)
	if err == nil {
		return owner, nil
	}
	if !errors.Is(err, identity.ErrOwnerNotFound) {
		return "", fmt.Errorf("webhook: resolve by number: %w", err)
	}

	if !r.production && r.defaultOwnerID != "" {
		r.logger.Debug("falling back to default owner",
			"account_id", delivery.AccountID, "to", delivery.To, "owner_id", r.defaultOwnerID)
		return r.defaultOwnerID, nil
	}

	return "", identity.ErrOwnerNotFound
}
