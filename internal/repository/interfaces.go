package repository

import (
	"context"
	"errors"

	"payment_recovery/internal/domain"
)

// DeadLetterRepository stores entries keyed by (ProviderID, EventID). Saving
// a pair that is already present fails with ErrDuplicate, which is what makes
// replays idempotent.
type DeadLetterRepository interface {
	Save(ctx context.Context, entry *domain.DeadLetterEntry) error
	GetByEventID(ctx context.Context, providerID, eventID string) (*domain.DeadLetterEntry, error)
	GetByCompanyID(ctx context.Context, companyID string) ([]*domain.DeadLetterEntry, error)
	GetAll(ctx context.Context) ([]*domain.DeadLetterEntry, error)
	Delete(ctx context.Context, providerID, eventID string) error
}

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate entry")
)
