package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"payment_recovery/internal/domain"
	"payment_recovery/internal/repository"
)

type deadLetterKey struct {
	providerID string
	eventID    string
}

func keyOf(entry *domain.DeadLetterEntry) deadLetterKey {
	return deadLetterKey{providerID: entry.ProviderID, eventID: entry.EventID}
}

type DeadLetterRepository struct {
	mu           sync.RWMutex
	entries      map[deadLetterKey]*domain.DeadLetterEntry
	companyIndex map[string][]deadLetterKey
}

func NewDeadLetterRepository() *DeadLetterRepository {
	return &DeadLetterRepository{
		entries:      make(map[deadLetterKey]*domain.DeadLetterEntry),
		companyIndex: make(map[string][]deadLetterKey),
	}
}

func (r *DeadLetterRepository) Save(ctx context.Context, entry *domain.DeadLetterEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := keyOf(entry)
	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("%w: dead letter %s/%s", repository.ErrDuplicate, entry.ProviderID, entry.EventID)
	}

	r.entries[key] = entry
	r.companyIndex[entry.CompanyID] = append(r.companyIndex[entry.CompanyID], key)

	return nil
}

func (r *DeadLetterRepository) GetByEventID(ctx context.Context, providerID, eventID string) (*domain.DeadLetterEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[deadLetterKey{providerID: providerID, eventID: eventID}]
	if !exists {
		return nil, fmt.Errorf("%w: dead letter %s/%s", repository.ErrNotFound, providerID, eventID)
	}
	return entry, nil
}

func (r *DeadLetterRepository) GetByCompanyID(ctx context.Context, companyID string) ([]*domain.DeadLetterEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.DeadLetterEntry
	for _, key := range r.companyIndex[companyID] {
		if entry, exists := r.entries[key]; exists {
			result = append(result, entry)
		}
	}

	sortByCreatedAt(result)

	return result, nil
}

func (r *DeadLetterRepository) GetAll(ctx context.Context) ([]*domain.DeadLetterEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.DeadLetterEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		result = append(result, entry)
	}

	sortByCreatedAt(result)

	return result, nil
}

func (r *DeadLetterRepository) Delete(ctx context.Context, providerID, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := deadLetterKey{providerID: providerID, eventID: eventID}
	entry, exists := r.entries[key]
	if !exists {
		return fmt.Errorf("%w: dead letter %s/%s", repository.ErrNotFound, providerID, eventID)
	}

	delete(r.entries, key)

	ids := r.companyIndex[entry.CompanyID]
	if i := slices.Index(ids, key); i >= 0 {
		r.companyIndex[entry.CompanyID] = slices.Delete(ids, i, i+1)
	}

	return nil
}

func sortByCreatedAt(entries []*domain.DeadLetterEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
