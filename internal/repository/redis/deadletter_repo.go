package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"payment_recovery/internal/domain"
	"payment_recovery/internal/repository"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "deadletter"

var _ repository.DeadLetterRepository = (*DeadLetterRepository)(nil)

// saveScript writes the entry and its company index entry in one step, and
// only when the entry key is not already taken. A failed SADD removes the
// entry again so a later Save can retry.
var saveScript = redis.NewScript(`
if redis.call("SETNX", KEYS[1], ARGV[1]) == 0 then
	return 0
end
local res = redis.pcall("SADD", KEYS[2], ARGV[2])
if type(res) == "table" and res.err then
	redis.call("DEL", KEYS[1])
	return res
end
return 1
`)

// DeadLetterRepository stores each entry as JSON under
// <prefix>:event:<provider>:<id> and indexes <provider>:<id> per company in a
// set. A second save of the same (provider, event) pair is rejected.
type DeadLetterRepository struct {
	client redis.UniversalClient
	prefix string
}

type Option func(*DeadLetterRepository)

func WithPrefix(prefix string) Option {
	return func(r *DeadLetterRepository) {
		if p := strings.Trim(prefix, ":"); p != "" {
			r.prefix = p
		}
	}
}

func NewDeadLetterRepository(client redis.UniversalClient, opts ...Option) *DeadLetterRepository {
	r := &DeadLetterRepository{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func member(providerID, eventID string) string {
	return providerID + ":" + eventID
}

func (r *DeadLetterRepository) eventKey(providerID, eventID string) string {
	return r.memberKey(member(providerID, eventID))
}

func (r *DeadLetterRepository) memberKey(m string) string {
	return fmt.Sprintf("%s:event:%s", r.prefix, m)
}

func (r *DeadLetterRepository) companyKey(companyID string) string {
	return fmt.Sprintf("%s:company:%s", r.prefix, companyID)
}

func (r *DeadLetterRepository) Save(ctx context.Context, entry *domain.DeadLetterEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter: %w", err)
	}

	keys := []string{r.eventKey(entry.ProviderID, entry.EventID), r.companyKey(entry.CompanyID)}
	created, err := saveScript.Run(ctx, r.client, keys, data, member(entry.ProviderID, entry.EventID)).Int()
	if err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("%w: dead letter %s/%s", repository.ErrDuplicate, entry.ProviderID, entry.EventID)
	}
	return nil
}

func (r *DeadLetterRepository) GetByEventID(ctx context.Context, providerID, eventID string) (*domain.DeadLetterEntry, error) {
	val, err := r.client.Get(ctx, r.eventKey(providerID, eventID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: dead letter %s/%s", repository.ErrNotFound, providerID, eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	return decodeEntry(val)
}

func (r *DeadLetterRepository) GetByCompanyID(ctx context.Context, companyID string) ([]*domain.DeadLetterEntry, error) {
	members, err := r.client.SMembers(ctx, r.companyKey(companyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list company dead letters: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(members))
	for _, m := range members {
		keys = append(keys, r.memberKey(m))
	}
	return r.load(ctx, keys)
}

func (r *DeadLetterRepository) GetAll(ctx context.Context) ([]*domain.DeadLetterEntry, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.prefix+":event:*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan dead letters: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return r.load(ctx, keys)
}

func (r *DeadLetterRepository) Delete(ctx context.Context, providerID, eventID string) error {
	entry, err := r.GetByEventID(ctx, providerID, eventID)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.eventKey(providerID, eventID))
		pipe.SRem(ctx, r.companyKey(entry.CompanyID), member(providerID, eventID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete dead letter: %w", err)
	}
	return nil
}

func (r *DeadLetterRepository) load(ctx context.Context, keys []string) ([]*domain.DeadLetterEntry, error) {
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load dead letters: %w", err)
	}

	result := make([]*domain.DeadLetterEntry, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			// deleted between index read and load
			continue
		}
		entry, err := decodeEntry(s)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func decodeEntry(val string) (*domain.DeadLetterEntry, error) {
	var entry domain.DeadLetterEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return nil, fmt.Errorf("failed to decode dead letter: %w", err)
	}
	return &entry, nil
}
