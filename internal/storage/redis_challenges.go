package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// updateIfExists overwrites hash fields only when the hash is still there
var updateIfExists = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV))
return 1
`)

// RedisChallenges stores challenge records and solves next to a RedisStore.
//
// Layout under the key prefix:
//
//	ch:seq          ID counter, never reset
//	ch:<id>         record hash
//	ch:<id>:solves  set of account IDs
type RedisChallenges struct {
	client *redis.Client
	prefix string
}

// NewRedisChallenges shares the store's client and key prefix
func NewRedisChallenges(store *RedisStore) *RedisChallenges {
	return &RedisChallenges{client: store.client, prefix: store.prefix}
}

func (r *RedisChallenges) recordKey(id int64) string {
	return r.prefix + "ch:" + strconv.FormatInt(id, 10)
}

func (r *RedisChallenges) solvesKey(id int64) string {
	return r.recordKey(id) + ":solves"
}

func recordFields(c *ChallengeRecord) []any {
	return []any{
		"name", c.Name,
		"description", c.Description,
		"state", c.State,
		"value", c.Value,
		"initial", c.Initial,
		"minimum", c.Minimum,
		"decay", c.Decay,
		"scheme", c.Scheme,
		"category", c.Category,
		"min_queries", c.MinQueries,
		"max_queries", c.MaxQueries,
		"interval", c.Interval,
	}
}

// Create stores a record under the next ID
func (r *RedisChallenges) Create(ctx context.Context, c *ChallengeRecord) (int64, error) {
	id, err := r.client.Incr(ctx, r.prefix+"ch:seq").Result()
	if err != nil {
		return 0, fmt.Errorf("allocate challenge id: %w", err)
	}

	fields := append(recordFields(c), "type", c.Type, "created", time.Now().UnixMicro())
	if err := r.client.HSet(ctx, r.recordKey(id), fields...).Err(); err != nil {
		return 0, fmt.Errorf("insert challenge: %w", err)
	}
	return id, nil
}

// Get returns the record with the given ID or ErrNotFound
func (r *RedisChallenges) Get(ctx context.Context, id int64) (*ChallengeRecord, error) {
	fields, err := r.client.HGetAll(ctx, r.recordKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("query challenge: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	c := &ChallengeRecord{
		ID:          id,
		Type:        fields["type"],
		Name:        fields["name"],
		Description: fields["description"],
		State:       fields["state"],
		Scheme:      fields["scheme"],
		Category:    fields["category"],
	}
	ints := []struct {
		name string
		dst  *int
	}{
		{"value", &c.Value},
		{"initial", &c.Initial},
		{"minimum", &c.Minimum},
		{"decay", &c.Decay},
		{"min_queries", &c.MinQueries},
		{"max_queries", &c.MaxQueries},
		{"interval", &c.Interval},
	}
	for _, f := range ints {
		if *f.dst, err = strconv.Atoi(fields[f.name]); err != nil {
			return nil, fmt.Errorf("decode challenge %d %s: %w", id, f.name, err)
		}
	}
	created, err := strconv.ParseInt(fields["created"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode challenge %d created: %w", id, err)
	}
	c.CreatedAt = time.UnixMicro(created).UTC()
	return c, nil
}

// Update overwrites every mutable field of a record
func (r *RedisChallenges) Update(ctx context.Context, c *ChallengeRecord) error {
	ok, err := updateIfExists.Run(ctx, r.client, []string{r.recordKey(c.ID)}, recordFields(c)...).Int()
	if err != nil {
		return fmt.Errorf("update challenge: %w", err)
	}
	if ok == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a record and its solves
func (r *RedisChallenges) Delete(ctx context.Context, id int64) error {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.recordKey(id))
		pipe.Del(ctx, r.solvesKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete challenge: %w", err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordSolve stores a solve and reports whether it was new for the account
func (r *RedisChallenges) RecordSolve(ctx context.Context, challengeID, accountID int64) (bool, error) {
	n, err := r.client.Exists(ctx, r.recordKey(challengeID)).Result()
	if err != nil {
		return false, fmt.Errorf("insert solve: %w", err)
	}
	if n == 0 {
		return false, ErrNotFound
	}

	added, err := r.client.SAdd(ctx, r.solvesKey(challengeID), accountID).Result()
	if err != nil {
		return false, fmt.Errorf("insert solve: %w", err)
	}
	return added == 1, nil
}

// CountSolves returns the number of accounts that solved a challenge
func (r *RedisChallenges) CountSolves(ctx context.Context, challengeID int64) (int, error) {
	n, err := r.client.SCard(ctx, r.solvesKey(challengeID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("count solves: %w", err)
	}
	return int(n), nil
}
