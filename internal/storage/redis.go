package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript moves an artifact out of its pool set and onto a challenge's
// lease set. Returns -1 if the artifact is gone, 0 if already leased.
var claimScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
local owner = redis.call("HGET", KEYS[1], "challenge")
if owner and owner ~= "0" then
	return 0
end
local scheme = redis.call("HGET", KEYS[1], "scheme")
local category = redis.call("HGET", KEYS[1], "category")
redis.call("ZREM", ARGV[1] .. "u:" .. scheme .. ":" .. category, ARGV[2])
local seq = redis.call("INCR", KEYS[2])
redis.call("HSET", KEYS[1], "challenge", ARGV[3], "expiry", ARGV[4], "seq", seq)
redis.call("ZADD", KEYS[3], seq, ARGV[2])
redis.call("INCR", KEYS[4])
return 1
`)

// RedisStore is a Redis-based implementation of PoolStore.
//
// Layout under the key prefix:
//
//	a:<id>                 artifact hash
//	u:<scheme>:<category>  unassigned IDs scored by cost
//	schemes                set of schemes
//	c:<scheme>             set of categories seen for a scheme
//	l:<challenge>          leased IDs scored by claim sequence
//	seq, leased            counters
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-based pool store
func NewRedisStore(address, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreFromClient(client, "flagpool:"), nil
}

// NewRedisStoreFromClient wraps an existing client with a key prefix
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) artifactKey(id string) string { return r.prefix + "a:" + id }
func (r *RedisStore) poolKey(scheme, category string) string {
	return r.prefix + "u:" + scheme + ":" + category
}
func (r *RedisStore) categoriesKey(scheme string) string { return r.prefix + "c:" + scheme }
func (r *RedisStore) leaseKey(challengeID int64) string {
	return r.prefix + "l:" + strconv.FormatInt(challengeID, 10)
}

// Add stores a new unassigned artifact
func (r *RedisStore) Add(ctx context.Context, a *Artifact) error {
	n, err := r.client.Exists(ctx, r.artifactKey(a.ID)).Result()
	if err != nil {
		return fmt.Errorf("add artifact: %w", err)
	}
	if n > 0 {
		return ErrDuplicate
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.artifactKey(a.ID), map[string]any{
			"plaintext":  hex.EncodeToString(a.Plaintext),
			"ciphertext": hex.EncodeToString(a.Ciphertext),
			"scheme":     a.Scheme,
			"category":   a.Category,
			"cost":       a.Cost,
			"created":    a.CreatedAt.UnixMicro(),
			"challenge":  0,
			"expiry":     0,
			"seq":        0,
		})
		pipe.ZAdd(ctx, r.poolKey(a.Scheme, a.Category), redis.Z{Score: float64(a.Cost), Member: a.ID})
		pipe.SAdd(ctx, r.prefix+"schemes", a.Scheme)
		pipe.SAdd(ctx, r.categoriesKey(a.Scheme), a.Category)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add artifact: %w", err)
	}
	return nil
}

// FindCandidate returns an unassigned artifact for q
func (r *RedisStore) FindCandidate(ctx context.Context, q Query) (*Artifact, MatchTier, error) {
	categories := []string{q.Category}
	if q.Category == "" {
		var err error
		if categories, err = r.categories(ctx, q.Scheme); err != nil {
			return nil, TierNone, err
		}
	}

	band := &redis.ZRangeBy{
		Min:   strconv.Itoa(q.MinCost),
		Max:   strconv.Itoa(q.MaxCost),
		Count: 1,
	}
	for _, c := range categories {
		ids, err := r.client.ZRangeByScore(ctx, r.poolKey(q.Scheme, c), band).Result()
		if err != nil {
			return nil, TierNone, fmt.Errorf("query pool: %w", err)
		}
		if len(ids) > 0 {
			return r.load(ctx, ids[0], TierExact)
		}
	}

	if q.Category != "" {
		key := r.poolKey(q.Scheme, q.Category)
		below, err := r.client.ZRevRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
			Min: "-inf", Max: "(" + strconv.Itoa(q.MinCost), Count: 1,
		}).Result()
		if err != nil {
			return nil, TierNone, fmt.Errorf("query pool: %w", err)
		}
		above, err := r.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
			Min: "(" + strconv.Itoa(q.MaxCost), Max: "+inf", Count: 1,
		}).Result()
		if err != nil {
			return nil, TierNone, fmt.Errorf("query pool: %w", err)
		}

		var best *redis.Z
		if len(below) > 0 {
			best = &below[0]
		}
		if len(above) > 0 && (best == nil ||
			costDistance(int(above[0].Score), q.MinCost, q.MaxCost) < costDistance(int(best.Score), q.MinCost, q.MaxCost)) {
			best = &above[0]
		}
		if best != nil {
			return r.load(ctx, best.Member.(string), TierCategory)
		}
	}

	all, err := r.categories(ctx, q.Scheme)
	if err != nil {
		return nil, TierNone, err
	}
	for _, c := range all {
		ids, err := r.client.ZRange(ctx, r.poolKey(q.Scheme, c), 0, 0).Result()
		if err != nil {
			return nil, TierNone, fmt.Errorf("query pool: %w", err)
		}
		if len(ids) > 0 {
			return r.load(ctx, ids[0], TierScheme)
		}
	}

	return nil, TierNone, ErrNoCandidate
}

// Claim atomically leases an unassigned artifact to a challenge
func (r *RedisStore) Claim(ctx context.Context, artifactID string, challengeID int64, expiry time.Time) error {
	keys := []string{
		r.artifactKey(artifactID),
		r.prefix + "seq",
		r.leaseKey(challengeID),
		r.prefix + "leased",
	}
	res, err := claimScript.Run(ctx, r.client, keys, r.prefix, artifactID, challengeID, expiry.UnixMicro()).Int()
	if err != nil {
		return fmt.Errorf("claim artifact: %w", err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return ErrAlreadyClaimed
	default:
		return ErrNotFound
	}
}

// CurrentLease returns the most recently claimed artifact of a challenge
func (r *RedisStore) CurrentLease(ctx context.Context, challengeID int64) (*Artifact, error) {
	ids, err := r.client.ZRevRange(ctx, r.leaseKey(challengeID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("query lease: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	a, _, err := r.load(ctx, ids[0], TierNone)
	return a, err
}

// History returns every artifact leased to a challenge, newest first
func (r *RedisStore) History(ctx context.Context, challengeID int64) ([]*Artifact, error) {
	ids, err := r.client.ZRevRange(ctx, r.leaseKey(challengeID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	out := make([]*Artifact, 0, len(ids))
	for _, id := range ids {
		a, _, err := r.load(ctx, id, TierNone)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// SetExpiry changes the expiry of a leased artifact
func (r *RedisStore) SetExpiry(ctx context.Context, artifactID string, expiry time.Time) error {
	key := r.artifactKey(artifactID)
	owner, err := r.client.HGet(ctx, key, "challenge").Result()
	if err == redis.Nil || owner == "0" {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup artifact: %w", err)
	}
	if err := r.client.HSet(ctx, key, "expiry", expiry.UnixMicro()).Err(); err != nil {
		return fmt.Errorf("set expiry: %w", err)
	}
	return nil
}

// Release deletes all artifacts leased to a challenge
func (r *RedisStore) Release(ctx context.Context, challengeID int64) (int, error) {
	lk := r.leaseKey(challengeID)
	ids, err := r.client.ZRange(ctx, lk, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("query lease: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, r.artifactKey(id))
	}
	keys = append(keys, lk)

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.DecrBy(ctx, r.prefix+"leased", int64(len(ids)))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("release artifacts: %w", err)
	}
	return len(ids), nil
}

// CountUnassigned returns the pool backlog of one pipeline
func (r *RedisStore) CountUnassigned(ctx context.Context, scheme, category string) (int, error) {
	n, err := r.client.ZCard(ctx, r.poolKey(scheme, category)).Result()
	if err != nil {
		return 0, fmt.Errorf("count unassigned: %w", err)
	}
	return int(n), nil
}

// Stats returns pool counts
func (r *RedisStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Unassigned: make(map[Pair]int)}

	schemes, err := r.client.SMembers(ctx, r.prefix+"schemes").Result()
	if err != nil {
		return st, fmt.Errorf("query schemes: %w", err)
	}
	for _, s := range schemes {
		cats, err := r.categories(ctx, s)
		if err != nil {
			return st, err
		}
		for _, c := range cats {
			n, err := r.CountUnassigned(ctx, s, c)
			if err != nil {
				return st, err
			}
			if n > 0 {
				st.Unassigned[Pair{Scheme: s, Category: c}] = n
			}
		}
	}

	leased, err := r.client.Get(ctx, r.prefix+"leased").Int()
	if err != nil && err != redis.Nil {
		return st, fmt.Errorf("count leased: %w", err)
	}
	st.Leased = leased
	return st, nil
}

// Ping checks the Redis connection
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) categories(ctx context.Context, scheme string) ([]string, error) {
	cats, err := r.client.SMembers(ctx, r.categoriesKey(scheme)).Result()
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	sort.Strings(cats)
	return cats, nil
}

func (r *RedisStore) load(ctx context.Context, id string, tier MatchTier) (*Artifact, MatchTier, error) {
	fields, err := r.client.HGetAll(ctx, r.artifactKey(id)).Result()
	if err != nil {
		return nil, TierNone, fmt.Errorf("load artifact: %w", err)
	}
	if len(fields) == 0 {
		return nil, TierNone, ErrNotFound
	}

	a, err := decodeArtifact(id, fields)
	if err != nil {
		return nil, TierNone, err
	}
	return a, tier, nil
}

// decodeArtifact parses an artifact hash. Missing or malformed fields are
// reported as ErrCorrupt.
func decodeArtifact(id string, fields map[string]string) (*Artifact, error) {
	corrupt := func(field string, err error) error {
		return fmt.Errorf("%w %s: %s: %w", ErrCorrupt, id, field, err)
	}

	a := &Artifact{
		ID:       id,
		Scheme:   fields["scheme"],
		Category: fields["category"],
	}
	var err error
	for _, f := range []struct {
		name string
		dst  *[]byte
	}{
		{"plaintext", &a.Plaintext},
		{"ciphertext", &a.Ciphertext},
	} {
		if *f.dst, err = hex.DecodeString(fields[f.name]); err != nil {
			return nil, corrupt(f.name, err)
		}
		if len(*f.dst) == 0 {
			return nil, corrupt(f.name, errors.New("empty"))
		}
	}

	var cost, created, expiry int64
	ints := []struct {
		name string
		dst  *int64
	}{
		{"cost", &cost},
		{"challenge", &a.ChallengeID},
		{"seq", &a.LeaseSeq},
		{"created", &created},
		{"expiry", &expiry},
	}
	for _, f := range ints {
		if *f.dst, err = strconv.ParseInt(fields[f.name], 10, 64); err != nil {
			return nil, corrupt(f.name, err)
		}
	}

	a.Cost = int(cost)
	a.CreatedAt = time.UnixMicro(created).UTC()
	if expiry != 0 {
		a.Expiry = time.UnixMicro(expiry).UTC()
	}
	return a, nil
}
