package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The Redis tests need a live server; set REDIS_ADDR to run them.
func redisAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	return addr
}

// openRedis returns a store under a fresh key prefix. The keys are removed
// when the test ends.
func openRedis(t *testing.T, addr, prefix string) *RedisStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())

	s := NewRedisStoreFromClient(client, prefix)
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		s.Close()
	})
	return s
}

func testPrefix() string {
	return fmt.Sprintf("flagpool-test:%d:", time.Now().UnixNano())
}

func TestRedisStore(t *testing.T) {
	addr := redisAddr(t)
	runStoreSuite(t, func(t *testing.T) PoolStore {
		return openRedis(t, addr, testPrefix())
	})
}

func TestRedisChallenges(t *testing.T) {
	s := openRedis(t, redisAddr(t), testPrefix())
	runChallengeSuite(t, NewRedisChallenges(s))
}

func TestRedis_ReopenKeepsChallengesAndLeases(t *testing.T) {
	ctx := context.Background()
	addr := redisAddr(t)
	prefix := testPrefix()
	expiry := time.Date(2026, 6, 1, 9, 10, 0, 0, time.UTC)

	before := openRedis(t, addr, prefix)
	records := NewRedisChallenges(before)
	first, err := records.Create(ctx, testRecord())
	require.NoError(t, err)
	require.NoError(t, before.Add(ctx, artifact("leased", "PKCS1v15", "Bleichenbacher", 2000)))
	require.NoError(t, before.Claim(ctx, "leased", first, expiry))

	// a second process on the same keys
	after := openRedis(t, addr, prefix)
	records = NewRedisChallenges(after)

	rec, err := records.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "padding", rec.Name)

	second, err := records.Create(ctx, testRecord())
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	_, err = after.CurrentLease(ctx, second)
	assert.ErrorIs(t, err, ErrNotFound)
	cur, err := after.CurrentLease(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "leased", cur.ID)
	assert.True(t, cur.Expiry.Equal(expiry))
}

func TestRedisStore_CorruptArtifact(t *testing.T) {
	ctx := context.Background()
	s := openRedis(t, redisAddr(t), testPrefix())

	require.NoError(t, s.Add(ctx, artifact("bad", "OAEP", "Manger", 10)))
	require.NoError(t, s.client.HSet(ctx, s.artifactKey("bad"), "cost", "ten").Err())

	_, _, err := s.FindCandidate(ctx, Query{Scheme: "OAEP", Category: "Manger", MinCost: 0, MaxCost: 100})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.Contains(t, err.Error(), "cost")
}

func TestDecodeArtifact(t *testing.T) {
	valid := func() map[string]string {
		return map[string]string{
			"plaintext":  "deadbeef",
			"ciphertext": "0102",
			"scheme":     "OAEP",
			"category":   "Manger",
			"cost":       "4242",
			"created":    "1780304400000000",
			"challenge":  "7",
			"expiry":     "1780305000000000",
			"seq":        "3",
		}
	}

	a, err := decodeArtifact("a1", valid())
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, a.Plaintext)
	assert.Equal(t, 4242, a.Cost)
	assert.Equal(t, int64(7), a.ChallengeID)
	assert.Equal(t, int64(3), a.LeaseSeq)
	assert.True(t, a.CreatedAt.Equal(time.UnixMicro(1780304400000000)))
	assert.True(t, a.Expiry.Equal(time.UnixMicro(1780305000000000)))

	fields := valid()
	fields["expiry"] = "0"
	a, err = decodeArtifact("a1", fields)
	require.NoError(t, err)
	assert.True(t, a.Expiry.IsZero())

	for _, field := range []string{"plaintext", "ciphertext", "cost", "created", "challenge", "expiry", "seq"} {
		t.Run(field, func(t *testing.T) {
			fields := valid()
			fields[field] = "zz"
			_, err := decodeArtifact("a1", fields)
			assert.ErrorIs(t, err, ErrCorrupt)
			assert.Contains(t, err.Error(), field)

			delete(fields, field)
			_, err = decodeArtifact("a1", fields)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}
