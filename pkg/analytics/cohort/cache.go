package cohort

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/synaptica-ai/cohortfilter/pkg/analytics/filter"
)

const cacheKeyPrefix = "cohortfilter:result:"

// Cache stores encoded query responses.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// CacheKey identifies a result by the filter set, the output options and the
// population version it was computed from.
func CacheKey(set filter.FilterSet, req QueryRequest, version int64) string {
	payload, _ := json.Marshal(struct {
		Filters         filter.FilterSet `json:"f"`
		IncludeSubjects bool             `json:"s"`
		Intersect       bool             `json:"i"`
	}{set, req.IncludeSubjects, req.Intersect})
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("%s%d:%s", cacheKeyPrefix, version, hex.EncodeToString(sum[:]))
}
