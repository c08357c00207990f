package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/job-pipeline/internal/models"
	"github.com/redis/go-redis/v9"
)

// CacheService provides JSON caching of pipeline read models
type CacheService struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCacheService creates a new cache service
func NewCacheService(client *redis.Client, ttl time.Duration) *CacheService {
	return &CacheService{
		client: client,
		ttl:    ttl,
	}
}

// CacheKeyType represents different types of cache keys
type CacheKeyType string

const (
	// CacheKeyStageCounts is for the per-stage job counts
	CacheKeyStageCounts CacheKeyType = "stage_counts"
)

// GenerateCacheKey generates a cache key for a given type and parameters
// Format: pipeline:<type>:<param1>:...
func (c *CacheService) GenerateCacheKey(keyType CacheKeyType, params ...string) string {
	parts := []string{"pipeline", string(keyType)}
	for _, p := range params {
		parts = append(parts, strings.ToLower(p))
	}
	return strings.Join(parts, ":")
}

// Set stores a value in cache with the configured TTL
func (c *CacheService) Set(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}

// Get retrieves a value from cache and deserializes it. A miss returns false and no error.
func (c *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get from cache: %w", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return true, nil
}

// Stage counts are stored under a generation key. Invalidation bumps the generation, so a
// write computed before an invalidation lands on a key that is never read again.
const stageCountsGeneration = "generation"

func (c *CacheService) stageCountsKey(generation int64) string {
	return c.GenerateCacheKey(CacheKeyStageCounts, "v"+strconv.FormatInt(generation, 10))
}

// StageCountsGeneration returns the current generation. It is 0 before the first invalidation.
func (c *CacheService) StageCountsGeneration(ctx context.Context) (int64, error) {
	generation, err := c.client.Get(ctx, c.GenerateCacheKey(CacheKeyStageCounts, stageCountsGeneration)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read stage count generation: %w", err)
	}
	return generation, nil
}

// GetStageCounts returns the cached stage counts of the current generation, if any, and the
// generation a fresh value must be stored under
func (c *CacheService) GetStageCounts(ctx context.Context) ([]models.StageCount, int64, bool, error) {
	generation, err := c.StageCountsGeneration(ctx)
	if err != nil {
		return nil, 0, false, err
	}
	var counts []models.StageCount
	found, err := c.Get(ctx, c.stageCountsKey(generation), &counts)
	if err != nil || !found {
		return nil, generation, false, err
	}
	return counts, generation, true, nil
}

// SetStageCounts caches counts that were computed while generation was current
func (c *CacheService) SetStageCounts(ctx context.Context, generation int64, counts []models.StageCount) error {
	return c.Set(ctx, c.stageCountsKey(generation), counts)
}

// InvalidateStageCounts moves to a new generation. Called after every job mutation.
func (c *CacheService) InvalidateStageCounts(ctx context.Context) error {
	if err := c.client.Incr(ctx, c.GenerateCacheKey(CacheKeyStageCounts, stageCountsGeneration)).Err(); err != nil {
		return fmt.Errorf("failed to bump stage count generation: %w", err)
	}
	return nil
}
