package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Benagen/slobtrading-sub000/internal/models"
)

// RedisHotTier is an alternative HotTier backed by Redis, for deployments
// that run the engine as more than one process and need the hot tier
// shared rather than in-process. It satisfies the same HotTier contract
// as memoryHotTier but every operation is a round trip.
type RedisHotTier struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
	ctx    context.Context
}

// NewRedisHotTier constructs a HotTier backed by client. ttl bounds how
// long a candidate can sit in Redis without being refreshed by Put before
// it expires; pass 0 to disable expiry.
func NewRedisHotTier(client *redis.Client, ttl time.Duration, logger *log.Logger) *RedisHotTier {
	if logger == nil {
		logger = log.Default()
	}
	return &RedisHotTier{client: client, ttl: ttl, logger: logger, ctx: context.Background()}
}

func candidateKey(symbol, id string) string {
	return fmt.Sprintf("slobcore:setup:%s:%s", symbol, id)
}

func symbolIndexKey(symbol string) string {
	return fmt.Sprintf("slobcore:setups:%s", symbol)
}

// Put upserts a candidate and adds it to its symbol's index set.
func (r *RedisHotTier) Put(c *models.SetupCandidate) {
	payload, err := json.Marshal(c)
	if err != nil {
		r.logger.Printf("statestore: redis marshal failed for %s: %v", c.ID, err)
		return
	}
	pipe := r.client.TxPipeline()
	pipe.Set(r.ctx, candidateKey(c.Symbol, c.ID), payload, r.ttl)
	pipe.SAdd(r.ctx, symbolIndexKey(c.Symbol), c.ID)
	if _, err := pipe.Exec(r.ctx); err != nil {
		r.logger.Printf("statestore: redis put failed for %s: %v", c.ID, err)
	}
}

// Get fetches one candidate by symbol and ID.
func (r *RedisHotTier) Get(symbol, id string) (*models.SetupCandidate, bool) {
	payload, err := r.client.Get(r.ctx, candidateKey(symbol, id)).Bytes()
	if err != nil {
		return nil, false
	}
	var c models.SetupCandidate
	if err := json.Unmarshal(payload, &c); err != nil {
		r.logger.Printf("statestore: redis unmarshal failed for %s: %v", id, err)
		return nil, false
	}
	return &c, true
}

// Delete removes a candidate and its index entry.
func (r *RedisHotTier) Delete(symbol, id string) {
	pipe := r.client.TxPipeline()
	pipe.Del(r.ctx, candidateKey(symbol, id))
	pipe.SRem(r.ctx, symbolIndexKey(symbol), id)
	if _, err := pipe.Exec(r.ctx); err != nil {
		r.logger.Printf("statestore: redis delete failed for %s: %v", id, err)
	}
}

// ListActive returns every candidate indexed under symbol.
func (r *RedisHotTier) ListActive(symbol string) []*models.SetupCandidate {
	ids, err := r.client.SMembers(r.ctx, symbolIndexKey(symbol)).Result()
	if err != nil {
		r.logger.Printf("statestore: redis list failed for %s: %v", symbol, err)
		return nil
	}
	out := make([]*models.SetupCandidate, 0, len(ids))
	for _, id := range ids {
		if c, ok := r.Get(symbol, id); ok {
			out = append(out, c)
		}
	}
	return out
}

// ListAllActive is not efficient over Redis (it requires a key scan across
// every symbol index) and is intended for diagnostics only, not the hot
// path.
func (r *RedisHotTier) ListAllActive() []*models.SetupCandidate {
	var out []*models.SetupCandidate
	iter := r.client.Scan(r.ctx, 0, "slobcore:setups:*", 0).Iterator()
	for iter.Next(r.ctx) {
		symbol := iter.Val()[len("slobcore:setups:"):]
		out = append(out, r.ListActive(symbol)...)
	}
	if err := iter.Err(); err != nil {
		r.logger.Printf("statestore: redis scan failed: %v", err)
	}
	return out
}
