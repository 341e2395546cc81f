package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Asusman01/Carbon-Credit-Dapp/internal/credits"
)

// TransactionCache shields the ledger from hot transaction-history reads.
// The TTL is deliberately tiny: stale history is acceptable for about a
// second, a thundering herd on the ledger is not.
type TransactionCache struct {
	Redis *redis.Client
	TTL   time.Duration
}

// NewTransactionCache creates a cache with the default 1s TTL. A nil client
// disables caching.
func NewTransactionCache(client *redis.Client) *TransactionCache {
	return &TransactionCache{Redis: client, TTL: time.Second}
}

func (c *TransactionCache) enabled() bool {
	return c != nil && c.Redis != nil
}

// Get returns the cached entries for key, or ok=false on miss or error.
func (c *TransactionCache) Get(ctx context.Context, key string) ([]credits.Transaction, bool) {
	if !c.enabled() {
		return nil, false
	}
	raw, err := c.Redis.Get(ctx, "txns:"+key).Bytes()
	if err != nil {
		return nil, false
	}
	var txns []credits.Transaction
	if err := json.Unmarshal(raw, &txns); err != nil {
		return nil, false
	}
	return txns, true
}

// Set caches the entries under key. Failures are ignored; the cache is an
// optimization, never a source of truth.
func (c *TransactionCache) Set(ctx context.Context, key string, txns []credits.Transaction) {
	if !c.enabled() {
		return
	}
	raw, err := json.Marshal(txns)
	if err != nil {
		return
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = time.Second
	}
	c.Redis.Set(ctx, "txns:"+key, raw, ttl)
}
