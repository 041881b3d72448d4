package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/inventory-ledger/internal/port"
)

const (
	leaseKeyPrefix  = "lease:"
	LowStockChannel = "inventory:low-stock"
)

var releaseLeaseScript = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]

if redis.call('GET', key) == owner then
	return redis.call('DEL', key)
end

return 0
`)

// RedisAdapter coordinates instances (leases) and fans out low-stock alerts.
// It never caches ledger quantities.
type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, leaseKeyPrefix+name, owner, ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "acquire lease")
	}

	return ok, nil
}

func (r *RedisAdapter) ReleaseLease(ctx context.Context, name, owner string) error {
	if err := releaseLeaseScript.Run(ctx, r.client, []string{leaseKeyPrefix + name}, owner).Err(); err != nil {
		return errors.Wrap(err, "release lease")
	}
	return nil
}

func (r *RedisAdapter) NotifyLowStock(ctx context.Context, alert port.LowStockAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return errors.Wrap(err, "encode alert")
	}

	return errors.Wrap(r.client.Publish(ctx, LowStockChannel, payload).Err(), "publish alert")
}
