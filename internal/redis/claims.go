package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultClaimTTL bounds how long a crashed sender can block a delivery.
const DefaultClaimTTL = 10 * time.Minute

// ErrClaimHeld means another dispatch run is delivering the same message to
// the same person right now.
var ErrClaimHeld = errors.New("delivery claim held by another run")

// releaseScript deletes the claim only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Claims serialises concurrent dispatch runs per delivery key before the
// provider is called. The ledger's unique index stays the final arbiter;
// claims only keep two runs from both paying for the same send.
type Claims struct {
	client *Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewClaims creates a claim service. A zero ttl uses DefaultClaimTTL.
func NewClaims(client *Client, ttl time.Duration, logger *zap.Logger) *Claims {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	return &Claims{client: client, ttl: ttl, logger: logger}
}

// Claim reserves key with SET NX and returns the owner token needed to
// release it. A claim held elsewhere yields ErrClaimHeld.
func (c *Claims) Claim(ctx context.Context, key string) (string, error) {
	token := uuid.NewString()

	ok, err := c.client.rdb.SetNX(ctx, c.client.key("claim", key), token, c.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		c.logger.Debug("delivery claim held", zap.String("key", key))
		return "", ErrClaimHeld
	}
	return token, nil
}

// Release drops a claim we own so the next run can retry the delivery.
// Claims after a successful send are left to expire.
func (c *Claims) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, c.client.rdb, []string{c.client.key("claim", key)}, token).Err(); err != nil {
		return fmt.Errorf("redis release claim failed: %w", err)
	}
	return nil
}
