package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RefreshLeaseRepository guards CRM token refreshes across replicas with a
// short Redis lease. A nil client means single-replica mode and every acquire succeeds.
type RefreshLeaseRepository struct {
	client *redis.Client
	prefix string
}

// NewRefreshLeaseRepository constructs the repository.
func NewRefreshLeaseRepository(client *redis.Client) *RefreshLeaseRepository {
	return &RefreshLeaseRepository{client: client, prefix: "crm:refresh-lease:"}
}

// Acquire tries to take the lease for connectionID. The returned token is
// needed to release it.
func (r *RefreshLeaseRepository) Acquire(ctx context.Context, connectionID string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	if r == nil || r.client == nil {
		return token, true, nil
	}
	ok, err := r.client.SetNX(ctx, r.prefix+connectionID, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire refresh lease: %w", err)
	}
	return token, ok, nil
}

// Release drops the lease if it is still held with token.
func (r *RefreshLeaseRepository) Release(ctx context.Context, connectionID, token string) error {
	if r == nil || r.client == nil {
		return nil
	}
	if err := releaseLeaseScript.Run(ctx, r.client, []string{r.prefix + connectionID}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release refresh lease: %w", err)
	}
	return nil
}
