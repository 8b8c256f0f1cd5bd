package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "kioskd:joblock:"

	// opTimeout bounds every call against the lock backend so a hung Redis
	// connection cannot stall a scheduled job.
	opTimeout = 2 * time.Second
)

var (
	// ErrAlreadyHeld is returned by Acquire when another holder owns an
	// unexpired lease for the job.
	ErrAlreadyHeld = errors.New("job lock already held")

	// ErrLockLost is returned by Renew when the lease expired or was taken
	// over by another holder. The caller must stop its job.
	ErrLockLost = errors.New("job lock lost")
)

// renewScript extends the lease only while the caller still owns it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lease only while the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Client implements a distributed job lease on top of Redis. Acquisition is a
// single SET NX PX, so two workers can never both observe the lock as free.
type Client struct {
	rdb *redis.Client
}

// New connects to Redis at url (redis:// form) and verifies connectivity.
func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	return &Client{rdb: rdb}, nil
}

// Close releases the underlying Redis connection pool.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}

// Acquire takes the lease for job on behalf of holder. It returns
// ErrAlreadyHeld (wrapped with the current owner) when an unexpired lease
// exists.
func (c *Client) Acquire(ctx context.Context, job, holder string, ttl time.Duration) error {
	if c == nil {
		return errors.New("nil lock client")
	}
	if job == "" || holder == "" {
		return errors.New("job and holder are required")
	}
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := keyPrefix + job
	ok, err := c.rdb.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	owner, err := c.rdb.Get(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return fmt.Errorf("%w by %q", ErrAlreadyHeld, owner)
}

// Renew extends the lease for job if holder still owns it; otherwise it
// returns ErrLockLost and the caller must abort its in-progress job.
func (c *Client) Renew(ctx context.Context, job, holder string, ttl time.Duration) error {
	if c == nil {
		return errors.New("nil lock client")
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := renewScript.Run(ctx, c.rdb, []string{keyPrefix + job}, holder, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrLockLost
	}
	return nil
}

// Release gives up the lease if holder still owns it. Losing a race to expiry
// is not an error.
func (c *Client) Release(ctx context.Context, job, holder string) error {
	if c == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := releaseScript.Run(ctx, c.rdb, []string{keyPrefix + job}, holder).Int64()
	return err
}

// Ping verifies the lock backend is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil {
		return errors.New("lock backend not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}
