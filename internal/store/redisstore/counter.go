// Package redisstore implements the rate limiter's counter store on Redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/StricklySoft/clinic-auth/pkg/clients/redis"
	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
)

// incrementScript increments KEYS[1] and, when this call created the key,
// sets its expiry to ARGV[1] milliseconds. Running both in one script keeps
// a crash between INCR and PEXPIRE from leaving a counter without a TTL.
const incrementScript = `
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`

// Commands is the subset of *redis.Client used here.
type Commands interface {
	Get(ctx context.Context, key string) (string, error)
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)
}

var _ Commands = (*redis.Client)(nil)

// Counters is a fixed-window counter store.
type Counters struct {
	cmd Commands
}

// New returns a counter store backed by cmd.
func New(cmd Commands) *Counters {
	return &Counters{cmd: cmd}
}

// Count returns the current value of key; a missing key counts as zero.
func (c *Counters) Count(ctx context.Context, key string) (int64, error) {
	val, err := c.cmd.Get(ctx, key)
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, sserr.Wrapf(err, sserr.CodeInternalDatabase, "redisstore: counter %q is not an integer", key)
	}
	return n, nil
}

// Increment atomically adds one to key and returns the new value. The
// first increment of a key sets its TTL.
func (c *Counters) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, sserr.Validationf("redisstore: ttl must be positive, got %v", ttl)
	}
	res, err := c.cmd.Eval(ctx, incrementScript, []string{key}, ttl.Milliseconds())
	if err != nil {
		return 0, err
	}
	n, ok := res.(int64)
	if !ok {
		return 0, sserr.New(sserr.CodeInternalDatabase,
			fmt.Sprintf("redisstore: unexpected increment reply %T", res))
	}
	return n, nil
}
