package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultCallsPerMin int64 = 12
	backoffStep              = 500 * time.Millisecond
	backoffMax               = 3 * time.Second
	windowSeconds            = 60
)

var allowScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

// SourcePacer throttles calls against an external clinical system to a
// per-minute budget shared across engine instances. Hospital portals are
// fragile; pacing keeps a batch from hammering one.
type SourcePacer struct {
	client      *goredis.Client
	callsPerMin int64
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	script      *goredis.Script
}

func NewSourcePacer(client *goredis.Client, callsPerMin int) (*SourcePacer, error) {
	return newSourcePacer(client, int64(callsPerMin), time.Now, sleepWithContext)
}

func newSourcePacer(
	client *goredis.Client,
	callsPerMin int64,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*SourcePacer, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if callsPerMin <= 0 {
		callsPerMin = defaultCallsPerMin
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &SourcePacer{
		client:      client,
		callsPerMin: callsPerMin,
		now:         nowFn,
		sleep:       sleepFn,
		script:      allowScript,
	}, nil
}

func (p *SourcePacer) Allow(ctx context.Context, source string) (bool, error) {
	if p == nil || p.client == nil || p.script == nil {
		return false, fmt.Errorf("source pacer is not initialized")
	}

	normalized := strings.ToLower(strings.TrimSpace(source))
	if normalized == "" {
		return false, fmt.Errorf("source is required")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	window := p.now().UTC().Unix() / windowSeconds
	key := fmt.Sprintf("pace:%s:%d", normalized, window)
	result, err := p.script.Run(ctx, p.client, []string{key}, p.callsPerMin, windowSeconds).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate source pace: %w", err)
	}

	return result == 1, nil
}

func (p *SourcePacer) Wait(ctx context.Context, source string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	backoff := backoffStep
	for {
		allowed, err := p.Allow(ctx, source)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		if err := p.sleep(ctx, backoff); err != nil {
			return err
		}

		backoff += backoffStep
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
