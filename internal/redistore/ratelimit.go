package redistore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reliapi/ledger-engine/internal/repository"
)

// checkScript is an atomic count-and-increment over per-second buckets
// kept in one hash. Buckets older than the window are dropped on every
// check, which is what makes the window slide instead of reset.
var checkScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local fields = redis.call('HGETALL', KEYS[1])
local total = 0
local oldest = now
for i = 1, #fields, 2 do
  local ts = tonumber(fields[i])
  if ts <= now - window then
    redis.call('HDEL', KEYS[1], fields[i])
  else
    total = total + tonumber(fields[i + 1])
    if ts < oldest then oldest = ts end
  end
end
if total >= limit then
  return {0, 0, oldest + window - now}
end
redis.call('HINCRBY', KEYS[1], tostring(now), 1)
redis.call('EXPIRE', KEYS[1], window)
return {1, limit - total - 1, 0}
`)

type RateLimiter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client, now: time.Now}
}

func rateKey(scope string) string { return "rl:" + scope }

func (l *RateLimiter) Check(ctx context.Context, scope string, limit int, window time.Duration) (*repository.RateDecision, error) {
	raw, err := checkScript.Run(ctx, l.client,
		[]string{rateKey(scope)},
		l.now().Unix(), int64(window.Seconds()), limit,
	).Int64Slice()
	if err != nil {
		return nil, storeErr("Check", err)
	}

	return &repository.RateDecision{
		Allowed:    raw[0] == 1,
		Remaining:  int(raw[1]),
		RetryAfter: time.Duration(raw[2]) * time.Second,
	}, nil
}
