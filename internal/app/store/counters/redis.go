// internal/app/store/counters/redis.go
package counters

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// checkAndIncr checks every window key first and increments only when all are
// under their limit. Returns 0 when allowed, else the 1-based index of the
// first window at its limit.
//
// KEYS[i]            counter key for window i (includes the bucket start)
// ARGV[2i-1], ARGV[2i] limit and ttl in milliseconds (0 = no expiry)
var checkAndIncr = redis.NewScript(`
for i = 1, #KEYS do
  local current = tonumber(redis.call('GET', KEYS[i]) or '0')
  if current >= tonumber(ARGV[(i - 1) * 2 + 1]) then
    return i
  end
end
for i = 1, #KEYS do
  local n = redis.call('INCR', KEYS[i])
  local ttl = tonumber(ARGV[(i - 1) * 2 + 2])
  if n == 1 and ttl > 0 then
    redis.call('PEXPIRE', KEYS[i], ttl)
  end
end
return 0
`)

// Redis is a counter backend for deployments that share rate limits across
// many instances without a docstore round trip. The script runs atomically
// on the server, so concurrent callers cannot both pass a full window.
type Redis struct {
	rdb    redis.Scripter
	prefix string
	now    func() time.Time
}

// NewRedis creates a Redis counter backend. Keys are prefixed with prefix.
func NewRedis(rdb redis.Scripter, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix, now: time.Now}
}

func (r *Redis) key(scope, action string, w Window, start time.Time) string {
	return fmt.Sprintf("%s%s:%d", r.prefix, Key(scope, action, w.Name), start.Unix())
}

func (r *Redis) CheckAndIncrement(ctx context.Context, scope, action string, windows ...Window) (Decision, error) {
	if len(windows) == 0 {
		return Decision{Allowed: true}, nil
	}
	now := r.now().UTC()
	keys := make([]string, len(windows))
	args := make([]any, 0, 2*len(windows))
	for i, w := range windows {
		start := BucketStart(now, w.Size)
		keys[i] = r.key(scope, action, w, start)
		var ttl int64
		if !w.Lifetime() {
			// keep the key a little past rollover; a new bucket uses a new key
			ttl = start.Add(w.Size).Sub(now).Milliseconds() + int64(time.Second/time.Millisecond)
		}
		args = append(args, strconv.FormatInt(w.Limit, 10), strconv.FormatInt(ttl, 10))
	}

	idx, err := checkAndIncr.Run(ctx, r.rdb, keys, args...).Int()
	if err != nil {
		return Decision{}, err
	}
	if idx == 0 {
		return Decision{Allowed: true}, nil
	}
	w := windows[idx-1]
	d := Decision{Window: w.Name}
	if w.Lifetime() {
		d.Permanent = true
	} else {
		d.RetryAfter = BucketStart(now, w.Size).Add(w.Size).Sub(now)
	}
	return d, nil
}
