// internal/app/system/fanout/redis.go
package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix is prepended to the recipient id to form the
// per-user pub/sub channel.
const DefaultChannelPrefix = "crewhub:user:"

// RedisTransport publishes a batch to each recipient's channel through one
// pipeline round trip.
type RedisTransport struct {
	rdb    redis.Cmdable
	prefix string
}

// NewRedisTransport creates a RedisTransport.
func NewRedisTransport(rdb redis.Cmdable, prefix string) *RedisTransport {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisTransport{rdb: rdb, prefix: prefix}
}

// Channel returns the pub/sub channel of a recipient.
func (t *RedisTransport) Channel(recipientID string) string {
	return t.prefix + recipientID
}

// Deliver implements Transport.
func (t *RedisTransport) Deliver(ctx context.Context, b Batch) ([]Result, error) {
	msg, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}

	pipe := t.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(b.Recipients))
	for i, id := range b.Recipients {
		cmds[i] = pipe.Publish(ctx, t.Channel(id), msg)
	}
	// Exec reports the first failed command; per-recipient errors are on cmds.
	if _, err := pipe.Exec(ctx); err != nil && allFailed(cmds) {
		return nil, fmt.Errorf("redis publish: %w", err)
	}

	out := make([]Result, len(b.Recipients))
	for i, id := range b.Recipients {
		out[i] = Result{RecipientID: id, Err: cmds[i].Err()}
	}
	return out, nil
}

func allFailed(cmds []*redis.IntCmd) bool {
	for _, c := range cmds {
		if c.Err() == nil {
			return false
		}
	}
	return true
}
