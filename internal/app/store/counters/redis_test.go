package counters_test

import (
	"testing"
	"time"

	"github.com/dalemusser/crewhub/internal/app/store/counters"
	"github.com/dalemusser/crewhub/internal/testutil"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedis_CheckAndIncrement(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: testutil.RedisAddr(t)})
	defer rdb.Close()

	ctx, cancel := testutil.TestContext()
	defer cancel()

	store := counters.NewRedis(rdb, "crewhub-test:"+uuid.NewString()+":")
	minute := counters.Window{Name: "1m", Size: time.Minute, Limit: 3}
	lifetime := counters.Window{Name: "lifetime", Limit: 4}

	allowed := 0
	for i := 0; i < 5; i++ {
		d, err := store.CheckAndIncrement(ctx, "u", "message", minute, lifetime)
		require.NoError(t, err)
		if d.Allowed {
			allowed++
		} else {
			assert.Equal(t, "1m", d.Window)
			assert.Greater(t, d.RetryAfter, time.Duration(0))
		}
	}
	assert.Equal(t, 3, allowed)
}
