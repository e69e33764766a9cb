package timeouts_test

import (
	"context"
	"testing"
	"time"

	"github.com/dalemusser/crewhub/internal/app/system/timeouts"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestConfigure_IgnoresZero(t *testing.T) {
	t.Cleanup(timeouts.Reset)

	timeouts.Configure(timeouts.Config{Short: 7 * time.Second})
	assert.Equal(t, 7*time.Second, timeouts.Short())
	assert.Equal(t, timeouts.DefaultLong, timeouts.Long())

	timeouts.Reset()
	assert.Equal(t, timeouts.DefaultShort, timeouts.Short())
}

func TestConfigureFromEnv(t *testing.T) {
	t.Cleanup(timeouts.Reset)
	t.Setenv("CREWHUB_TIMEOUT_PING", "500ms")
	t.Setenv("CREWHUB_TIMEOUT_BATCH", "2m")
	t.Setenv("CREWHUB_TIMEOUT_LONG", "soon")

	n := timeouts.ConfigureFromEnv()
	assert.Equal(t, 2, n)
	cur := timeouts.Current()
	assert.Equal(t, 500*time.Millisecond, cur.Ping)
	assert.Equal(t, 2*time.Minute, cur.Batch)
	assert.Equal(t, timeouts.DefaultLong, cur.Long)
}

func TestWithTimeout_LogsDeadline(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	ctx, cancel := timeouts.WithTimeout(context.Background(), time.Millisecond, zap.New(core), "slow op")
	<-ctx.Done()
	cancel()
	assert.Equal(t, 1, logs.FilterMessage("operation timed out").Len())

	ctx, cancel = timeouts.WithTimeout(context.Background(), time.Hour, zap.New(core), "fast op")
	cancel()
	assert.Equal(t, 1, logs.Len())
	_ = ctx
}
