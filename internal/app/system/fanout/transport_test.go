package fanout_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dalemusser/crewhub/internal/app/system/fanout"
	"github.com/dalemusser/crewhub/internal/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sampleBatch() fanout.Batch {
	return fanout.Batch{
		JobID:      "job-1",
		Type:       "post_created",
		CrewID:     "localsunited-1",
		ActorID:    "bob",
		Recipients: []string{"mo", "pat"},
		CreatedAt:  time.Date(2026, 5, 4, 7, 0, 0, 0, time.UTC),
	}
}

func TestWebhookTransport_PartialFailure(t *testing.T) {
	var got fanout.Batch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"failed":{"pat":"no device token"}}`))
	}))
	defer srv.Close()

	tr := fanout.NewWebhookTransport(srv.URL, fanout.WithHeader("Authorization", "Bearer s3cret"))
	results, err := tr.Deliver(context.Background(), sampleBatch())
	require.NoError(t, err)

	assert.Equal(t, []string{"mo", "pat"}, got.Recipients)
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.EqualError(t, results[1].Err, "no device token")
}

func TestWebhookTransport_EmptyBodyMeansDelivered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	results, err := fanout.NewWebhookTransport(srv.URL).Deliver(context.Background(), sampleBatch())
	require.NoError(t, err)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}
}

func TestWebhookTransport_Non2xxFailsBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := fanout.NewWebhookTransport(srv.URL).Deliver(context.Background(), sampleBatch())
	var se *fanout.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.Status)
}

func TestLogTransport_DeliversEveryone(t *testing.T) {
	results, err := fanout.LogTransport{Log: zap.NewNop()}.Deliver(context.Background(), sampleBatch())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "mo", results[0].RecipientID)
	assert.NoError(t, results[1].Err)
}

func TestRedisTransport_Publishes(t *testing.T) {
	addr := testutil.RedisAddr(t)
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	ctx, cancel := testutil.TestContext()
	defer cancel()

	tr := fanout.NewRedisTransport(rdb, "crewhub-test:"+testutil.UserID("ch")+":")
	sub := rdb.Subscribe(ctx, tr.Channel("mo"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	results, err := tr.Deliver(ctx, sampleBatch())
	require.NoError(t, err)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var b fanout.Batch
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &b))
	assert.Equal(t, "job-1", b.JobID)
}
