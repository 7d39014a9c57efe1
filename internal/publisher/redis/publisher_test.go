package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestPublisherReachesSubscribers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sub := client.Subscribe(ctx, "events")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	id, err := New(client).Publish(ctx, "events", []byte(`{"repo":"A","type":"vet-done"}`))
	require.NoError(t, err)
	require.Equal(t, "1", id)

	select {
	case msg := <-sub.Channel():
		require.Equal(t, `{"repo":"A","type":"vet-done"}`, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestPublisherReportsErrors(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	_, err = New(client).Publish(context.Background(), "events", []byte("x"))
	require.Error(t, err)
	_, err = New(nil).Publish(context.Background(), "events", nil)
	require.Error(t, err)
}
