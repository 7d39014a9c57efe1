package relay

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisSourceForwardsMessages(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	frames := make(chan string, 4)
	errCh := make(chan error, 1)
	go func() {
		errCh <- NewRedisSource(client, "", nil).Run(ctx, func(f []byte) { frames <- string(f) })
	}()

	// Publishing before the subscription exists reaches nobody, so retry
	// until exactly one receiver is reported.
	require.Eventually(t, func() bool {
		n, err := client.Publish(ctx, DefaultChannel, "first").Result()
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, client.Publish(ctx, DefaultChannel, "second").Err())

	require.Equal(t, "first", <-frames)
	require.Equal(t, "second", <-frames)

	cancel()
	require.NoError(t, <-errCh)
}

func TestRedisSourceRequiresClient(t *testing.T) {
	t.Parallel()

	err := NewRedisSource(nil, "events", nil).Run(context.Background(), func([]byte) {})
	require.Error(t, err)
}
