package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel is the Redis channel the analysis workers publish to.
const DefaultChannel = "events"

// RedisSource reads frames from a Redis pub/sub channel.
type RedisSource struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisSource subscribes to channel on client when Run is called.
func NewRedisSource(client *redis.Client, channel string, logger *zap.Logger) *RedisSource {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSource{client: client, channel: channel, logger: logger.Named("redis_source")}
}

// Run forwards every message payload on the channel to handle.
func (s *RedisSource) Run(ctx context.Context, handle func(frame []byte)) error {
	if s.client == nil {
		return errors.New("redis client is required")
	}
	sub := s.client.Subscribe(ctx, s.channel)
	defer func() {
		if err := sub.Close(); err != nil {
			s.logger.Debug("closing redis subscription", zap.Error(err))
		}
	}()
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	s.logger.Info("subscribed to redis channel", zap.String("channel", s.channel))

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return fmt.Errorf("redis subscription %s closed", s.channel)
			}
			handle([]byte(msg.Payload))
		}
	}
}
