// Package redis implements a Redis pub/sub publisher.
package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Publisher issues PUBLISH commands on a Redis client.
type Publisher struct {
	client *redis.Client
}

// New creates a Publisher on client.
func New(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish sends payload on channel topic. Redis assigns no message IDs, so
// the returned ID is the number of subscribers that received the frame.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	if p.client == nil {
		return "", fmt.Errorf("redis client is not configured")
	}
	n, err := p.client.Publish(ctx, topic, payload).Result()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	return strconv.FormatInt(n, 10), nil
}
