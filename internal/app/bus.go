package app

import (
	"context"
	"errors"
	"fmt"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/buildwatch/internal/config"
	"github.com/JakeFAU/buildwatch/internal/notify"
	pubsubpublisher "github.com/JakeFAU/buildwatch/internal/publisher/pubsub"
	redispublisher "github.com/JakeFAU/buildwatch/internal/publisher/redis"
	"github.com/JakeFAU/buildwatch/internal/relay"
)

// RelaySource builds the event bus reader selected by relay.source.
func (a *App) RelaySource(ctx context.Context) (relay.Source, error) {
	switch a.cfg.Relay.Source {
	case config.SourceRedis:
		client, err := a.redis(ctx)
		if err != nil {
			return nil, err
		}
		return relay.NewRedisSource(client, a.cfg.Relay.Channel, a.logger), nil
	case config.SourcePubSub:
		if a.cfg.PubSub.Subscription == "" {
			return nil, errors.New("pubsub.subscription must be set to relay from pubsub")
		}
		client, err := a.pubsub(ctx)
		if err != nil {
			return nil, err
		}
		return relay.NewPubSubSource(client, a.cfg.PubSub.Subscription, a.logger)
	default:
		return nil, fmt.Errorf("unknown relay source %q", a.cfg.Relay.Source)
	}
}

// Notifier builds an event publisher on the bus selected by relay.source.
func (a *App) Notifier(ctx context.Context) (*notify.Notifier, error) {
	switch a.cfg.Relay.Source {
	case config.SourceRedis:
		client, err := a.redis(ctx)
		if err != nil {
			return nil, err
		}
		return notify.New(redispublisher.New(client), a.cfg.Relay.Channel, a.logger), nil
	case config.SourcePubSub:
		if a.cfg.PubSub.TopicName == "" {
			return nil, errors.New("pubsub.topic_name must be set to publish to pubsub")
		}
		client, err := a.pubsub(ctx)
		if err != nil {
			return nil, err
		}
		pub := pubsubpublisher.New(client)
		a.mu.Lock()
		a.onClose(func(context.Context) error {
			pub.Close()
			return nil
		})
		a.mu.Unlock()
		return notify.New(pub, a.cfg.PubSub.TopicName, a.logger), nil
	default:
		return nil, fmt.Errorf("unknown relay source %q", a.cfg.Relay.Source)
	}
}

func (a *App) redis(ctx context.Context) (*redis.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.redisClient != nil {
		return a.redisClient, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", a.cfg.Redis.Addr, err)
	}
	a.logger.Info("connected to redis", zap.String("addr", a.cfg.Redis.Addr))
	a.redisClient = client
	a.onClose(func(context.Context) error {
		if err := client.Close(); err != nil {
			return fmt.Errorf("close redis: %w", err)
		}
		return nil
	})
	return client, nil
}

func (a *App) pubsub(ctx context.Context) (*gpubsub.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pubsubClient != nil {
		return a.pubsubClient, nil
	}
	client, err := gpubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	a.logger.Info("connected to pubsub", zap.String("project", a.cfg.PubSub.ProjectID))
	a.pubsubClient = client
	a.onClose(func(context.Context) error {
		if err := client.Close(); err != nil {
			return fmt.Errorf("close pubsub: %w", err)
		}
		return nil
	})
	return client, nil
}
