package relay

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
)

// PubSubSource reads frames from a Google Cloud Pub/Sub subscription. Every
// message is acked after it has been handled; redelivery would only produce
// duplicate progress events.
type PubSubSource struct {
	sub    *pubsub.Subscription
	logger *zap.Logger
}

// NewPubSubSource receives from the named subscription on client.
func NewPubSubSource(client *pubsub.Client, subscriptionID string, logger *zap.Logger) (*PubSubSource, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	if subscriptionID == "" {
		return nil, errors.New("pubsub subscription is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sub := client.Subscription(subscriptionID)
	// One message in flight keeps frames in delivery order.
	sub.ReceiveSettings.MaxOutstandingMessages = 1
	return &PubSubSource{sub: sub, logger: logger.Named("pubsub_source")}, nil
}

// Run blocks in Receive until ctx ends.
func (s *PubSubSource) Run(ctx context.Context, handle func(frame []byte)) error {
	s.logger.Info("receiving from pubsub subscription", zap.String("subscription", s.sub.ID()))
	err := s.sub.Receive(ctx, func(_ context.Context, msg *pubsub.Message) {
		handle(msg.Data)
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive from %s: %w", s.sub.ID(), err)
	}
	return nil
}
