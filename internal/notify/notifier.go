// Package notify publishes build events onto the workers' event bus, the
// producer half of what the relay consumes.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/buildwatch/internal/event"
)

// DefaultTopic is the bus channel or topic events are published on.
const DefaultTopic = "events"

// Publisher delivers encoded frames to a bus topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) (string, error)
}

// Notifier encodes events and hands them to a Publisher.
type Notifier struct {
	pub    Publisher
	topic  string
	logger *zap.Logger
}

// New constructs a Notifier. A nil pub yields a Notifier that only warns.
func New(pub Publisher, topic string, logger *zap.Logger) *Notifier {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{pub: pub, topic: topic, logger: logger.Named("notify")}
}

// SendEvent publishes an event without a payload.
func (n *Notifier) SendEvent(ctx context.Context, repo, desc, kind string) error {
	return n.SendEventWithPayload(ctx, repo, desc, kind, "")
}

// SendEventWithPayload publishes a fully populated event.
func (n *Notifier) SendEventWithPayload(ctx context.Context, repo, desc, kind, payload string) error {
	if n.pub == nil {
		n.logger.Warn("event bus is not configured, skipping event",
			zap.String("repo", repo), zap.String("kind", kind))
		return nil
	}
	if repo == "" || kind == "" {
		return fmt.Errorf("event needs repo and kind (repo=%q kind=%q)", repo, kind)
	}
	e := event.New(repo, kind, payload)
	e.Description = desc
	frame, err := event.Encode(e)
	if err != nil {
		return err
	}
	id, err := n.pub.Publish(ctx, n.topic, frame)
	if err != nil {
		return fmt.Errorf("send %s event for %s: %w", kind, repo, err)
	}
	n.logger.Debug("event published",
		zap.String("repo", repo),
		zap.String("kind", kind),
		zap.String("topic", n.topic),
		zap.String("id", id))
	return nil
}
