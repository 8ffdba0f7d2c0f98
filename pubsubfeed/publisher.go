package pubsubfeed

import (
	"context"
	"encoding/json"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"

	"github.com/skiffdb/skiff-go/skiff"
)

// Publisher announces committed writes on a change topic. Call PublishChange
// after the write has committed; the feed replays changes in publish order.
type Publisher struct {
	topic *pubsub.Topic
}

// NewPublisher wraps topic. The caller keeps ownership of the client the
// topic came from.
func NewPublisher(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// PublishChange marshals ch to JSON and publishes it, returning the
// server-assigned message ID. The calling trace context travels in the
// message attributes.
func (p *Publisher) PublishChange(ctx context.Context, ch Change) (string, error) {
	if p.topic == nil {
		return "", skiff.Errorf(skiff.KindFailedPrecondition, "change publisher is not configured")
	}
	if ch.Path == "" {
		return "", skiff.Errorf(skiff.KindInvalidArgument, "change path must not be empty")
	}
	data, err := json.Marshal(ch)
	if err != nil {
		return "", skiff.Errorf(skiff.KindInternal, "encode change for %q: %v", ch.Path, err)
	}

	msg := &pubsub.Message{Data: data, Attributes: make(map[string]string)}
	otel.GetTextMapPropagator().Inject(ctx, &messageCarrier{attrs: msg.Attributes})

	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", skiff.Errorf(skiff.KindUnavailable, "publish change for %q: %v", ch.Path, err)
	}
	return id, nil
}

// Close flushes pending messages and stops the topic's publish goroutines.
func (p *Publisher) Close() {
	if p.topic != nil {
		p.topic.Stop()
	}
}

// messageCarrier implements propagation.TextMapCarrier over Pub/Sub message
// attributes.
type messageCarrier struct {
	attrs map[string]string
}

func (c *messageCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *messageCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *messageCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
