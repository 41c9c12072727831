// Package pubsub implements a Google Cloud Pub/Sub publisher for run
// completion events.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
)

// SendFunc delivers one message to a topic and returns the server message ID.
type SendFunc func(ctx context.Context, topic string, msg *pubsub.Message) (string, error)

// Publisher publishes JSON payloads to Pub/Sub topics.
type Publisher struct {
	send SendFunc
	stop func()
}

// New creates a Publisher backed by a Pub/Sub client. Topic handles are
// created lazily and stopped by Close.
func New(client *pubsub.Client) *Publisher {
	if client == nil {
		return &Publisher{}
	}
	var (
		mu     sync.Mutex
		topics = make(map[string]*pubsub.Topic)
	)
	send := func(ctx context.Context, topicID string, msg *pubsub.Message) (string, error) {
		mu.Lock()
		topic, ok := topics[topicID]
		if !ok {
			topic = client.Topic(topicID)
			topics[topicID] = topic
		}
		mu.Unlock()
		return topic.Publish(ctx, msg).Get(ctx)
	}
	stop := func() {
		mu.Lock()
		defer mu.Unlock()
		for id, topic := range topics {
			topic.Stop()
			delete(topics, id)
		}
	}
	return &Publisher{send: send, stop: stop}
}

// NewWithSender builds a Publisher around a custom send function.
func NewWithSender(send SendFunc) *Publisher {
	return &Publisher{send: send}
}

// Publish marshals the payload to JSON and publishes it to the topic. The
// caller's trace context travels in the message attributes.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p == nil || p.send == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: make(map[string]string)}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	id, err := p.send(ctx, topic, msg)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes and stops any topic handles.
func (p *Publisher) Close() {
	if p != nil && p.stop != nil {
		p.stop()
	}
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
