package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-relay/pkg/config"
	"github.com/zoff-tech/go-relay/pkg/spool"
)

// PubSubLinkCreator defines a function type for creating Pub/Sub links.
type PubSubLinkCreator func(settings *config.BrokerSettings, opts ...option.ClientOption) Link

// NewPubSubLink is the default implementation of PubSubLinkCreator.
var NewPubSubLink PubSubLinkCreator = func(settings *config.BrokerSettings, opts ...option.ClientOption) Link {
	return &pubSubLink{settings: settings, opts: opts}
}

type pubSubLink struct {
	mu       sync.Mutex
	settings *config.BrokerSettings
	opts     []option.ClientOption

	client *pubsub.Client
	topic  *pubsub.Topic
	alive  atomic.Bool
}

func (p *pubSubLink) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closeLocked()

	ctx, cancel := context.WithTimeout(ctx, p.settings.ConnectTimeout)
	defer cancel()

	client, err := pubsub.NewClient(ctx, p.settings.ProjectID, p.opts...)
	if err != nil {
		return fmt.Errorf("%w: pubsub client: %v", ErrConnectFailed, err)
	}

	topic := client.Topic(p.settings.Queue)
	ok, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return fmt.Errorf("%w: topic lookup: %v", ErrConnectFailed, err)
	}
	if !ok {
		client.Close()
		return fmt.Errorf("%w: topic %s does not exist", ErrConnectFailed, p.settings.Queue)
	}
	topic.EnableMessageOrdering = true

	p.client = client
	p.topic = topic
	p.alive.Store(true)
	return nil
}

func (p *pubSubLink) Publish(ctx context.Context, target spool.Target, body []byte, headers map[string]string) error {
	tracer := otel.Tracer("go-relay")
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(target.Queue),
		),
	)
	defer span.End()

	p.mu.Lock()
	topic := p.topic
	p.mu.Unlock()

	if topic == nil || !p.alive.Load() {
		return ErrNotConnected
	}

	// Inject the trace context into the message attributes
	propagator := otel.GetTextMapPropagator()
	propagator.Inject(ctx, propagation.MapCarrier(headers))

	res := topic.Publish(ctx, &pubsub.Message{
		Data:        body,
		Attributes:  headers,
		OrderingKey: target.RoutingKey,
	})
	if _, err := res.Get(ctx); err != nil { // wait for server ack
		// A failed ordered publish pauses the key until resumed.
		topic.ResumePublish(target.RoutingKey)
		p.alive.Store(false)
		span.RecordError(err)
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(body)),
	)

	return nil
}

func (p *pubSubLink) IsAlive() bool {
	return p.alive.Load()
}

func (p *pubSubLink) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}

func (p *pubSubLink) closeLocked() {
	p.alive.Store(false)
	if p.topic != nil {
		p.topic.Stop()
		p.topic = nil
	}
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
}
