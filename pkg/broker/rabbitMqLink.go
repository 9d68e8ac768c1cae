package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/rs/zerolog/log"

	"github.com/zoff-tech/go-relay/pkg/config"
	"github.com/zoff-tech/go-relay/pkg/spool"
)

type RabbitLinkCreator func(settings *config.BrokerSettings) Link

// NewRabbitLink builds an unconnected RabbitMQ link. The connection monitor
// owns the lifecycle and calls Connect when it decides to.
var NewRabbitLink RabbitLinkCreator = func(settings *config.BrokerSettings) Link {
	return &rabbitMqLink{settings: settings}
}

type rabbitMqLink struct {
	mu       sync.Mutex
	settings *config.BrokerSettings

	connection *amqp.Connection
	channel    *amqp.Channel
	alive      atomic.Bool
}

func (r *rabbitMqLink) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Drop any remains of a previous session first.
	r.closeLocked()

	conn, err := amqp.DialConfig(r.settings.URL, amqp.Config{
		Dial:      amqp.DefaultDial(r.settings.ConnectTimeout),
		Heartbeat: 10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrConnectFailed, r.settings.URL, err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: open channel: %v", ErrConnectFailed, err)
	}

	// QueueDeclare is idempotent and has no effect if the queue is already in place
	if _, err := channel.QueueDeclare(
		r.settings.Queue, // name of the queue
		true,             // durable
		false,            // auto-deleted
		false,            // exclusive
		false,            // no-wait
		nil,              // arguments
	); err != nil {
		conn.Close()
		return fmt.Errorf("%w: declare queue: %v", ErrConnectFailed, err)
	}

	if r.settings.Exchange != "" {
		if err := channel.ExchangeDeclare(
			r.settings.Exchange, "topic", true, false, false, false, nil,
		); err != nil {
			conn.Close()
			return fmt.Errorf("%w: declare exchange: %v", ErrConnectFailed, err)
		}
		if err := channel.QueueBind(
			r.settings.Queue, r.settings.RoutingKey, r.settings.Exchange, false, nil,
		); err != nil {
			conn.Close()
			return fmt.Errorf("%w: bind queue: %v", ErrConnectFailed, err)
		}
	}

	// Flip the alive flag when the server closes the connection under us.
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-notifyClose; ok && err != nil {
			log.Warn().Err(err).Msg("rabbitmq connection closed by server")
		}
		r.alive.Store(false)
	}()

	r.connection = conn
	r.channel = channel
	r.alive.Store(true)
	return nil
}

func (r *rabbitMqLink) Publish(ctx context.Context, target spool.Target, body []byte, headers map[string]string) error {
	tracer := otel.Tracer("go-relay")
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKey.String(target.Queue),
			semconv.MessagingRabbitmqRoutingKeyKey.String(target.RoutingKey),
		),
	)
	defer span.End()

	r.mu.Lock()
	channel := r.channel
	r.mu.Unlock()

	if channel == nil || !r.alive.Load() {
		return ErrNotConnected
	}

	// Inject the trace context into the message headers
	propagator := otel.GetTextMapPropagator()
	propagator.Inject(ctx, propagation.MapCarrier(headers))

	amqpHeaders := make(amqp.Table, len(headers))
	for k, v := range headers {
		amqpHeaders[k] = v
	}

	exchange := r.settings.Exchange // empty means default exchange
	routingKey := target.RoutingKey
	if exchange == "" {
		routingKey = target.Queue
	}

	err := channel.Publish(
		exchange, routingKey, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
			Headers:      amqpHeaders,
		},
	)
	if err != nil {
		r.alive.Store(false)
		span.RecordError(err)
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(body)),
	)

	return nil
}

func (r *rabbitMqLink) IsAlive() bool {
	if !r.alive.Load() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connection != nil && !r.connection.IsClosed()
}

func (r *rabbitMqLink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
	return nil
}

// closeLocked tears down the current session. The caller must hold r.mu.
func (r *rabbitMqLink) closeLocked() {
	r.alive.Store(false)
	if r.channel != nil {
		r.channel.Close()
		r.channel = nil
	}
	if r.connection != nil && !r.connection.IsClosed() {
		if err := r.connection.Close(); err != nil {
			log.Debug().Err(err).Msg("closing rabbitmq connection")
		}
	}
	r.connection = nil
}
