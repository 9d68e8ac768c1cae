package config

import "time"

// BrokerSettings holds configuration for connecting to a message broker.
type BrokerSettings struct {
	Type           string        `mapstructure:"type" validate:"required,oneof=rabbitmq pubsub"`
	URL            string        `mapstructure:"url"`
	Queue          string        `mapstructure:"queue" validate:"required"`
	Exchange       string        `mapstructure:"exchange"`
	RoutingKey     string        `mapstructure:"routing_key"`
	ProjectID      string        `mapstructure:"project_id"` // Optional, for GCP Pub/Sub
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

func (b *BrokerSettings) applyDefaults() {
	if b.RoutingKey == "" {
		b.RoutingKey = b.Queue
	}
	if b.ConnectTimeout <= 0 {
		b.ConnectTimeout = 5 * time.Second
	}
}
