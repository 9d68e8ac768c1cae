package broker

import (
	"fmt"

	"github.com/zoff-tech/go-relay/pkg/config"
)

// New builds the link selected by the configuration. The link starts out
// disconnected; the connection monitor drives Connect and Close.
func New(cfg *config.BrokerSettings) (Link, error) {
	switch cfg.Type {
	case "rabbitmq":
		return NewRabbitLink(cfg), nil
	case "pubsub":
		return NewPubSubLink(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}
