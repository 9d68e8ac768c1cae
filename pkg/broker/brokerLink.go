package broker

import (
	"context"

	"github.com/zoff-tech/go-relay/pkg/spool"
)

// Link represents one connection session to the remote broker. Every call may
// fail; callers treat the link as unreliable and never block on its recovery.
type Link interface {
	// Connect establishes transport, authenticates and declares the
	// destination. It must respect the configured timeout and fail fast
	// rather than hang.
	Connect(ctx context.Context) error
	// Publish sends exactly one message, marked persistent where the broker
	// supports it. Headers are attached to the message as-is.
	Publish(ctx context.Context, target spool.Target, body []byte, headers map[string]string) error
	// IsAlive is a cheap, non-blocking liveness check.
	IsAlive() bool
	// Close releases transport resources. Safe to call multiple times.
	Close() error
}
