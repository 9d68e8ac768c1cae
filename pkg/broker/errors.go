package broker

import "errors"

// Domain-specific errors for broker operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrConnectFailed is returned when a connection attempt fails. The
	// monitor retries it on its backoff schedule.
	ErrConnectFailed = errors.New("broker: connect failed")

	// ErrNotConnected is returned when Publish is called without an
	// established session.
	ErrNotConnected = errors.New("broker: not connected")

	// ErrPublishFailed is returned when the broker did not accept a message.
	// The engine absorbs it by spooling the record.
	ErrPublishFailed = errors.New("broker: publish failed")
)
