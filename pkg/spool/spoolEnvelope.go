package spool

import (
	"time"

	"github.com/zoff-tech/go-relay/pkg/record"
)

// Reason records why an envelope ended up in the spool instead of at the broker.
type Reason string

const (
	// ReasonBrokerUnavailable means the connection state was not Connected at
	// submission time, so no publish was attempted.
	ReasonBrokerUnavailable Reason = "broker_unavailable"
	// ReasonPublishRejected means a publish was attempted and failed.
	ReasonPublishRejected Reason = "publish_rejected"
)

// Target identifies the destination the envelope was headed for when it was
// spooled. Queue and routing key are captured at spool time because the live
// configuration may change across restarts.
type Target struct {
	Queue      string `json:"queue"`
	RoutingKey string `json:"routing_key"`
}

// Envelope wraps a record with the metadata needed to replay it later.
// Envelopes are stored and replayed in strict append order.
type Envelope struct {
	Record    record.Record `json:"record"`
	SpooledAt time.Time     `json:"spooled_at"`
	Reason    Reason        `json:"reason"`
	Target    Target        `json:"target"`
}

// DeadEntry is an envelope that was moved out of the active spool, either
// because it could not be decoded or because redelivery kept failing. Dead
// entries are never retried automatically. Entry holds the original stored
// line verbatim so that nothing is lost even when it cannot be parsed.
type DeadEntry struct {
	Entry         string    `json:"entry"`
	Cause         string    `json:"cause"`
	QuarantinedAt time.Time `json:"quarantined_at"`
}
