package record

import (
	"encoding/json"
	"errors"
	"time"
)

// DeliveryStatus reports how a submitted record left the engine.
type DeliveryStatus string

const (
	// DeliveredLive means the record was accepted by the broker on the first attempt.
	DeliveredLive DeliveryStatus = "delivered_live"
	// DeliveredFallback means the record was written to the durable spool and will
	// be replayed once the broker is reachable again.
	DeliveredFallback DeliveryStatus = "delivered_fallback"
)

// Fields is the schema-free payload of one scan event. Field names and value
// shapes are chosen by the record source; the engine only requires that the
// value be JSON-serializable.
type Fields map[string]any

// Record represents one event handed to the delivery engine. Sequence and
// CapturedAt are assigned at submission and never change afterwards.
type Record struct {
	ID         string    `json:"id"`
	Sequence   uint64    `json:"sequence"`
	CapturedAt time.Time `json:"captured_at"`
	Fields     Fields    `json:"fields"`
}

// Encode serializes the record to its wire form. Map keys are emitted in
// sorted order, so the same record always produces the same bytes.
func (r *Record) Encode() ([]byte, error) {
	if len(r.Fields) == 0 {
		return nil, errors.New("record has no fields")
	}
	return json.Marshal(r)
}

// DeliveryResult is returned for every successful Submit call.
type DeliveryResult struct {
	Status    DeliveryStatus `json:"status"`
	Sequence  uint64         `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
}
