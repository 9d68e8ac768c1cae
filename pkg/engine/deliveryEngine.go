package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-relay/pkg/broker"
	"github.com/zoff-tech/go-relay/pkg/config"
	"github.com/zoff-tech/go-relay/pkg/monitor"
	"github.com/zoff-tech/go-relay/pkg/record"
	"github.com/zoff-tech/go-relay/pkg/spool"
)

// Engine is the single entry and exit point for records. Every submitted
// record ends up exactly one of: delivered live, delivered through the spool
// on a later drain, or surfaced as a spool-write failure. Delivery is
// at-least-once: a broker crash between accept and ack can duplicate a
// message, but nothing is ever silently lost.
type Engine struct {
	spool spool.Spool
	link  broker.Link
	mon   *monitor.Monitor

	target         spool.Target
	clock          clockwork.Clock
	tracer         trace.Tracer
	quarantineCap  int
	safetyInterval time.Duration

	seq atomic.Uint64

	// drainMu serializes Drain passes against each other; the spool itself
	// serializes Append against Remove.
	drainMu   sync.Mutex
	headSeq   uint64
	headFails int

	stop      context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds the engine and seeds the sequence counter past anything still in
// the spool, so replayed and fresh records never share a sequence.
func New(ctx context.Context, spl spool.Spool, link broker.Link, mon *monitor.Monitor, cfg *config.Settings, clock clockwork.Clock) (*Engine, error) {
	e := &Engine{
		spool: spl,
		link:  link,
		mon:   mon,
		target: spool.Target{
			Queue:      cfg.Broker.Queue,
			RoutingKey: cfg.Broker.RoutingKey,
		},
		clock:          clock,
		tracer:         otel.Tracer("go-relay"),
		quarantineCap:  cfg.Monitor.QuarantineCap,
		safetyInterval: cfg.Monitor.SafetyDrainInterval,
	}

	pending, err := spl.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading spool at startup: %w", err)
	}
	for _, env := range pending {
		if env.Record.Sequence > e.seq.Load() {
			e.seq.Store(env.Record.Sequence)
		}
	}
	if len(pending) > 0 {
		log.Info().Int("spooled", len(pending)).Msg("found records awaiting redelivery")
	}
	return e, nil
}

// Start launches the connection monitor and the drain worker. It returns
// immediately; Close stops both.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.stop = context.WithCancel(ctx)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.mon.Run(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.drainLoop(ctx)
	}()
}

// Submit assigns the record its sequence and capture timestamp, then delivers
// it live when the link is healthy or spools it otherwise. It never blocks on
// broker retry logic: one publish attempt, then the bounded-latency spool
// path. Safe for concurrent callers.
func (e *Engine) Submit(ctx context.Context, fields record.Fields) (record.DeliveryResult, error) {
	ctx, span := e.tracer.Start(ctx, "Submit")
	defer span.End()

	rec := record.Record{
		ID:         uuid.NewString(),
		Sequence:   e.seq.Add(1),
		CapturedAt: e.clock.Now().UTC(),
		Fields:     fields,
	}
	span.SetAttributes(
		attribute.String("record.id", rec.ID),
		attribute.Int64("record.sequence", int64(rec.Sequence)),
	)

	body, err := rec.Encode()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return record.DeliveryResult{}, fmt.Errorf("encode record: %w", err)
	}

	reason := spool.ReasonBrokerUnavailable
	if e.mon.Connected() {
		if err := e.link.Publish(ctx, e.target, body, e.headers(rec)); err == nil {
			return record.DeliveryResult{
				Status:    record.DeliveredLive,
				Sequence:  rec.Sequence,
				Timestamp: rec.CapturedAt,
			}, nil
		} else {
			// The monitor presumes the link dead; the fallback path takes over.
			e.mon.ReportFailure()
			span.RecordError(err)
			log.Warn().Err(err).Uint64("sequence", rec.Sequence).Msg("publish failed, spooling record")
			reason = spool.ReasonPublishRejected
		}
	}

	env := spool.Envelope{
		Record:    rec,
		SpooledAt: e.clock.Now().UTC(),
		Reason:    reason,
		Target:    e.target,
	}
	if err := e.spool.Append(ctx, env); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return record.DeliveryResult{}, fmt.Errorf("record %d not delivered: %w", rec.Sequence, err)
	}

	return record.DeliveryResult{
		Status:    record.DeliveredFallback,
		Sequence:  rec.Sequence,
		Timestamp: rec.CapturedAt,
	}, nil
}

// Drain replays spooled envelopes strictly in FIFO order, removing each one
// only after its publish is confirmed. The pass stops at the first failure;
// a head envelope that keeps failing across passes is quarantined once it
// hits the cap, so one poisoned record cannot starve the queue behind it.
func (e *Engine) Drain(ctx context.Context) (int, error) {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	ctx, span := e.tracer.Start(ctx, "Drain")
	defer span.End()

	envs, err := e.spool.LoadAll(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	drained := 0
	for _, env := range envs {
		seq := env.Record.Sequence

		body, err := env.Record.Encode()
		if err != nil {
			if err := e.spool.Quarantine(ctx, seq, fmt.Sprintf("unencodable record: %v", err)); err != nil {
				return drained, err
			}
			log.Warn().Uint64("sequence", seq).Msg("quarantined unencodable record")
			continue
		}

		headers := e.headers(env.Record)
		headers["fallback_reason"] = string(env.Reason)
		headers["spooled_at"] = env.SpooledAt.Format(time.RFC3339Nano)

		if err := e.link.Publish(ctx, env.Target, body, headers); err != nil {
			// A dead link failed the record, not the record the link. Stop
			// the pass without charging the quarantine budget; the record
			// gets a clean retry once the connection is back.
			if errors.Is(err, broker.ErrNotConnected) || !e.link.IsAlive() {
				span.RecordError(err)
				return drained, fmt.Errorf("replaying record %d: %w", seq, err)
			}
			if e.headSeq == seq {
				e.headFails++
			} else {
				e.headSeq = seq
				e.headFails = 1
			}
			if e.headFails >= e.quarantineCap {
				cause := fmt.Sprintf("redelivery failed %d times: %v", e.headFails, err)
				if qerr := e.spool.Quarantine(ctx, seq, cause); qerr != nil {
					return drained, qerr
				}
				log.Error().Uint64("sequence", seq).Str("cause", cause).
					Msg("record quarantined after repeated redelivery failures")
				e.headFails = 0
				continue
			}
			span.RecordError(err)
			return drained, fmt.Errorf("replaying record %d: %w", seq, err)
		}

		if err := e.spool.Remove(ctx, seq); err != nil {
			return drained, err
		}
		if e.headSeq == seq {
			e.headFails = 0
		}
		drained++
	}

	span.SetAttributes(attribute.Int("drained", drained))
	return drained, nil
}

// Status is a point-in-time snapshot for observers and the status CLI.
type Status struct {
	Connected      bool      `json:"connected"`
	State          string    `json:"state"`
	SpooledCount   int       `json:"spooled_count"`
	DeadCount      int       `json:"dead_count"`
	LastTransition time.Time `json:"last_transition"`
}

// GetStatus reflects the current truth even when nothing is failing; degraded
// mode is a visible state, not an error. Safe to call concurrently with
// Submit and Drain.
func (e *Engine) GetStatus() Status {
	ctx := context.Background()
	spooled, err := e.spool.Count(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("spool count unavailable")
	}
	dead, err := e.spool.DeadCount(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("dead count unavailable")
	}
	return Status{
		Connected:      e.mon.Connected(),
		State:          e.mon.State().String(),
		SpooledCount:   spooled,
		DeadCount:      dead,
		LastTransition: e.mon.LastTransition(),
	}
}

// Close shuts the engine down: the monitor loop stops, the link is closed and
// pending spooled envelopes stay on disk for the next startup's drain. Safe
// to call multiple times.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		if e.stop != nil {
			e.stop()
		}
		e.wg.Wait()
		if err := e.spool.Close(); err != nil {
			log.Warn().Err(err).Msg("closing spool")
		}
	})
	return nil
}

func (e *Engine) headers(rec record.Record) map[string]string {
	return map[string]string{
		"message_id":  rec.ID,
		"captured_at": rec.CapturedAt.Format(time.RFC3339Nano),
	}
}

// drainLoop waits for reconnect signals from the monitor, plus a safety timer
// in case a transition notification was missed.
func (e *Engine) drainLoop(ctx context.Context) {
	var safety <-chan time.Time
	if e.safetyInterval > 0 {
		ticker := e.clock.NewTicker(e.safetyInterval)
		defer ticker.Stop()
		safety = ticker.Chan()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.mon.DrainSignals():
		case <-safety:
			if !e.mon.Connected() {
				continue
			}
			if n, err := e.spool.Count(ctx); err != nil || n == 0 {
				continue
			}
		}

		n, err := e.Drain(ctx)
		if err != nil {
			log.Warn().Err(err).Int("drained", n).Msg("drain stopped early")
			continue
		}
		if n > 0 {
			log.Info().Int("drained", n).Msg("spooled records replayed")
		}
	}
}
