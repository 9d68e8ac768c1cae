package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/zoff-tech/go-relay/pkg/broker"
	"github.com/zoff-tech/go-relay/pkg/config"
)

// Monitor owns the broker link lifecycle: it attempts the connection, polls
// for loss while connected, retries on an exponential backoff schedule when
// disconnected, and tells observers about connectivity changes. Reconnection
// is attempted forever; operator intervention is not assumed available.
type Monitor struct {
	link  broker.Link
	cfg   config.MonitorSettings
	clock clockwork.Clock

	mu             sync.Mutex
	state          State
	lastTransition time.Time
	lastNotified   bool

	obsMu     sync.Mutex
	observers []func(connected bool)

	drainCh  chan struct{}
	failCh   chan struct{}
	notifyCh chan bool

	retry *backoff.ExponentialBackOff
}

func New(link broker.Link, cfg config.MonitorSettings, clock clockwork.Clock) *Monitor {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cfg.RetryInterval
	retry.MaxInterval = cfg.MaxRetryInterval
	retry.MaxElapsedTime = 0 // retry forever

	return &Monitor{
		link:     link,
		cfg:      cfg,
		clock:    clock,
		state:    StateDisconnected,
		drainCh:  make(chan struct{}, 1),
		failCh:   make(chan struct{}, 1),
		notifyCh: make(chan bool, 16),
		retry:    retry,
	}
}

// Notify registers an observer invoked with the new connected flag whenever
// it changes. Observers run on a dedicated notifier goroutine, decoupled from
// the connection loop, and see the flips in the order they happened.
func (m *Monitor) Notify(fn func(connected bool)) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, fn)
}

// DrainSignals yields one signal per transition into Connected. The engine
// consumes it to replay the spool; the monitor never drains itself.
func (m *Monitor) DrainSignals() <-chan struct{} {
	return m.drainCh
}

// ReportFailure tells the monitor a publish hit a transport-level error while
// the state was Connected. Never blocks.
func (m *Monitor) ReportFailure() {
	select {
	case m.failCh <- struct{}{}:
	default:
	}
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) Connected() bool {
	return m.State() == StateConnected
}

func (m *Monitor) LastTransition() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTransition
}

// Run drives the connection state machine until ctx is cancelled. The link is
// closed on the way out; spooled records stay on disk for the next startup.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.link.Close()

	// All state transitions happen on this goroutine; the notifier drains
	// them in order and is shut down once the loop can no longer send.
	notifierDone := make(chan struct{})
	go m.runNotifier(notifierDone)
	defer func() {
		close(m.notifyCh)
		<-notifierDone
	}()

	for {
		if err := m.connect(ctx); err != nil {
			wait := m.retry.NextBackOff()
			log.Warn().Err(err).Dur("retry_in", wait).Msg("broker connect failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.clock.After(wait):
			}
			continue
		}

		m.retry.Reset()
		log.Info().Msg("broker connected")

		if err := m.watch(ctx); err != nil {
			return err
		}

		m.transition(StateDisconnected)
		m.link.Close()
		log.Warn().Msg("broker connection lost")
	}
}

func (m *Monitor) connect(ctx context.Context) error {
	m.transition(StateConnecting)
	if err := m.link.Connect(ctx); err != nil {
		m.transition(StateDisconnected)
		return err
	}

	// Discard failure reports aimed at the previous session, so a report
	// that raced with the liveness poll cannot tear down this one.
	select {
	case <-m.failCh:
	default:
	}

	m.transition(StateConnected)

	// Wake the drain worker, without blocking if a request is already queued.
	select {
	case m.drainCh <- struct{}{}:
	default:
	}
	return nil
}

// watch polls liveness while connected. It returns nil when the link died
// (the outer loop reconnects) and the context error on shutdown.
func (m *Monitor) watch(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.failCh:
			return nil
		case <-ticker.Chan():
			if !m.link.IsAlive() {
				return nil
			}
		}
	}
}

// transition is the single place connectivity state changes. Observers are
// told at most once per flip of the connected boolean, so a move from
// Disconnected to Connecting stays silent.
func (m *Monitor) transition(next State) {
	m.mu.Lock()
	if m.state == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	m.lastTransition = m.clock.Now()

	connected := next == StateConnected
	notify := connected != m.lastNotified
	m.lastNotified = connected
	m.mu.Unlock()

	if !notify {
		return
	}
	m.notifyCh <- connected
}

// runNotifier delivers connectivity flips to the observers one at a time, in
// the order the transitions happened.
func (m *Monitor) runNotifier(done chan struct{}) {
	defer close(done)
	for connected := range m.notifyCh {
		m.obsMu.Lock()
		observers := make([]func(bool), len(m.observers))
		copy(observers, m.observers)
		m.obsMu.Unlock()
		for _, fn := range observers {
			fn(connected)
		}
	}
}
