package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-relay/pkg/broker"
	"github.com/zoff-tech/go-relay/pkg/config"
	"github.com/zoff-tech/go-relay/pkg/spool"
)

// fakeLink simulates a broker that can be killed and revived from the test.
type fakeLink struct {
	mu       sync.Mutex
	up       bool
	connects int
	closes   int
}

func (f *fakeLink) setUp(up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.up = up
}

func (f *fakeLink) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if !f.up {
		return broker.ErrConnectFailed
	}
	return nil
}

func (f *fakeLink) Publish(ctx context.Context, target spool.Target, body []byte, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.up {
		return broker.ErrPublishFailed
	}
	return nil
}

func (f *fakeLink) IsAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.up
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeLink) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// callbackLog records observer invocations in order.
type callbackLog struct {
	mu    sync.Mutex
	calls []bool
}

func (c *callbackLog) record(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, connected)
}

func (c *callbackLog) snapshot() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bool, len(c.calls))
	copy(out, c.calls)
	return out
}

func testMonitorSettings() config.MonitorSettings {
	return config.MonitorSettings{
		PollInterval:     10 * time.Millisecond,
		RetryInterval:    10 * time.Millisecond,
		MaxRetryInterval: 50 * time.Millisecond,
		QuarantineCap:    3,
	}
}

func startMonitor(t *testing.T, link broker.Link) (*Monitor, context.CancelFunc) {
	t.Helper()
	m := New(link, testMonitorSettings(), clockwork.NewRealClock())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("monitor did not stop")
		}
	})
	return m, cancel
}

func TestMonitor_ConnectsAndSignalsDrain(t *testing.T) {
	link := &fakeLink{up: true}
	cb := &callbackLog{}

	m := New(link, testMonitorSettings(), clockwork.NewRealClock())
	m.Notify(cb.record)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	assert.Eventually(t, m.Connected, 2*time.Second, 5*time.Millisecond)
	assert.False(t, m.LastTransition().IsZero())

	select {
	case <-m.DrainSignals():
	case <-time.After(2 * time.Second):
		t.Fatal("no drain signal after connect")
	}

	assert.Eventually(t, func() bool {
		calls := cb.snapshot()
		return len(calls) == 1 && calls[0]
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMonitor_RetriesWhileDown(t *testing.T) {
	link := &fakeLink{up: false}
	m, _ := startMonitor(t, link)

	assert.Eventually(t, func() bool {
		link.mu.Lock()
		defer link.mu.Unlock()
		return link.connects >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, m.Connected())

	// Reconnection is always attempted once the broker returns.
	link.setUp(true)
	assert.Eventually(t, m.Connected, 2*time.Second, 5*time.Millisecond)
}

func TestMonitor_DetectsLossAndNotifiesOncePerFlip(t *testing.T) {
	link := &fakeLink{up: true}
	cb := &callbackLog{}
	m := New(link, testMonitorSettings(), clockwork.NewRealClock())
	m.Notify(cb.record)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, m.Connected, 2*time.Second, 5*time.Millisecond)

	// Kill the broker: the liveness poll must notice within an interval or two.
	link.setUp(false)
	require.Eventually(t, func() bool { return !m.Connected() }, 2*time.Second, 5*time.Millisecond)

	// Repeated failed reconnect attempts must not re-notify observers.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []bool{true, false}, cb.snapshot())

	link.setUp(true)
	require.Eventually(t, m.Connected, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		calls := cb.snapshot()
		return len(calls) == 3 && calls[2]
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMonitor_ReportFailureForcesReconnect(t *testing.T) {
	link := &fakeLink{up: true}
	cb := &callbackLog{}
	m := New(link, testMonitorSettings(), clockwork.NewRealClock())
	m.Notify(cb.record)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, m.Connected, 2*time.Second, 5*time.Millisecond)

	// A publish failure report drops the link even though IsAlive still
	// returns true; the loop then reconnects.
	m.ReportFailure()

	assert.Eventually(t, func() bool {
		calls := cb.snapshot()
		return len(calls) >= 3 && !calls[1] && calls[2]
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMonitor_StaleFailureReportIgnored(t *testing.T) {
	link := &fakeLink{up: true}
	cb := &callbackLog{}
	m := New(link, testMonitorSettings(), clockwork.NewRealClock())
	m.Notify(cb.record)

	// A report queued before the session starts must not tear down the
	// healthy connection that follows.
	m.ReportFailure()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, m.Connected, 2*time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.True(t, m.Connected())
	assert.Equal(t, []bool{true}, cb.snapshot(), "healthy link must not flap")
}

func TestMonitor_CallbacksDeliveredInOrder(t *testing.T) {
	link := &fakeLink{up: true}
	cb := &callbackLog{}
	m := New(link, testMonitorSettings(), clockwork.NewRealClock())
	m.Notify(cb.record)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, m.Connected, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 3; i++ {
		link.setUp(false)
		require.Eventually(t, func() bool { return !m.Connected() }, 2*time.Second, 5*time.Millisecond)
		link.setUp(true)
		require.Eventually(t, m.Connected, 2*time.Second, 5*time.Millisecond)
	}

	// Every flip arrives, and strictly in the order it happened: an up
	// callback never overtakes the down that preceded it.
	require.Eventually(t, func() bool { return len(cb.snapshot()) == 7 },
		2*time.Second, 5*time.Millisecond)
	calls := cb.snapshot()
	for i, connected := range calls {
		assert.Equal(t, i%2 == 0, connected, "callback %d out of order", i)
	}
}

func TestMonitor_ClosesLinkOnShutdown(t *testing.T) {
	link := &fakeLink{up: true}
	m := New(link, testMonitorSettings(), clockwork.NewRealClock())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, m.Connected, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
	assert.GreaterOrEqual(t, link.closeCount(), 1)
}
