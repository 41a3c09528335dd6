package connstate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeNetwork struct {
	mu     sync.Mutex
	online bool
}

func (f *fakeNetwork) Online() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeNetwork) set(online bool) {
	f.mu.Lock()
	f.online = online
	f.mu.Unlock()
}

type fakeCreds struct {
	mu    sync.Mutex
	token string
}

func (f *fakeCreds) Credentials(context.Context) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, f.token != ""
}

type fakeProbe struct {
	mu  sync.Mutex
	err error
}

func (f *fakeProbe) Probe(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeProbe) set(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// manualTimers captures scheduled retries so tests fire them deterministically.
type manualTimers struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []func()
}

func (m *manualTimers) afterFunc(d time.Duration, fn func()) *time.Timer {
	m.mu.Lock()
	m.delays = append(m.delays, d)
	m.pending = append(m.pending, fn)
	m.mu.Unlock()
	// Inert timer; firing is driven by the test.
	return time.NewTimer(time.Hour)
}

func (m *manualTimers) fireLast(t *testing.T) {
	m.mu.Lock()
	require.NotEmpty(t, m.pending)
	fn := m.pending[len(m.pending)-1]
	m.mu.Unlock()
	fn()
}

func TestRetryDelay(t *testing.T) {
	cases := []struct {
		k    int
		want time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{6, 64 * time.Second},
		{7, 64 * time.Second},
		{20, 64 * time.Second},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, RetryDelay(tc.k), "k=%d", tc.k)
	}
}

func TestInitialStateIsConnecting(t *testing.T) {
	c := New(&fakeNetwork{online: true}, &fakeCreds{}, &fakeProbe{})
	require.Equal(t, StateConnecting, c.State())
}

func TestOfflineToConnectedScenario(t *testing.T) {
	ctx := context.Background()
	network := &fakeNetwork{online: false}
	creds := &fakeCreds{token: "tok"}
	probe := &fakeProbe{err: context.DeadlineExceeded}
	timers := &manualTimers{}

	c := New(network, creds, probe)
	c.afterFunc = timers.afterFunc

	// Network down: offline, nothing attempted.
	c.Check(ctx)
	require.Equal(t, StateOffline, c.State())
	require.Empty(t, timers.delays)

	// Network up, probe fails: local_only with a 1s retry scheduled.
	network.set(true)
	c.Check(ctx)
	require.Equal(t, StateLocalOnly, c.State())
	require.Equal(t, []time.Duration{time.Second}, timers.delays)

	// First retry fails again: next delay doubles.
	timers.fireLast(t)
	require.Equal(t, StateLocalOnly, c.State())
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, timers.delays)

	// Probe recovers: connected, retry counter reset.
	probe.set(nil)
	timers.fireLast(t)
	require.Equal(t, StateConnected, c.State())

	// A later failure starts backoff from 1s again.
	probe.set(context.DeadlineExceeded)
	c.Check(ctx)
	require.Equal(t, StateLocalOnly, c.State())
	require.Equal(t, time.Second, timers.delays[len(timers.delays)-1])
}

func TestNoCredentialsIsTerminalLocalOnly(t *testing.T) {
	ctx := context.Background()
	timers := &manualTimers{}
	c := New(&fakeNetwork{online: true}, &fakeCreds{}, &fakeProbe{})
	c.afterFunc = timers.afterFunc

	c.Check(ctx)
	require.Equal(t, StateLocalOnly, c.State())
	// No retry scheduled without credentials.
	require.Empty(t, timers.delays)
}

func TestManualCheckCancelsPendingRetry(t *testing.T) {
	ctx := context.Background()
	network := &fakeNetwork{online: true}
	probe := &fakeProbe{err: context.DeadlineExceeded}
	timers := &manualTimers{}
	c := New(network, &fakeCreds{token: "tok"}, probe)
	c.afterFunc = timers.afterFunc

	c.Check(ctx)
	require.Len(t, timers.delays, 1)

	// A manual check replaces the pending retry rather than stacking one.
	probe.set(nil)
	c.Check(ctx)
	require.Equal(t, StateConnected, c.State())
	c.mu.Lock()
	require.Nil(t, c.retryTimer)
	c.mu.Unlock()
}

func TestConnectedToConnectedDoesNotNotify(t *testing.T) {
	ctx := context.Background()
	c := New(&fakeNetwork{online: true}, &fakeCreds{token: "tok"}, &fakeProbe{})

	var mu sync.Mutex
	var seen []State
	unsub := c.Subscribe(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	defer unsub()

	c.Check(ctx)
	c.Check(ctx)

	mu.Lock()
	defer mu.Unlock()
	// connecting fires once on the second cycle (connected -> connecting),
	// but connected -> connected never re-notifies.
	count := 0
	for _, s := range seen {
		if s == StateConnected {
			count++
		}
	}
	require.Equal(t, 2, count)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	ctx := context.Background()
	network := &fakeNetwork{online: false}
	c := New(network, &fakeCreds{}, &fakeProbe{})

	fired := make(chan State, 4)
	unsub := c.Subscribe(func(s State) { fired <- s })

	c.Check(ctx)
	require.Equal(t, StateOffline, <-fired)

	unsub()
	network.set(true)
	c.Check(ctx)
	select {
	case s := <-fired:
		t.Fatalf("unexpected notification %s after unsubscribe", s)
	default:
	}
}
