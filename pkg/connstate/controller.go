// Package connstate decides whether sync is attempted at all. It is a small
// client-side state machine driven by a reachability oracle, a credential
// oracle, and a remote health probe, with exponential-backoff retries while
// the remote is unavailable.
package connstate

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State is the controller's connection state. It is never persisted.
type State string

const (
	StateOffline    State = "offline"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateLocalOnly  State = "local_only"
)

// NetworkOracle reports device reachability.
type NetworkOracle interface {
	Online() bool
}

// CredentialOracle supplies the sync credential, if any. No credential means
// the cycle ends in local-only mode without retrying.
type CredentialOracle interface {
	Credentials(ctx context.Context) (string, bool)
}

// HealthProbe checks whether the remote sync backend is reachable.
type HealthProbe interface {
	Probe(ctx context.Context) error
}

const (
	baseRetryDelay = time.Second
	maxRetryDelay  = 64 * time.Second
)

// RetryDelay returns the backoff delay for the k-th retry:
// min(1s * 2^k, 64s). Growth is capped by the max delay, not by a retry
// limit; retries continue until success or until the network goes offline.
func RetryDelay(retryCount int) time.Duration {
	if retryCount >= 6 {
		return maxRetryDelay
	}
	return baseRetryDelay << retryCount
}

// Controller runs the connection state machine. Dependent subsystems
// subscribe to state changes and enable their remote transports only while
// the state is StateConnected.
type Controller struct {
	network NetworkOracle
	creds   CredentialOracle
	probe   HealthProbe

	mu         sync.Mutex
	state      State
	retryCount int
	retryTimer *time.Timer
	listeners  map[int]func(State)
	nextLis    int

	// afterFunc is swapped in tests to avoid real backoff delays.
	afterFunc func(time.Duration, func()) *time.Timer
}

// New builds a controller in the initial `connecting` state. Call Check to
// run the first transition.
func New(network NetworkOracle, creds CredentialOracle, probe HealthProbe) *Controller {
	return &Controller{
		network:   network,
		creds:     creds,
		probe:     probe,
		state:     StateConnecting,
		listeners: map[int]func(State){},
		afterFunc: time.AfterFunc,
	}
}

// State returns the current connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers a listener for state changes and returns an
// unsubscribe func. Listeners are called outside the controller lock.
func (c *Controller) Subscribe(fn func(State)) func() {
	c.mu.Lock()
	id := c.nextLis
	c.nextLis++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Check runs one connection cycle: reachability, credential, health probe.
// A manual check cancels any pending scheduled retry so at most one probe
// cycle is in flight.
func (c *Controller) Check(ctx context.Context) {
	c.cancelRetry()

	if !c.network.Online() {
		c.setState(StateOffline)
		return
	}

	c.setState(StateConnecting)

	if _, ok := c.creds.Credentials(ctx); !ok {
		// No credential: local-only is terminal for this cycle.
		log.Debug().Str("component", "connstate").Msg("no credentials, working in local-only mode")
		c.setState(StateLocalOnly)
		return
	}

	if err := c.probe.Probe(ctx); err != nil {
		log.Debug().Err(err).Str("component", "connstate").Msg("remote probe failed")
		c.setState(StateLocalOnly)
		c.scheduleRetry(ctx)
		return
	}

	c.mu.Lock()
	c.retryCount = 0
	c.mu.Unlock()
	c.setState(StateConnected)
}

// Stop cancels any pending retry timer.
func (c *Controller) Stop() {
	c.cancelRetry()
}

func (c *Controller) scheduleRetry(ctx context.Context) {
	c.mu.Lock()
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	delay := RetryDelay(c.retryCount)
	c.retryTimer = c.afterFunc(delay, func() {
		c.mu.Lock()
		c.retryCount++
		c.retryTimer = nil
		c.mu.Unlock()
		c.Check(ctx)
	})
	c.mu.Unlock()
	log.Debug().Str("component", "connstate").Dur("delay", delay).Msg("scheduled connection retry")
}

func (c *Controller) cancelRetry() {
	c.mu.Lock()
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.mu.Unlock()
}

func (c *Controller) setState(next State) {
	c.mu.Lock()
	if c.state == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	fns := make([]func(State), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	log.Info().Str("component", "connstate").Str("state", string(next)).Msg("connection state changed")
	for _, fn := range fns {
		fn(next)
	}
}
