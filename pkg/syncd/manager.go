package syncd

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"

	"github.com/dono-app/dono/pkg/auth"
	"github.com/dono-app/dono/pkg/storeid"
)

// ActorManager is the arena of actor handles keyed by store id. Actors are
// created lazily on first routed request and evicted when idle or purged;
// routing by id guarantees exactly one actor instance per store.
type ActorManager struct {
	dir       string
	resolver  auth.Resolver
	publisher message.Publisher

	mu            sync.Mutex
	actors        map[string]*Actor
	evictIdle     time.Duration
	evictInterval time.Duration
	evictRunning  bool
}

func NewActorManager(dir string, resolver auth.Resolver) *ActorManager {
	return &ActorManager{
		dir:      dir,
		resolver: resolver,
		actors:   map[string]*Actor{},
	}
}

// GetOrCreate resolves a store id to its single actor instance.
func (m *ActorManager) GetOrCreate(storeID string) (*Actor, error) {
	if storeid.ParseStoreID(storeID).Kind == storeid.KindUnknown {
		return nil, auth.ErrAccessDenied
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.actors[storeID]; ok {
		return a, nil
	}
	a := NewActor(m.dir, storeID, m.resolver)
	if m.publisher != nil {
		a.SetPublisher(m.publisher)
	}
	m.actors[storeID] = a
	return a, nil
}

// SetPublisher attaches an outbound event feed applied to every actor
// created afterwards.
func (m *ActorManager) SetPublisher(pub message.Publisher) {
	m.mu.Lock()
	m.publisher = pub
	m.mu.Unlock()
}

// Purge routes a purge to the store's actor and evicts it from the arena.
// Safe to call for a store with no live actor and safe to call twice.
func (m *ActorManager) Purge(ctx context.Context, storeID string) (int, error) {
	a, err := m.GetOrCreate(storeID)
	if err != nil {
		return 0, err
	}
	closed, err := a.Purge(ctx)
	if err != nil {
		return closed, err
	}
	m.mu.Lock()
	if current, ok := m.actors[storeID]; ok && current == a {
		delete(m.actors, storeID)
	}
	m.mu.Unlock()
	return closed, nil
}

// Count returns the number of live actors.
func (m *ActorManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actors)
}

// Close releases every actor's storage handle.
func (m *ActorManager) Close() error {
	m.mu.Lock()
	actors := make([]*Actor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.actors = map[string]*Actor{}
	m.mu.Unlock()

	var firstErr error
	for _, a := range actors {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "syncd: close actors")
		}
	}
	return firstErr
}

// SetEvictionConfig configures idle actor eviction.
func (m *ActorManager) SetEvictionConfig(idle, interval time.Duration) {
	m.mu.Lock()
	m.evictIdle = idle
	m.evictInterval = interval
	m.mu.Unlock()
}

// StartEvictionLoop periodically drops actors that have no connections and
// no recent activity. Their storage stays on disk; a later request recreates
// the actor.
func (m *ActorManager) StartEvictionLoop(ctx context.Context) {
	m.mu.Lock()
	if m.evictRunning || m.evictIdle <= 0 || m.evictInterval <= 0 {
		m.mu.Unlock()
		return
	}
	m.evictRunning = true
	interval := m.evictInterval
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.mu.Lock()
				m.evictRunning = false
				m.mu.Unlock()
				return
			case now := <-ticker.C:
				m.evictIdleOnce(now)
			}
		}
	}()
}

func (m *ActorManager) evictIdleOnce(now time.Time) int {
	m.mu.Lock()
	idle := m.evictIdle
	actors := make([]*Actor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.mu.Unlock()

	evicted := 0
	for _, a := range actors {
		if !a.pool.IsEmpty() {
			continue
		}
		if now.Sub(a.idleSince()) < idle {
			continue
		}
		m.mu.Lock()
		current, ok := m.actors[a.storeID]
		if !ok || current != a {
			m.mu.Unlock()
			continue
		}
		delete(m.actors, a.storeID)
		m.mu.Unlock()

		_ = a.Close()
		evicted++
	}
	return evicted
}
