// Package syncd is the server side of synchronization: one addressable actor
// per store id owning the authoritative event log, its live connections, and
// the authorization gate, plus the HTTP ingress that routes to actors.
package syncd

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dono-app/dono/pkg/auth"
	"github.com/dono-app/dono/pkg/eventlog"
	"github.com/dono-app/dono/pkg/storeid"
)

// purgeCloseCode is sent to attached replicas when their store is purged.
const purgeCloseCode = 1012 // service restart

// Actor owns one store's authoritative log. All event processing is strictly
// serialized through the actor mutex: that is what keeps global sequence
// numbers a total order per store, and it must not be weakened for
// throughput.
type Actor struct {
	storeID   string
	dir       string
	resolver  auth.Resolver
	logger    zerolog.Logger
	publisher message.Publisher

	mu           sync.Mutex
	storage      *actorStorage
	head         int64
	headValid    bool
	pool         *ConnectionPool
	lastActivity time.Time
}

// NewActor opens (creating if needed) the actor for a store id. Storage is
// opened lazily on first use so a purged actor rebuilds from empty.
func NewActor(dir, storeID string, resolver auth.Resolver) *Actor {
	return &Actor{
		storeID:      storeID,
		dir:          dir,
		resolver:     resolver,
		logger:       log.With().Str("component", "syncd").Str("store_id", storeID).Logger(),
		pool:         NewConnectionPool(storeID),
		lastActivity: time.Now(),
	}
}

// StoreID returns the store this actor is authoritative for.
func (a *Actor) StoreID() string { return a.storeID }

// SetPublisher attaches an outbound event feed. Committed batches are
// published to the store's topic for out-of-process consumers.
func (a *Actor) SetPublisher(pub message.Publisher) {
	a.mu.Lock()
	a.publisher = pub
	a.mu.Unlock()
}

// Pool exposes the actor's connection pool to the ingress handlers.
func (a *Actor) Pool() *ConnectionPool { return a.pool }

// authorize re-derives the expected owner from the store id and compares it
// to the freshly resolved session. Results are never cached across requests.
func (a *Actor) authorize(ctx context.Context, headers http.Header) error {
	session, err := a.resolver.GetSession(ctx, headers)
	if err != nil {
		return auth.ErrUnauthorized
	}
	expectedOwner := storeid.UserIDOf(a.storeID)
	if expectedOwner == "" || session.UserID != expectedOwner {
		return auth.ErrAccessDenied
	}
	return nil
}

func (a *Actor) ensureStorageLocked() error {
	if a.storage != nil {
		return nil
	}
	st, err := openActorStorage(a.dir, a.storeID)
	if err != nil {
		return err
	}
	a.storage = st
	a.headValid = false
	return nil
}

func (a *Actor) headLocked() (int64, error) {
	if a.headValid {
		return a.head, nil
	}
	head, err := a.storage.head()
	if err != nil {
		return 0, err
	}
	a.head = head
	a.headValid = true
	return head, nil
}

// Push authorizes and appends a batch of client-proposed events, assigning
// global sequence numbers, and broadcasts the result to every other attached
// replica. The returned events carry their assigned globals.
func (a *Actor) Push(ctx context.Context, headers http.Header, events []eventlog.Event, from *websocket.Conn) ([]eventlog.Event, error) {
	if err := a.authorize(ctx, headers); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureStorageLocked(); err != nil {
		return nil, err
	}
	head, err := a.headLocked()
	if err != nil {
		return nil, err
	}
	appended, err := a.storage.append(head, events)
	if err != nil {
		a.headValid = false
		return nil, err
	}
	a.head = appended[len(appended)-1].Seq.Global
	a.lastActivity = time.Now()

	a.pool.Broadcast(encodeFrame(Frame{Type: FrameEvents, Events: appended}), from)
	if a.publisher != nil {
		payload, err := json.Marshal(appended)
		if err == nil {
			msg := message.NewMessage(uuid.NewString(), payload)
			if err := a.publisher.Publish("store:"+a.storeID, msg); err != nil {
				a.logger.Warn().Err(err).Msg("event feed publish failed")
			}
		}
	}
	a.logger.Debug().Int("events", len(appended)).Int64("head", a.head).Msg("push appended")
	return appended, nil
}

// Pull authorizes and returns committed events after fromGlobal.
func (a *Actor) Pull(ctx context.Context, headers http.Header, fromGlobal int64) ([]eventlog.Event, error) {
	if err := a.authorize(ctx, headers); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureStorageLocked(); err != nil {
		return nil, err
	}
	a.lastActivity = time.Now()
	return a.storage.eventsSince(fromGlobal)
}

// EventCount reports how many events the authoritative log holds. Test and
// observability surface.
func (a *Actor) EventCount(ctx context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureStorageLocked(); err != nil {
		return 0, err
	}
	return a.storage.eventCount()
}

// Purge irreversibly destroys the actor's store: attached connections are
// force-closed first (close code 1012, reason "purge"), then storage is
// wiped and the head cache reset so the next interaction rebuilds from
// empty. Idempotent; returns the number of closed connections.
func (a *Actor) Purge(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	closed := a.pool.CloseAllWithCode(purgeCloseCode, "purge")

	if a.storage == nil {
		// Never opened (or already purged): still remove any files on disk.
		st := &actorStorage{storeID: a.storeID, dir: a.dir, path: backendDBPath(a.dir, a.storeID)}
		if err := st.destroy(); err != nil {
			return closed, err
		}
	} else {
		if err := a.storage.destroy(); err != nil {
			return closed, err
		}
		a.storage = nil
	}
	a.head = 0
	a.headValid = false
	a.lastActivity = time.Now()

	a.logger.Info().Int("closed_connections", closed).Msg("store purged")
	return closed, nil
}

// Close releases the actor's storage handle without destroying data.
func (a *Actor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.storage == nil {
		return nil
	}
	err := a.storage.close()
	a.storage = nil
	return errors.Wrap(err, "syncd: close actor")
}

func (a *Actor) idleSince() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastActivity
}
