package eventlog

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Subscription is a cancellable handle over a store's committed event stream.
// C is closed when the subscription is cancelled or its parent context ends.
type Subscription struct {
	C      <-chan Event
	cancel context.CancelFunc
}

// Cancel stops delivery and closes C. Safe to call twice.
func (sub *Subscription) Cancel() {
	if sub == nil || sub.cancel == nil {
		return
	}
	sub.cancel()
}

// Events subscribes to committed events matching the name filter (empty
// filter matches everything), starting after fromGlobal. Already-committed
// events are replayed from the log before the live tail, and duplicates at
// the replay/live boundary are suppressed, so a consumer that resumes from a
// persisted sequence number neither loses nor re-sees acknowledged events.
func (s *Store) Events(ctx context.Context, filter []string, fromGlobal int64) (*Subscription, error) {
	if s == nil {
		return nil, errors.New("eventlog: store is nil")
	}
	subCtx, cancel := context.WithCancel(ctx)

	// Attach the live tail before reading the backlog so nothing committed
	// in between is missed; the sequence check below drops the overlap.
	live, err := s.pubsub.Subscriber().Subscribe(subCtx, topicForStore(s.storeID))
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "eventlog: subscribe")
	}

	backlog, err := s.eventsSince(subCtx, filter, fromGlobal)
	if err != nil {
		cancel()
		return nil, err
	}

	names := map[string]bool{}
	for _, n := range filter {
		names[n] = true
	}
	matches := func(e Event) bool { return len(names) == 0 || names[e.Name] }

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		last := fromGlobal
		deliver := func(e Event) bool {
			if !matches(e) || e.Seq.Global <= last {
				return true
			}
			select {
			case out <- e:
				last = e.Seq.Global
				return true
			case <-subCtx.Done():
				return false
			}
		}
		for _, e := range backlog {
			if !deliver(e) {
				return
			}
		}
		for msg := range live {
			var e Event
			if err := json.Unmarshal(msg.Payload, &e); err != nil {
				log.Warn().Err(err).Str("component", "eventlog").Str("store_id", s.storeID).Msg("failed to decode streamed event")
				msg.Ack()
				continue
			}
			if !deliver(e) {
				msg.Nack()
				return
			}
			msg.Ack()
		}
	}()

	return &Subscription{C: out, cancel: cancel}, nil
}

func (s *Store) eventsSince(ctx context.Context, filter []string, fromGlobal int64) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errors.New("eventlog: store is closed")
	}
	q := `SELECT local_seq, global_seq, name, args FROM eventlog WHERE global_seq > ?`
	args := []any{fromGlobal}
	if len(filter) > 0 {
		q += ` AND name IN (?` + repeatPlaceholder(len(filter)-1) + `)`
		for _, n := range filter {
			args = append(args, n)
		}
	}
	q += ` ORDER BY global_seq ASC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "eventlog: query backlog")
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

func uuidString() string { return uuid.NewString() }
