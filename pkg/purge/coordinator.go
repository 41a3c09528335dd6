// Package purge coordinates the cascading cleanup that follows a novel
// purge event. The watermark in the user store's ui_state document is the
// only durable progress marker: it is advanced before any cleanup runs and
// never rolled back, so every side effect may execute more than once and
// must tolerate that.
package purge

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dono-app/dono/pkg/eventlog"
	"github.com/dono-app/dono/pkg/storeid"
)

// SessionID keys the coordinator's ui_state row. It is stable across
// restarts so the watermark survives them.
const SessionID = "purge-coordinator"

// RemotePurger asks the sync backend to destroy a store's authoritative
// log. Implementations are best-effort; the coordinator only logs failures.
type RemotePurger interface {
	PurgeStore(ctx context.Context, storeID string) error
}

// RoomPurger removes local room documents by room id prefix.
type RoomPurger interface {
	PurgeByPrefix(prefix string) error
}

// Coordinator consumes v1.NovelPurged events from a user store and fans the
// purge out to the novel's local replica, its chapter rooms, and the remote
// backend.
type Coordinator struct {
	userStore *eventlog.Store
	userID    string
	dataDir   string
	rooms     RoomPurger
	remote    RemotePurger
	logger    zerolog.Logger
}

// New builds a coordinator. The user store must have been opened with
// eventlog.WithSessionID(SessionID) so the watermark is restart-stable.
// rooms and remote may be nil when the corresponding surface is absent.
func New(userStore *eventlog.Store, userID, dataDir string, rooms RoomPurger, remote RemotePurger) *Coordinator {
	return &Coordinator{
		userStore: userStore,
		userID:    userID,
		dataDir:   dataDir,
		rooms:     rooms,
		remote:    remote,
		logger:    log.With().Str("component", "purge").Str("user_id", userID).Logger(),
	}
}

// Run replays purge events past the watermark and then follows the live
// tail until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	st, err := c.userStore.GetUIState(ctx)
	if err != nil {
		return errors.Wrap(err, "purge: read watermark")
	}
	sub, err := c.userStore.Events(ctx, []string{eventlog.EventNovelPurged}, st.LastNovelPurgeGlobalSeq)
	if err != nil {
		return errors.Wrap(err, "purge: subscribe")
	}
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := c.Handle(ctx, e); err != nil {
				// Watermark advancement is the only fatal failure; cleanup
				// errors were already swallowed inside Handle.
				return err
			}
		}
	}
}

// Handle processes one purge event: skip if at or below the watermark,
// advance the watermark, then run every cleanup best-effort.
func (c *Coordinator) Handle(ctx context.Context, e eventlog.Event) error {
	if e.Name != eventlog.EventNovelPurged {
		return nil
	}
	var args eventlog.NovelPurgedArgs
	if err := e.DecodeArgs(&args); err != nil {
		c.logger.Error().Err(err).Msg("undecodable purge event, skipping")
		return nil
	}

	st, err := c.userStore.GetUIState(ctx)
	if err != nil {
		return errors.Wrap(err, "purge: read watermark")
	}
	if e.Seq.Global <= st.LastNovelPurgeGlobalSeq {
		return nil
	}

	// Advance first. A crash after this point re-runs nothing; the cleanup
	// below must therefore already be idempotent.
	st.LastNovelPurgeGlobalSeq = e.Seq.Global
	if err := c.userStore.SetUIState(ctx, st); err != nil {
		return errors.Wrap(err, "purge: advance watermark")
	}

	logger := c.logger.With().Str("novel_id", args.ID).Int64("global_seq", e.Seq.Global).Logger()
	logger.Info().Msg("purging novel")

	c.purgeLocalReplica(logger, args.ID)
	c.purgeRooms(logger, args.ID)
	c.purgeRemote(ctx, logger, args.ID)
	return nil
}

// purgeLocalReplica deletes the novel store's local database files,
// retrying a few times in case a closing handle still holds them.
func (c *Coordinator) purgeLocalReplica(logger zerolog.Logger, novelID string) {
	storeID := storeid.MakeNovelStoreID(c.userID, novelID)
	if !eventlog.HasLocalData(c.dataDir, storeID) {
		return
	}
	var err error
	delay := 100 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		if err = eventlog.DeleteLocalData(c.dataDir, storeID); err == nil {
			logger.Debug().Msg("local replica deleted")
			return
		}
	}
	logger.Warn().Err(err).Msg("could not delete local replica")
}

func (c *Coordinator) purgeRooms(logger zerolog.Logger, novelID string) {
	if c.rooms == nil {
		return
	}
	prefix := storeid.MakeChapterRoomPrefix(c.userID, novelID)
	if err := c.rooms.PurgeByPrefix(prefix); err != nil {
		logger.Warn().Err(err).Msg("could not purge chapter rooms")
		return
	}
	logger.Debug().Msg("chapter rooms purged")
}

func (c *Coordinator) purgeRemote(ctx context.Context, logger zerolog.Logger, novelID string) {
	if c.remote == nil {
		return
	}
	storeID := storeid.MakeNovelStoreID(c.userID, novelID)
	if err := c.remote.PurgeStore(ctx, storeID); err != nil {
		logger.Warn().Err(err).Msg("remote purge failed, will not retry")
		return
	}
	logger.Debug().Msg("remote store purged")
}
