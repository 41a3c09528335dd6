// Package eventlog implements the append-only, replicated event log and the
// materialized view derived from it. Each Store owns one sqlite database per
// store id: an event log table that is the source of truth, plus materialized
// tables that are a disposable cache rebuilt by replaying the log.
package eventlog

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Event names. The version prefix is part of the wire name.
const (
	EventNovelCreated      = "v1.NovelCreated"
	EventNovelTitleUpdated = "v1.NovelTitleUpdated"
	EventNovelDeleted      = "v1.NovelDeleted"
	EventNovelRestored     = "v1.NovelRestored"
	EventNovelAccessed     = "v1.NovelAccessed"
	EventNovelPurged       = "v1.NovelPurged"

	EventVolumeCreated      = "v1.VolumeCreated"
	EventVolumeTitleUpdated = "v1.VolumeTitleUpdated"
	EventVolumeDeleted      = "v1.VolumeDeleted"

	EventChapterCreated      = "v1.ChapterCreated"
	EventChapterTitleUpdated = "v1.ChapterTitleUpdated"
	EventChapterBodyUpdated  = "v1.ChapterBodyUpdated"
	EventChapterMoved        = "v1.ChapterMoved"
	EventChapterDeleted      = "v1.ChapterDeleted"
)

// SeqNum carries both orderings of one event. Local is assigned by the
// committing replica before confirmation; Global is assigned by the
// authoritative actor and is strictly increasing per store.
type SeqNum struct {
	Local  int64 `json:"local"`
	Global int64 `json:"global"`
}

// Event is one immutable log entry. Args is the event payload, kept opaque at
// this level; typed args structs below decode it per kind.
type Event struct {
	Name string          `json:"name"`
	Seq  SeqNum          `json:"seqNum"`
	Args json.RawMessage `json:"args"`
}

// DecodeArgs unmarshals the event payload into the given args struct.
func (e Event) DecodeArgs(into any) error {
	if err := json.Unmarshal(e.Args, into); err != nil {
		return errors.Wrapf(err, "eventlog: decode %s args", e.Name)
	}
	return nil
}

// NewEvent builds an unsequenced event from a name and args struct. Sequence
// numbers are assigned at commit time.
func NewEvent(name string, args any) (Event, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return Event{}, errors.Wrapf(err, "eventlog: encode %s args", name)
	}
	return Event{Name: name, Args: raw}, nil
}

// Timestamps in args are unix milliseconds.

type NovelCreatedArgs struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Created  int64  `json:"created"`
	Modified int64  `json:"modified"`
}

type NovelTitleUpdatedArgs struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Modified int64  `json:"modified"`
}

type NovelDeletedArgs struct {
	ID      string `json:"id"`
	Deleted int64  `json:"deleted"`
}

type NovelRestoredArgs struct {
	ID       string `json:"id"`
	Modified int64  `json:"modified"`
}

type NovelAccessedArgs struct {
	ID           string `json:"id"`
	LastAccessed int64  `json:"lastAccessed"`
}

type NovelPurgedArgs struct {
	ID     string `json:"id"`
	Purged int64  `json:"purged"`
}

type VolumeCreatedArgs struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Created  int64  `json:"created"`
	Modified int64  `json:"modified"`
}

type VolumeTitleUpdatedArgs struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Modified int64  `json:"modified"`
}

type VolumeDeletedArgs struct {
	ID      string `json:"id"`
	Deleted int64  `json:"deleted"`
}

type ChapterCreatedArgs struct {
	ID       string `json:"id"`
	VolumeID string `json:"volumeId"`
	Title    string `json:"title"`
	Order    string `json:"order"`
	Created  int64  `json:"created"`
	Modified int64  `json:"modified"`
}

type ChapterTitleUpdatedArgs struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Modified int64  `json:"modified"`
}

type ChapterBodyUpdatedArgs struct {
	ID       string `json:"id"`
	Body     string `json:"body"`
	Modified int64  `json:"modified"`
}

type ChapterMovedArgs struct {
	ID       string `json:"id"`
	Order    string `json:"order"`
	Modified int64  `json:"modified"`
}

type ChapterDeletedArgs struct {
	ID      string `json:"id"`
	Deleted int64  `json:"deleted"`
}
