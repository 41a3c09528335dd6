// Package storeid constructs and parses the opaque store identifiers that
// name one event-sourced store and its owning tenant. Parsing is pure and
// total: it never performs I/O and never panics, because every authorization
// decision in the sync backend is derived from it.
package storeid

import "regexp"

// Store id components are 21-character nanoids (alphabet A-Za-z0-9_-).
const nanoidLen = 21

const nanoidPattern = `[A-Za-z0-9_-]{21}`

var (
	// Matches any id that starts with `user-{userId}` and ignores the rest.
	userIDPattern = regexp.MustCompile(`^user-(` + nanoidPattern + `)`)

	userStorePattern  = regexp.MustCompile(`^user-(` + nanoidPattern + `)$`)
	novelStorePattern = regexp.MustCompile(`^user-(` + nanoidPattern + `)-novel-(` + nanoidPattern + `)$`)
)

// Kind tags the result of ParseStoreID.
type Kind int

const (
	KindUnknown Kind = iota
	KindUser
	KindNovel
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindNovel:
		return "novel"
	default:
		return "unknown"
	}
}

// ParsedStoreID is the tagged result of parsing a store id. For KindUnknown
// both id fields are empty; callers must treat KindUnknown as access-denied.
type ParsedStoreID struct {
	Kind    Kind
	UserID  string
	NovelID string
}

// MakeUserStoreID returns the tenant-root store id for a user.
func MakeUserStoreID(userID string) string {
	return "user-" + userID
}

// MakeNovelStoreID returns the store id of a novel sub-store scoped to a user.
func MakeNovelStoreID(userID, novelID string) string {
	return "user-" + userID + "-novel-" + novelID
}

// ParseStoreID parses a store id into its tagged form. Malformed ids parse to
// KindUnknown rather than returning an error.
func ParseStoreID(id string) ParsedStoreID {
	if m := novelStorePattern.FindStringSubmatch(id); m != nil {
		return ParsedStoreID{Kind: KindNovel, UserID: m[1], NovelID: m[2]}
	}
	if m := userStorePattern.FindStringSubmatch(id); m != nil {
		return ParsedStoreID{Kind: KindUser, UserID: m[1]}
	}
	return ParsedStoreID{Kind: KindUnknown}
}

// UserIDOf extracts the owning tenant from any store or room id. It matches
// every id that starts with `user-{userId}`, including chapter room ids.
// Returns "" when the id does not name a tenant.
func UserIDOf(id string) string {
	m := userIDPattern.FindStringSubmatch(id)
	if m == nil {
		return ""
	}
	return m[1]
}

// NovelIDOf extracts the novel component from a novel store id, or "" when
// the id is not a novel store id.
func NovelIDOf(id string) string {
	m := novelStorePattern.FindStringSubmatch(id)
	if m == nil {
		return ""
	}
	return m[2]
}

// UserStoreIDOf maps any store id back to its tenant-root store id, or ""
// when the id does not name a tenant.
func UserStoreIDOf(id string) string {
	uid := UserIDOf(id)
	if uid == "" {
		return ""
	}
	return MakeUserStoreID(uid)
}

// MakeChapterRoomID returns the collaborative room id for one chapter.
func MakeChapterRoomID(userID, novelID, chapterID string) string {
	return "user-" + userID + "-novel-" + novelID + "-chapter-" + chapterID
}

// MakeChapterRoomPrefix returns the room id prefix shared by every chapter
// room of a novel, used to enumerate and purge dependent rooms.
func MakeChapterRoomPrefix(userID, novelID string) string {
	return "user-" + userID + "-novel-" + novelID + "-chapter-"
}
