package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

const (
	// DefaultChannelsPageSize is used when a query does not set a page size.
	DefaultChannelsPageSize = 20
	// MaxChannelsPageSize is the largest page the server will return.
	MaxChannelsPageSize = 30
)

// Filter is a channel filter expression, e.g.
// {"type": "messaging", "members": {"$in": ["alice"]}}.
// Only its hash matters to the cache.
type Filter map[string]any

// In builds a {"field": {"$in": values}} filter.
func In[T any](field string, values []T) Filter {
	return Filter{field: map[string]any{"$in": values}}
}

// Eq builds a {"field": {"$eq": value}} filter.
func Eq(field string, value any) Filter {
	return Filter{field: map[string]any{"$eq": value}}
}

// Hash returns a deterministic digest of the filter. encoding/json writes
// map keys in sorted order at every level, so equal filters hash equally
// across processes.
func (f Filter) Hash() string {
	data, err := json.Marshal(f)
	if err != nil {
		// Non-JSON values cannot come from a decoded or hand-built filter.
		data = []byte("{}")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SortKey names a channel field the server can sort by.
type SortKey string

const (
	SortByLastMessageAt SortKey = "last_message_at"
	SortByCreatedAt     SortKey = "created_at"
	SortByUpdatedAt     SortKey = "updated_at"
	SortByMemberCount   SortKey = "member_count"
	SortByCID           SortKey = "cid"
)

// Sorting is one sort clause. Direction is 1 for ascending, -1 for descending.
type Sorting struct {
	Key       SortKey `json:"field"`
	Direction int     `json:"direction"`
}

// Ascending reports the clause direction.
func (s Sorting) Ascending() bool { return s.Direction >= 0 }

// DefaultSort orders channels by most recent activity.
var DefaultSort = []Sorting{{Key: SortByLastMessageAt, Direction: -1}}

// Pagination selects one page of a channel list.
type Pagination struct {
	PageSize int    `json:"limit"`
	Offset   int    `json:"offset"`
	Cursor   string `json:"cursor,omitempty"`
}

// QueryOptions toggle server-side side effects of a channel query.
type QueryOptions struct {
	Watch    bool
	State    bool
	Presence bool
}

// ChannelListQuery is a filter+sort definition plus the page to fetch.
type ChannelListQuery struct {
	Filter       Filter
	Sort         []Sorting
	Pagination   Pagination
	MessageLimit int
	MemberLimit  int
	Options      QueryOptions
}

// NewChannelListQuery returns a first-page query that watches and loads state.
func NewChannelListQuery(filter Filter, sort ...Sorting) ChannelListQuery {
	return ChannelListQuery{
		Filter:     filter,
		Sort:       sort,
		Pagination: Pagination{PageSize: DefaultChannelsPageSize},
		Options:    QueryOptions{Watch: true, State: true},
	}
}

// FilterHash identifies the cached query across restarts.
func (q ChannelListQuery) FilterHash() string {
	return q.Filter.Hash()
}

// IsInitialPage reports whether this is the first page of the list.
func (q ChannelListQuery) IsInitialPage() bool {
	return q.Pagination.Cursor == "" && q.Pagination.Offset == 0
}

// PageSize returns the effective page size, clamped to the server limit.
func (q ChannelListQuery) PageSize() int {
	switch {
	case q.Pagination.PageSize <= 0:
		return DefaultChannelsPageSize
	case q.Pagination.PageSize > MaxChannelsPageSize:
		return MaxChannelsPageSize
	default:
		return q.Pagination.PageSize
	}
}

// SortOrDefault returns the query sort, falling back to DefaultSort.
func (q ChannelListQuery) SortOrDefault() []Sorting {
	if len(q.Sort) == 0 {
		return DefaultSort
	}
	return q.Sort
}

// NextPage returns the query for the page following one of n results.
func (q ChannelListQuery) NextPage(n int) ChannelListQuery {
	next := q
	next.Pagination.Cursor = ""
	next.Pagination.Offset = q.Pagination.Offset + n
	return next
}

// LessChannels reports whether a sorts before b under sort. Ties on every
// clause fall back to the channel id so the order is total.
func LessChannels(sort []Sorting, a, b *Channel) bool {
	for _, s := range sort {
		c := compareChannels(s.Key, a, b)
		if c == 0 {
			continue
		}
		if s.Ascending() {
			return c < 0
		}
		return c > 0
	}
	return a.CID < b.CID
}

func compareChannels(key SortKey, a, b *Channel) int {
	switch key {
	case SortByLastMessageAt:
		// Channels without messages sort by creation time.
		return lastActivity(a).Compare(lastActivity(b))
	case SortByCreatedAt:
		return a.CreatedAt.Compare(b.CreatedAt)
	case SortByUpdatedAt:
		return a.UpdatedAt.Compare(b.UpdatedAt)
	case SortByMemberCount:
		return a.MemberCount - b.MemberCount
	case SortByCID:
		return strings.Compare(string(a.CID), string(b.CID))
	default:
		return 0
	}
}

func lastActivity(c *Channel) time.Time {
	if !c.LastMessageAt.IsZero() {
		return c.LastMessageAt
	}
	return c.CreatedAt
}
