package domain

import (
	"fmt"
	"strings"
	"time"
)

// ChannelID identifies a channel as "type:id".
type ChannelID string

// NewChannelID builds a ChannelID from its type and id parts.
func NewChannelID(channelType, id string) ChannelID {
	return ChannelID(channelType + ":" + id)
}

// ParseChannelID validates a raw "type:id" string. The key separator "/"
// is rejected so one channel's member and message keys never share a
// prefix with another's.
func ParseChannelID(raw string) (ChannelID, error) {
	typ, id, ok := strings.Cut(raw, ":")
	if !ok || typ == "" || id == "" {
		return "", fmt.Errorf("invalid channel id %q: expected type:id", raw)
	}
	if strings.Contains(raw, keySeparator) {
		return "", fmt.Errorf("invalid channel id %q: must not contain %q", raw, keySeparator)
	}
	return ChannelID(raw), nil
}

// Type returns the channel type part of the id.
func (c ChannelID) Type() string {
	typ, _, _ := strings.Cut(string(c), ":")
	return typ
}

// ID returns the id part of the channel id.
func (c ChannelID) ID() string {
	_, id, _ := strings.Cut(string(c), ":")
	return id
}

func (c ChannelID) String() string { return string(c) }

// Channel is the cached record of a server-side channel.
// Related records (members, messages, watchers) are referenced by key only.
type Channel struct {
	CID           ChannelID      `json:"cid"`
	Type          string         `json:"type"`
	Name          string         `json:"name,omitempty"`
	CreatedBy     string         `json:"created_by,omitempty"` // User ID
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	LastMessageAt time.Time      `json:"last_message_at,omitzero"`
	MemberCount   int            `json:"member_count"`
	Frozen        bool           `json:"frozen,omitempty"`
	Hidden        bool           `json:"hidden,omitempty"`
	Disabled      bool           `json:"disabled,omitempty"`
	ExtraData     map[string]any `json:"extra_data,omitempty"`

	// Volatile state, wiped by a clean.
	WatcherCount    int       `json:"watcher_count"`
	Watchers        []string  `json:"watchers,omitempty"` // User IDs
	OldestMessageAt time.Time `json:"oldest_message_at,omitzero"`
	NewestMessageAt time.Time `json:"newest_message_at,omitzero"`
}

// HasWatcher reports whether userID is in the watcher list.
func (c *Channel) HasWatcher(userID string) bool {
	for _, id := range c.Watchers {
		if id == userID {
			return true
		}
	}
	return false
}

// AddWatcher appends userID to the watcher list if absent.
func (c *Channel) AddWatcher(userID string) {
	if !c.HasWatcher(userID) {
		c.Watchers = append(c.Watchers, userID)
	}
}

// MemberKey is the composite key of a channel member: the channel id
// followed by the user id. The separator keeps all members of one channel
// under a common key prefix.
func MemberKey(cid ChannelID, userID string) string {
	return string(cid) + keySeparator + userID
}

// KeyPrefix returns the prefix shared by the member and message keys of cid.
func KeyPrefix(cid ChannelID) string {
	return string(cid) + keySeparator
}

const keySeparator = "/"

// Member is a user's membership in a channel.
type Member struct {
	Key                string    `json:"key"`
	CID                ChannelID `json:"cid"`
	UserID             string    `json:"user_id"`
	Role               string    `json:"role,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	Banned             bool      `json:"banned,omitempty"`
	ShadowBanned       bool      `json:"shadow_banned,omitempty"`
	BanExpiresAt       time.Time `json:"ban_expires_at,omitzero"`
	Invited            bool      `json:"invited,omitempty"`
	InviteAcceptedAt   time.Time `json:"invite_accepted_at,omitzero"`
	InviteRejectedAt   time.Time `json:"invite_rejected_at,omitzero"`
	NotificationsMuted bool      `json:"notifications_muted,omitempty"`
}

// User is the cached record of a chat user.
type User struct {
	ID           string         `json:"id"`
	Name         string         `json:"name,omitempty"`
	Image        string         `json:"image,omitempty"`
	Role         string         `json:"role,omitempty"`
	Language     string         `json:"language,omitempty"`
	Teams        []string       `json:"teams,omitempty"`
	Online       bool           `json:"online,omitempty"`
	Banned       bool           `json:"banned,omitempty"`
	CreatedAt    time.Time      `json:"created_at,omitzero"`
	UpdatedAt    time.Time      `json:"updated_at,omitzero"`
	LastActiveAt time.Time      `json:"last_active_at,omitzero"`
	ExtraData    map[string]any `json:"extra_data,omitempty"`
}

// MessageKey is the composite key of a cached message.
func MessageKey(cid ChannelID, messageID string) string {
	return string(cid) + keySeparator + messageID
}

// LocalMessageState tracks messages that exist only on this device.
type LocalMessageState string

const (
	LocalStateNone        LocalMessageState = ""
	LocalStatePendingSend LocalMessageState = "pending_send"
	LocalStateSending     LocalMessageState = "sending"
	LocalStateSendFailed  LocalMessageState = "send_failed"
)

// Message is a cached channel message.
type Message struct {
	Key        string            `json:"key"`
	ID         string            `json:"id"`
	CID        ChannelID         `json:"cid"`
	UserID     string            `json:"user_id"`
	Text       string            `json:"text,omitempty"`
	Type       string            `json:"type,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	LocalState LocalMessageState `json:"local_state,omitempty"`
}

// IsLocalOnly reports whether the server has not seen this message yet.
// A clean never drops these.
func (m *Message) IsLocalOnly() bool {
	return m.LocalState != LocalStateNone
}

// CachedQuery is the persisted side of a ChannelListQuery. Its membership
// set lives in separate join records keyed by Hash.
type CachedQuery struct {
	Hash       string     `json:"hash"`
	Filter     Filter     `json:"filter"`
	Sort       []Sorting  `json:"sort,omitempty"`
	Pagination Pagination `json:"pagination"` // Last applied page
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
