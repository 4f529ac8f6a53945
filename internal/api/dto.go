package api

import (
	"time"

	"github.com/mmcdole/chansync/internal/domain"
)

// QueryChannelsRequest is the body of POST /channels.
type QueryChannelsRequest struct {
	FilterConditions map[string]any `json:"filter_conditions,omitempty"`
	Sort             []SortParam    `json:"sort,omitempty"`
	Limit            int            `json:"limit,omitempty"`
	Offset           int            `json:"offset,omitempty"`
	Next             string         `json:"next,omitempty"`
	MessageLimit     *int           `json:"message_limit,omitempty"`
	MemberLimit      *int           `json:"member_limit,omitempty"`
	Watch            bool           `json:"watch"`
	State            bool           `json:"state"`
	Presence         bool           `json:"presence"`
}

// SortParam is one sort clause on the wire.
type SortParam struct {
	Field     string `json:"field"`
	Direction int    `json:"direction"`
}

// NewQueryChannelsRequest encodes a channel list query for the wire.
func NewQueryChannelsRequest(q domain.ChannelListQuery) QueryChannelsRequest {
	req := QueryChannelsRequest{
		FilterConditions: q.Filter,
		Limit:            q.PageSize(),
		Offset:           q.Pagination.Offset,
		Next:             q.Pagination.Cursor,
		Watch:            q.Options.Watch,
		State:            q.Options.State,
		Presence:         q.Options.Presence,
	}
	for _, s := range q.Sort {
		req.Sort = append(req.Sort, SortParam{Field: string(s.Key), Direction: s.Direction})
	}
	if q.MessageLimit > 0 {
		req.MessageLimit = &q.MessageLimit
	}
	if q.MemberLimit > 0 {
		req.MemberLimit = &q.MemberLimit
	}
	return req
}

// ChannelsResponse is the decoded reply of POST /channels.
type ChannelsResponse struct {
	Channels []ChannelStateResponse `json:"channels"`
	Duration string                 `json:"duration"`
}

// CIDs returns the channel ids of the page in server order. Entries
// without a channel are skipped.
func (r *ChannelsResponse) CIDs() []domain.ChannelID {
	if r == nil {
		return nil
	}
	cids := make([]domain.ChannelID, 0, len(r.Channels))
	for _, ch := range r.Channels {
		if ch.Channel != nil {
			cids = append(cids, domain.ChannelID(ch.Channel.CID))
		}
	}
	return cids
}

// ChannelStateResponse is one channel plus the state the server sent with it.
type ChannelStateResponse struct {
	Channel      *ChannelResponse  `json:"channel"`
	Members      []*ChannelMember  `json:"members"`
	Messages     []MessageResponse `json:"messages"`
	Watchers     []UserResponse    `json:"watchers"`
	WatcherCount int               `json:"watcher_count"`
	Membership   *ChannelMember    `json:"membership,omitempty"`
}

// ChannelResponse holds the channel's own fields.
type ChannelResponse struct {
	CID           string         `json:"cid"`
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Name          string         `json:"name,omitempty"`
	CreatedBy     *UserResponse  `json:"created_by,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	LastMessageAt *time.Time     `json:"last_message_at,omitempty"`
	MemberCount   int            `json:"member_count"`
	Frozen        bool           `json:"frozen"`
	Hidden        bool           `json:"hidden"`
	Disabled      bool           `json:"disabled"`
	Custom        map[string]any `json:"custom,omitempty"`
}

// ChannelMember is a member entry. The server may send null members.
type ChannelMember struct {
	UserID             string        `json:"user_id,omitempty"`
	User               *UserResponse `json:"user,omitempty"`
	ChannelRole        string        `json:"channel_role"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	Banned             bool          `json:"banned"`
	ShadowBanned       bool          `json:"shadow_banned"`
	BanExpires         *time.Time    `json:"ban_expires,omitempty"`
	Invited            *bool         `json:"invited,omitempty"`
	InviteAcceptedAt   *time.Time    `json:"invite_accepted_at,omitempty"`
	InviteRejectedAt   *time.Time    `json:"invite_rejected_at,omitempty"`
	NotificationsMuted bool          `json:"notifications_muted"`
}

// UserResponse is a user as embedded in other payloads.
type UserResponse struct {
	ID         string         `json:"id"`
	Name       string         `json:"name,omitempty"`
	Image      string         `json:"image,omitempty"`
	Role       string         `json:"role,omitempty"`
	Language   string         `json:"language,omitempty"`
	Teams      []string       `json:"teams,omitempty"`
	Online     bool           `json:"online"`
	Banned     bool           `json:"banned"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	LastActive *time.Time     `json:"last_active,omitempty"`
	Custom     map[string]any `json:"custom,omitempty"`
}

// MessageResponse is a channel message.
type MessageResponse struct {
	ID        string        `json:"id"`
	CID       string        `json:"cid"`
	Text      string        `json:"text"`
	Type      string        `json:"type"`
	User      *UserResponse `json:"user,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// QueryUsersRequest is sent as the JSON "payload" query parameter of GET /users.
type QueryUsersRequest struct {
	FilterConditions map[string]any `json:"filter_conditions"`
	Limit            int            `json:"limit,omitempty"`
}

// UsersResponse is the decoded reply of GET /users.
type UsersResponse struct {
	Users    []UserResponse `json:"users"`
	Duration string         `json:"duration"`
}

// MuteUsersRequest is the body of the mute and unmute endpoints.
type MuteUsersRequest struct {
	TargetIDs []string `json:"target_ids"`
	Timeout   int      `json:"timeout,omitempty"` // Minutes, 0 for no expiry
}

// errorResponse is the body the API sends with 4xx/5xx statuses.
type errorResponse struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"StatusCode"`
}
