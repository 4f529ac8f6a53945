package store

import (
	"github.com/mmcdole/chansync/internal/api"
	"github.com/mmcdole/chansync/internal/domain"
	"github.com/mmcdole/chansync/internal/identity"
)

// SaveChannels applies a page of channel payloads and returns the channel
// records in payload order. Fragments naming the same channel resolve to
// one record; later fragments overwrite earlier fields.
func (s *Session) SaveChannels(resp *api.ChannelsResponse) []*domain.Channel {
	if resp == nil {
		return nil
	}
	s.prewarm(resp.Channels)

	channels := make([]*domain.Channel, 0, len(resp.Channels))
	seen := make(map[domain.ChannelID]bool, len(resp.Channels))
	for i := range resp.Channels {
		ch := s.SaveChannel(&resp.Channels[i])
		if ch == nil || seen[ch.CID] {
			continue
		}
		seen[ch.CID] = true
		channels = append(channels, ch)
	}
	return channels
}

// SaveChannel applies one channel payload. Payloads without a valid
// channel id are ignored.
func (s *Session) SaveChannel(p *api.ChannelStateResponse) *domain.Channel {
	if p == nil || p.Channel == nil {
		return nil
	}
	cp := p.Channel
	cid, err := domain.ParseChannelID(cp.CID)
	if err != nil {
		s.logger.Debug("skipping channel payload", "error", err)
		return nil
	}
	ch := s.LoadOrCreateChannel(cid)

	ch.Type = cp.Type
	if ch.Type == "" {
		ch.Type = ch.CID.Type()
	}
	ch.Name = cp.Name
	ch.CreatedAt = cp.CreatedAt
	ch.UpdatedAt = cp.UpdatedAt
	if cp.LastMessageAt != nil {
		ch.LastMessageAt = *cp.LastMessageAt
	}
	ch.MemberCount = cp.MemberCount
	ch.Frozen = cp.Frozen
	ch.Hidden = cp.Hidden
	ch.Disabled = cp.Disabled
	ch.ExtraData = cp.Custom
	if cp.CreatedBy != nil {
		ch.CreatedBy = s.SaveUser(cp.CreatedBy).ID
	}

	for _, m := range p.Members {
		s.saveMember(ch.CID, m)
	}
	if p.Membership != nil {
		s.saveMember(ch.CID, p.Membership)
	}

	for i := range p.Messages {
		msg := s.saveMessage(ch.CID, &p.Messages[i])
		if ch.OldestMessageAt.IsZero() || msg.CreatedAt.Before(ch.OldestMessageAt) {
			ch.OldestMessageAt = msg.CreatedAt
		}
		if msg.CreatedAt.After(ch.NewestMessageAt) {
			ch.NewestMessageAt = msg.CreatedAt
		}
	}

	for i := range p.Watchers {
		if u := s.SaveUser(&p.Watchers[i]); u.ID != "" {
			ch.AddWatcher(u.ID)
		}
	}
	ch.WatcherCount = p.WatcherCount

	return ch
}

// SaveUser applies a user payload. A payload without an id yields a
// detached record that is never stored.
func (s *Session) SaveUser(p *api.UserResponse) *domain.User {
	if p.ID == "" {
		return &domain.User{}
	}
	u := s.LoadOrCreateUser(p.ID)
	u.Name = p.Name
	u.Image = p.Image
	u.Role = p.Role
	u.Language = p.Language
	u.Teams = p.Teams
	u.Online = p.Online
	u.Banned = p.Banned
	u.CreatedAt = p.CreatedAt
	u.UpdatedAt = p.UpdatedAt
	if p.LastActive != nil {
		u.LastActiveAt = *p.LastActive
	}
	u.ExtraData = p.Custom
	return u
}

func (s *Session) saveMember(cid domain.ChannelID, p *api.ChannelMember) *domain.Member {
	if p == nil {
		return nil
	}
	userID := memberUserID(p)
	if userID == "" {
		s.logger.Debug("skipping member without user id", "cid", cid)
		return nil
	}
	if p.User != nil {
		s.SaveUser(p.User)
	}

	m := s.LoadOrCreateMember(cid, userID)
	m.Role = p.ChannelRole
	m.CreatedAt = p.CreatedAt
	m.UpdatedAt = p.UpdatedAt
	m.Banned = p.Banned
	m.ShadowBanned = p.ShadowBanned
	if p.BanExpires != nil {
		m.BanExpiresAt = *p.BanExpires
	}
	if p.Invited != nil {
		m.Invited = *p.Invited
	}
	if p.InviteAcceptedAt != nil {
		m.InviteAcceptedAt = *p.InviteAcceptedAt
	}
	if p.InviteRejectedAt != nil {
		m.InviteRejectedAt = *p.InviteRejectedAt
	}
	m.NotificationsMuted = p.NotificationsMuted
	return m
}

func (s *Session) saveMessage(cid domain.ChannelID, p *api.MessageResponse) *domain.Message {
	msg := s.LoadOrCreateMessage(cid, p.ID)
	msg.Text = p.Text
	msg.Type = p.Type
	msg.CreatedAt = p.CreatedAt
	msg.UpdatedAt = p.UpdatedAt
	// The server has the message now.
	msg.LocalState = domain.LocalStateNone
	if p.User != nil {
		msg.UserID = s.SaveUser(p.User).ID
	}
	return msg
}

// prewarm resolves every key a page references in one pass per kind.
func (s *Session) prewarm(payloads []api.ChannelStateResponse) {
	var cids, users, members, messages []string
	addUser := func(u *api.UserResponse) {
		if u != nil {
			users = append(users, u.ID)
		}
	}

	for i := range payloads {
		p := &payloads[i]
		if p.Channel == nil {
			continue
		}
		cid, err := domain.ParseChannelID(p.Channel.CID)
		if err != nil {
			continue
		}
		cids = append(cids, string(cid))
		addUser(p.Channel.CreatedBy)

		addMember := func(m *api.ChannelMember) {
			if m == nil {
				return
			}
			addUser(m.User)
			if id := memberUserID(m); id != "" {
				members = append(members, domain.MemberKey(cid, id))
			}
		}
		for _, m := range p.Members {
			addMember(m)
		}
		addMember(p.Membership)
		for j := range p.Messages {
			messages = append(messages, domain.MessageKey(cid, p.Messages[j].ID))
			addUser(p.Messages[j].User)
		}
		for j := range p.Watchers {
			addUser(&p.Watchers[j])
		}
	}

	identity.Prewarm(s.ids, kindChannel, cids, loader[domain.Channel](s.tx, bucketChannels))
	identity.Prewarm(s.ids, kindUser, users, loader[domain.User](s.tx, bucketUsers))
	identity.Prewarm(s.ids, kindMember, members, loader[domain.Member](s.tx, bucketMembers))
	identity.Prewarm(s.ids, kindMessage, messages, loader[domain.Message](s.tx, bucketMessages))
}

func memberUserID(p *api.ChannelMember) string {
	if p.UserID != "" {
		return p.UserID
	}
	if p.User != nil {
		return p.User.ID
	}
	return ""
}
