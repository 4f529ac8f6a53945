package store

import (
	"log/slog"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mmcdole/chansync/internal/domain"
	"github.com/mmcdole/chansync/internal/identity"
)

// Record kinds tracked by the identity map.
const (
	kindChannel identity.Kind = "channel"
	kindMember  identity.Kind = "member"
	kindUser    identity.Kind = "user"
	kindMessage identity.Kind = "message"
	kindQuery   identity.Kind = "query"
)

var kindBuckets = map[identity.Kind][]byte{
	kindChannel: bucketChannels,
	kindMember:  bucketMembers,
	kindUser:    bucketUsers,
	kindMessage: bucketMessages,
	kindQuery:   bucketQueries,
}

// Session is the handle passed to a Write scope. It must not be retained
// after the scope returns.
type Session struct {
	tx     *bolt.Tx
	ids    *identity.Map
	logger *slog.Logger
	now    time.Time
}

func newSession(tx *bolt.Tx, logger *slog.Logger) *Session {
	return &Session{
		tx:     tx,
		ids:    identity.New(),
		logger: logger,
		now:    time.Now().UTC(),
	}
}

// flush writes back every record the scope resolved.
func (s *Session) flush() error {
	err := s.ids.Each(func(key identity.Key, rec any) error {
		return putJSON(s.tx, kindBuckets[key.Kind], key.ID, rec)
	})
	if err != nil {
		return err
	}
	if s.ids.Len() > 0 {
		s.logger.Debug("write scope flushed", "records", s.ids.Len(), "loads", s.ids.Loads())
	}
	return nil
}

func loader[T any](tx *bolt.Tx, bucket []byte) identity.Loader[T] {
	return func(id string) (*T, bool) {
		return getJSON[T](tx, bucket, id)
	}
}

// === Channels ===

// Channel returns the cached channel, or false if it is not cached.
func (s *Session) Channel(cid domain.ChannelID) (*domain.Channel, bool) {
	return identity.Load(s.ids, kindChannel, string(cid), loader[domain.Channel](s.tx, bucketChannels))
}

// LoadOrCreateChannel returns the scope's instance of the channel,
// inserting an empty record if it is not cached.
func (s *Session) LoadOrCreateChannel(cid domain.ChannelID) *domain.Channel {
	return identity.LoadOrCreate(s.ids, kindChannel, string(cid),
		loader[domain.Channel](s.tx, bucketChannels),
		func(id string) *domain.Channel {
			c := domain.ChannelID(id)
			return &domain.Channel{CID: c, Type: c.Type()}
		})
}

// === Users ===

// User returns the cached user, or false if it is not cached.
func (s *Session) User(id string) (*domain.User, bool) {
	return identity.Load(s.ids, kindUser, id, loader[domain.User](s.tx, bucketUsers))
}

// LoadOrCreateUser returns the scope's instance of the user.
func (s *Session) LoadOrCreateUser(id string) *domain.User {
	return identity.LoadOrCreate(s.ids, kindUser, id,
		loader[domain.User](s.tx, bucketUsers),
		func(id string) *domain.User { return &domain.User{ID: id} })
}

// === Members ===

// LoadOrCreateMember returns the scope's instance of the membership of
// userID in cid.
func (s *Session) LoadOrCreateMember(cid domain.ChannelID, userID string) *domain.Member {
	return identity.LoadOrCreate(s.ids, kindMember, domain.MemberKey(cid, userID),
		loader[domain.Member](s.tx, bucketMembers),
		func(key string) *domain.Member {
			return &domain.Member{Key: key, CID: cid, UserID: userID}
		})
}

// === Messages ===

// LoadOrCreateMessage returns the scope's instance of a channel message.
func (s *Session) LoadOrCreateMessage(cid domain.ChannelID, messageID string) *domain.Message {
	return identity.LoadOrCreate(s.ids, kindMessage, domain.MessageKey(cid, messageID),
		loader[domain.Message](s.tx, bucketMessages),
		func(key string) *domain.Message {
			return &domain.Message{Key: key, ID: messageID, CID: cid}
		})
}

// === Queries ===

// Query returns the cached query with the given filter hash.
func (s *Session) Query(hash string) (*domain.CachedQuery, bool) {
	return identity.Load(s.ids, kindQuery, hash, loader[domain.CachedQuery](s.tx, bucketQueries))
}

// SaveQuery loads or creates the cached query for q and records the page
// being applied.
func (s *Session) SaveQuery(q domain.ChannelListQuery) *domain.CachedQuery {
	hash := q.FilterHash()
	cq := identity.LoadOrCreate(s.ids, kindQuery, hash,
		loader[domain.CachedQuery](s.tx, bucketQueries),
		func(hash string) *domain.CachedQuery {
			return &domain.CachedQuery{Hash: hash, CreatedAt: s.now}
		})
	cq.Filter = q.Filter
	cq.Sort = q.Sort
	cq.Pagination = q.Pagination
	cq.UpdatedAt = s.now
	return cq
}

// === Membership ===

// Membership returns the channel ids linked to the query, in key order.
func (s *Session) Membership(hash string) ([]domain.ChannelID, error) {
	return membership(s.tx, hash)
}

// Link adds cid to the query's membership. Linking twice is a no-op.
func (s *Session) Link(hash string, cid domain.ChannelID) error {
	if err := s.tx.Bucket(bucketQueryChannels).Put([]byte(linkKey(hash, cid)), []byte{}); err != nil {
		return &domain.StoreError{Op: "link", Err: err}
	}
	return nil
}

// Unlink removes cid from the query's membership. The channel record is
// not touched.
func (s *Session) Unlink(hash string, cid domain.ChannelID) error {
	if err := s.tx.Bucket(bucketQueryChannels).Delete([]byte(linkKey(hash, cid))); err != nil {
		return &domain.StoreError{Op: "unlink", Err: err}
	}
	return nil
}

// ClearMembership unlinks every channel from the query.
func (s *Session) ClearMembership(hash string) error {
	var keys []string
	err := scanPrefix(s.tx, bucketQueryChannels, linkPrefix(hash), func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	})
	if err != nil {
		return err
	}
	return deleteKeys(s.tx, bucketQueryChannels, keys)
}

func membership(tx *bolt.Tx, hash string) ([]domain.ChannelID, error) {
	prefix := linkPrefix(hash)
	var cids []domain.ChannelID
	err := scanPrefix(tx, bucketQueryChannels, prefix, func(k, _ []byte) error {
		cids = append(cids, domain.ChannelID(strings.TrimPrefix(string(k), prefix)))
		return nil
	})
	return cids, err
}

// === Clean ===

// CleanChannels drops the volatile state of each cached channel: messages
// other than local-only ones, watchers, and the loaded-history markers.
// Identity, members and query links are kept. Unknown channels are skipped.
func (s *Session) CleanChannels(cids []domain.ChannelID) error {
	for _, cid := range cids {
		ch, ok := s.Channel(cid)
		if !ok {
			continue
		}
		ch.Watchers = nil
		ch.WatcherCount = 0
		ch.OldestMessageAt = time.Time{}
		ch.NewestMessageAt = time.Time{}

		if err := s.cleanMessages(cid); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) cleanMessages(cid domain.ChannelID) error {
	load := loader[domain.Message](s.tx, bucketMessages)

	var stale []string
	err := scanPrefix(s.tx, bucketMessages, domain.KeyPrefix(cid), func(k, _ []byte) error {
		key := string(k)
		// The scope's instance wins over the persisted bytes.
		if msg, ok := identity.Load(s.ids, kindMessage, key, load); ok && msg.IsLocalOnly() {
			return nil
		}
		stale = append(stale, key)
		return nil
	})
	if err != nil {
		return err
	}

	// Messages inserted earlier in this scope are not persisted yet.
	_ = s.ids.Each(func(k identity.Key, rec any) error {
		if k.Kind != kindMessage || !strings.HasPrefix(k.ID, domain.KeyPrefix(cid)) {
			return nil
		}
		if msg := rec.(*domain.Message); !msg.IsLocalOnly() && s.ids.Created(kindMessage, k.ID) {
			stale = append(stale, k.ID)
		}
		return nil
	})

	for _, key := range stale {
		s.ids.Forget(kindMessage, key)
	}
	if err := deleteKeys(s.tx, bucketMessages, stale); err != nil {
		return err
	}
	if len(stale) > 0 {
		s.logger.Debug("cleaned channel messages", "cid", cid, "deleted", len(stale))
	}
	return nil
}
