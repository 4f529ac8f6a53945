package channellist

import (
	"context"

	"github.com/mmcdole/chansync/internal/domain"
	"github.com/mmcdole/chansync/internal/store"
)

// Link adds a cached channel to a cached query. If either is not cached yet
// the call does nothing; the caller may be racing the query's first fetch.
func (s *Service) Link(ctx context.Context, cid domain.ChannelID, q domain.ChannelListQuery) error {
	return s.withChannelAndQuery(ctx, cid, q, func(sess *store.Session, hash string) error {
		return sess.Link(hash, cid)
	})
}

// Unlink removes a channel from a cached query. Same no-op rules as Link.
func (s *Service) Unlink(ctx context.Context, cid domain.ChannelID, q domain.ChannelListQuery) error {
	return s.withChannelAndQuery(ctx, cid, q, func(sess *store.Session, hash string) error {
		return sess.Unlink(hash, cid)
	})
}

func (s *Service) withChannelAndQuery(
	ctx context.Context,
	cid domain.ChannelID,
	q domain.ChannelListQuery,
	fn func(sess *store.Session, hash string) error,
) error {
	hash := q.FilterHash()
	return s.db.Write(ctx, func(sess *store.Session) error {
		if _, ok := sess.Query(hash); !ok {
			s.logger.Debug("channel list query not cached yet", "hash", hash)
			return nil
		}
		if _, ok := sess.Channel(cid); !ok {
			s.logger.Debug("channel not cached", "cid", cid)
			return nil
		}
		return fn(sess, hash)
	})
}

// MarkAllRead marks every channel as read on the server. The cache is not
// touched; read state arrives with the next event or page.
func (s *Service) MarkAllRead(ctx context.Context) error {
	op := s.begin("mark_all_read", "")
	op.step(domain.SyncRequesting)
	if err := s.client.MarkAllRead(ctx); err != nil {
		return op.fail(err)
	}
	op.done()
	return nil
}
