package channellist

import (
	"context"

	"github.com/mmcdole/chansync/internal/api"
	"github.com/mmcdole/chansync/internal/domain"
	"github.com/mmcdole/chansync/internal/reconcile"
	"github.com/mmcdole/chansync/internal/store"
)

// Fetch returns one page of q from the server without touching the cache.
func (s *Service) Fetch(ctx context.Context, q domain.ChannelListQuery) (*api.ChannelsResponse, error) {
	op := s.begin("fetch", q.FilterHash())
	resp, err := s.request(ctx, op, q)
	if err != nil {
		return nil, op.fail(err)
	}
	op.done()
	return resp, nil
}

// Update fetches one page of q and merges it into the cached query.
//
// A first page (no cursor, offset 0) replaces the membership: existing
// links are cleared in the same write scope before the page is linked.
// Later pages only add to it.
func (s *Service) Update(ctx context.Context, q domain.ChannelListQuery) ([]domain.Channel, error) {
	channels, _, err := s.update(ctx, q)
	return channels, err
}

// update applies one page and also returns the number of entries the
// server sent, duplicates included.
func (s *Service) update(ctx context.Context, q domain.ChannelListQuery) ([]domain.Channel, int, error) {
	hash := q.FilterHash()
	op := s.begin("update", hash)

	resp, err := s.request(ctx, op, q)
	if err != nil {
		return nil, 0, op.fail(err)
	}

	var channels []domain.Channel
	err = s.apply(ctx, op, func(sess *store.Session) error {
		if q.IsInitialPage() {
			if _, ok := sess.Query(hash); ok {
				if err := sess.ClearMembership(hash); err != nil {
					return err
				}
			}
		}

		plan := reconcile.Compute(reconcile.Input[domain.ChannelID]{
			Remote: resp.CIDs(),
			Mode:   reconcile.Append,
		})

		sess.SaveQuery(q)
		saved := sess.SaveChannels(resp)
		for _, cid := range plan.Link {
			if err := sess.Link(hash, cid); err != nil {
				return err
			}
		}
		channels = copyChannels(saved)
		return nil
	})
	if err != nil {
		return nil, 0, op.fail(err)
	}

	op.done()
	s.logger.Debug("channel list updated",
		"hash", hash,
		"offset", q.Pagination.Offset,
		"count", len(channels),
	)
	return channels, len(resp.Channels), nil
}

// UpdateAll pages through q from its current offset until the server returns
// a short page, reporting progress after every page.
func (s *Service) UpdateAll(ctx context.Context, q domain.ChannelListQuery, onProgress domain.ProgressFunc) ([]domain.Channel, error) {
	var all []domain.Channel
	pages := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, n, err := s.update(ctx, q)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		pages++

		if onProgress != nil {
			onProgress(pages, len(all))
		}

		if n < q.PageSize() {
			return all, nil
		}
		q = q.NextPage(n)
	}
}

// StartWatching fetches the given channels with watch and state enabled and
// caches them without linking them to any query.
func (s *Service) StartWatching(ctx context.Context, cids []domain.ChannelID) error {
	op := s.begin("watch", "")
	if len(cids) == 0 {
		op.done()
		return nil
	}

	for start := 0; start < len(cids); start += domain.MaxChannelsPageSize {
		batch := cids[start:min(start+domain.MaxChannelsPageSize, len(cids))]

		q := domain.NewChannelListQuery(domain.In("cid", batch))
		q.Pagination.PageSize = len(batch)
		q.Options.Presence = true

		resp, err := s.request(ctx, op, q)
		if err != nil {
			return op.fail(err)
		}
		err = s.apply(ctx, op, func(sess *store.Session) error {
			sess.SaveChannels(resp)
			return nil
		})
		if err != nil {
			return op.fail(err)
		}
	}

	op.done()
	s.logger.Debug("started watching channels", "count", len(cids))
	return nil
}
