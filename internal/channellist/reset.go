package channellist

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mmcdole/chansync/internal/domain"
	"github.com/mmcdole/chansync/internal/reconcile"
	"github.com/mmcdole/chansync/internal/store"
)

// ResetResult is the outcome of ResetQuery.
type ResetResult struct {
	// Synced holds the channels of the fetched first page, now cached and
	// linked to the query.
	Synced []domain.Channel
	// Unwanted holds channels that dropped out of the query and are neither
	// watched nor synced. The caller should stop watching them.
	Unwanted []domain.ChannelID
}

// ResetRequest names one query to re-synchronize.
type ResetRequest struct {
	Query    domain.ChannelListQuery
	PageSize int
	Watched  reconcile.Set[domain.ChannelID]
	Synced   reconcile.Set[domain.ChannelID]
}

// ResetQuery re-synchronizes a cached query from its first page, typically
// after a connection recovery. Members the server no longer reports are
// unlinked; members on both sides that are not watched or synced are
// cleaned under the service's CleanPolicy.
func (s *Service) ResetQuery(
	ctx context.Context,
	q domain.ChannelListQuery,
	pageSize int,
	watched, synced reconcile.Set[domain.ChannelID],
) (ResetResult, error) {
	q.Pagination = domain.Pagination{PageSize: pageSize}
	hash := q.FilterHash()
	op := s.begin("reset", hash)

	resp, err := s.request(ctx, op, q)
	if err != nil {
		return ResetResult{}, op.fail(err)
	}

	var result ResetResult
	err = s.apply(ctx, op, func(sess *store.Session) error {
		var local reconcile.Set[domain.ChannelID]
		if _, ok := sess.Query(hash); ok {
			cids, err := sess.Membership(hash)
			if err != nil {
				return err
			}
			local = reconcile.NewSet(cids...)
		}

		protected := watched.Union(synced)
		plan := reconcile.Compute(reconcile.Input[domain.ChannelID]{
			Local:     local,
			Remote:    resp.CIDs(),
			Protected: protected,
			Mode:      reconcile.Reset,
		})
		s.clean.Keep(reconcile.Sorted(protected))

		for _, cid := range plan.Unlink {
			if err := sess.Unlink(hash, cid); err != nil {
				return err
			}
		}
		if len(plan.Clean) > 0 {
			if err := s.clean.Clean(sess, plan.Clean); err != nil {
				return err
			}
		}

		sess.SaveQuery(q)
		saved := sess.SaveChannels(resp)
		for _, cid := range plan.Link {
			if err := sess.Link(hash, cid); err != nil {
				return err
			}
		}

		result = ResetResult{Synced: copyChannels(saved), Unwanted: plan.Unwanted}
		s.logger.Debug("channel list reset",
			"hash", hash,
			"linked", len(plan.Link),
			"unlinked", len(plan.Unlink),
			"cleaned", len(plan.Clean),
			"unwanted", len(plan.Unwanted),
		)
		return nil
	})
	if err != nil {
		return ResetResult{}, op.fail(err)
	}

	op.done()
	return result, nil
}

// ResetQueries resets several queries concurrently. Network requests run in
// parallel; their write scopes are still serialized by the store. The first
// failure cancels the remaining requests and is returned.
func (s *Service) ResetQueries(ctx context.Context, reqs []ResetRequest) (map[string]ResetResult, error) {
	var (
		mu      sync.Mutex
		results = make(map[string]ResetResult, len(reqs))
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, req := range reqs {
		g.Go(func() error {
			res, err := s.ResetQuery(ctx, req.Query, req.PageSize, req.Watched, req.Synced)
			if err != nil {
				return err
			}
			mu.Lock()
			results[req.Query.FilterHash()] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
