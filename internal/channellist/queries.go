package channellist

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/mmcdole/chansync/internal/domain"
	"github.com/mmcdole/chansync/internal/search"
	"github.com/mmcdole/chansync/internal/store"
)

// Queries reads channel lists from the cache only. It never hits the network.
type Queries struct {
	db     Database
	logger *slog.Logger
}

// NewQueries creates a new Queries instance.
func NewQueries(db Database, logger *slog.Logger) *Queries {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queries{db: db, logger: logger}
}

// CachedQuery returns the cached query for a filter hash.
func (q *Queries) CachedQuery(ctx context.Context, hash string) (*domain.CachedQuery, error) {
	var out *domain.CachedQuery
	err := q.db.Read(ctx, func(r *store.ReadSession) error {
		cq, ok := r.Query(hash)
		if !ok {
			return fmt.Errorf("query %s: %w", hash, domain.ErrNotFound)
		}
		out = cq
		return nil
	})
	return out, err
}

// CachedChannels returns the cached members of query, ordered by the
// query's sort. Links to channels that are no longer cached are skipped.
func (q *Queries) CachedChannels(ctx context.Context, query domain.ChannelListQuery) ([]domain.Channel, error) {
	hash := query.FilterHash()
	var channels []domain.Channel
	err := q.db.Read(ctx, func(r *store.ReadSession) error {
		if _, ok := r.Query(hash); !ok {
			return fmt.Errorf("query %s: %w", hash, domain.ErrNotFound)
		}
		cids, err := r.Membership(hash)
		if err != nil {
			return err
		}
		for _, cid := range cids {
			ch, ok := r.Channel(cid)
			if !ok {
				q.logger.Debug("linked channel missing from cache", "hash", hash, "cid", cid)
				continue
			}
			channels = append(channels, *ch)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort := query.SortOrDefault()
	slices.SortFunc(channels, func(a, b domain.Channel) int {
		switch {
		case domain.LessChannels(sort, &a, &b):
			return -1
		case domain.LessChannels(sort, &b, &a):
			return 1
		default:
			return 0
		}
	})
	return channels, nil
}

// SearchChannels returns the cached members of query whose title
// fuzzy-matches text, best match first.
func (q *Queries) SearchChannels(ctx context.Context, query domain.ChannelListQuery, text string) ([]search.Result, error) {
	channels, err := q.CachedChannels(ctx, query)
	if err != nil {
		return nil, err
	}
	results := search.NewIndex(channels).Find(text)
	q.logger.Debug("searched cached channels", "hash", query.FilterHash(), "text", text, "results", len(results))
	return results, nil
}

// Channel returns one cached channel.
func (q *Queries) Channel(ctx context.Context, cid domain.ChannelID) (*domain.Channel, error) {
	var out *domain.Channel
	err := q.db.Read(ctx, func(r *store.ReadSession) error {
		ch, ok := r.Channel(cid)
		if !ok {
			return fmt.Errorf("channel %s: %w", cid, domain.ErrNotFound)
		}
		out = ch
		return nil
	})
	return out, err
}

// Members returns the cached members of a channel.
func (q *Queries) Members(ctx context.Context, cid domain.ChannelID) ([]domain.Member, error) {
	var out []domain.Member
	err := q.db.Read(ctx, func(r *store.ReadSession) error {
		members, err := r.Members(cid)
		if err != nil {
			return err
		}
		for _, m := range members {
			out = append(out, *m)
		}
		return nil
	})
	return out, err
}

// Messages returns the cached messages of a channel, oldest first.
func (q *Queries) Messages(ctx context.Context, cid domain.ChannelID) ([]domain.Message, error) {
	var out []domain.Message
	err := q.db.Read(ctx, func(r *store.ReadSession) error {
		msgs, err := r.Messages(cid)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			out = append(out, *m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b domain.Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}
