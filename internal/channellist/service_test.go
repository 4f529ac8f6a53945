package channellist

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmcdole/chansync/internal/api"
	"github.com/mmcdole/chansync/internal/domain"
	"github.com/mmcdole/chansync/internal/reconcile"
	"github.com/mmcdole/chansync/internal/store"
)

const (
	chA domain.ChannelID = "messaging:a"
	chB domain.ChannelID = "messaging:b"
	chC domain.ChannelID = "messaging:c"
	chD domain.ChannelID = "messaging:d"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClient struct {
	mu          sync.Mutex
	respond     func(req api.QueryChannelsRequest) (*api.ChannelsResponse, error)
	requests    []api.QueryChannelsRequest
	markAllRead int
}

func (f *fakeClient) QueryChannels(_ context.Context, req api.QueryChannelsRequest) (*api.ChannelsResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	respond := f.respond
	f.mu.Unlock()
	return respond(req)
}

func (f *fakeClient) MarkAllRead(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markAllRead++
	return nil
}

func (f *fakeClient) serve(resp *api.ChannelsResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = func(api.QueryChannelsRequest) (*api.ChannelsResponse, error) { return resp, nil }
}

type recordingObserver struct {
	mu     sync.Mutex
	events []domain.SyncEvent
}

func (o *recordingObserver) OnStateChange(e domain.SyncEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
}

func (o *recordingObserver) states() []domain.SyncState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.SyncState, 0, len(o.events))
	for _, e := range o.events {
		out = append(out, e.State)
	}
	return out
}

type fixture struct {
	client  *fakeClient
	db      *store.Store
	svc     *Service
	queries *Queries
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db, err := store.Open(store.Config{Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	client := &fakeClient{}
	return &fixture{
		client:  client,
		db:      db,
		svc:     NewService(client, db, nil, opts...),
		queries: NewQueries(db, nil),
	}
}

func (f *fixture) membership(t *testing.T, q domain.ChannelListQuery) []domain.ChannelID {
	t.Helper()
	var cids []domain.ChannelID
	require.NoError(t, f.db.Read(context.Background(), func(r *store.ReadSession) error {
		var err error
		cids, err = r.Membership(q.FilterHash())
		return err
	}))
	return cids
}

func (f *fixture) counts(t *testing.T) map[string]int {
	t.Helper()
	var out map[string]int
	require.NoError(t, f.db.Read(context.Background(), func(r *store.ReadSession) error {
		out = r.Count()
		return nil
	}))
	return out
}

func (f *fixture) messageIDs(t *testing.T, cid domain.ChannelID) []string {
	t.Helper()
	msgs, err := f.queries.Messages(context.Background(), cid)
	require.NoError(t, err)
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids
}

func channel(cid domain.ChannelID, messageIDs ...string) api.ChannelStateResponse {
	p := api.ChannelStateResponse{
		Channel: &api.ChannelResponse{
			CID:       string(cid),
			Type:      cid.Type(),
			ID:        cid.ID(),
			Name:      "channel " + cid.ID(),
			CreatedAt: t0,
			UpdatedAt: t0,
		},
		Members: []*api.ChannelMember{{
			UserID: "owner",
			User:   &api.UserResponse{ID: "owner"},
		}},
	}
	for i, id := range messageIDs {
		p.Messages = append(p.Messages, api.MessageResponse{
			ID:        id,
			CID:       string(cid),
			User:      &api.UserResponse{ID: "owner"},
			CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		})
	}
	return p
}

func page(channels ...api.ChannelStateResponse) *api.ChannelsResponse {
	return &api.ChannelsResponse{Channels: channels}
}

func messagingQuery() domain.ChannelListQuery {
	return domain.NewChannelListQuery(domain.Filter{"type": "messaging"})
}

func TestFetchDoesNotTouchCache(t *testing.T) {
	f := newFixture(t)
	f.client.serve(page(channel(chA)))

	resp, err := f.svc.Fetch(context.Background(), messagingQuery())
	require.NoError(t, err)
	assert.Equal(t, []domain.ChannelID{chA}, resp.CIDs())

	for bucket, n := range f.counts(t) {
		assert.Zero(t, n, "bucket %s", bucket)
	}
}

func TestUpdateFirstPageReplacesMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := messagingQuery()

	f.client.serve(page(channel(chA), channel(chB)))
	_, err := f.svc.Update(ctx, q)
	require.NoError(t, err)

	f.client.serve(page(channel(chB), channel(chC)))
	channels, err := f.svc.Update(ctx, q)
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, chB, channels[0].CID)

	assert.Equal(t, []domain.ChannelID{chB, chC}, f.membership(t, q))
	_, err = f.queries.Channel(ctx, chA)
	assert.NoError(t, err, "unlinked channels stay cached")
}

func TestUpdateLaterPageAppends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := messagingQuery()

	f.client.serve(page(channel(chA), channel(chB)))
	_, err := f.svc.Update(ctx, q)
	require.NoError(t, err)

	f.client.serve(page(channel(chC)))
	_, err = f.svc.Update(ctx, q.NextPage(2))
	require.NoError(t, err)

	assert.Equal(t, []domain.ChannelID{chA, chB, chC}, f.membership(t, q))

	cq, err := f.queries.CachedQuery(ctx, q.FilterHash())
	require.NoError(t, err)
	assert.Equal(t, 2, cq.Pagination.Offset)

	f.client.mu.Lock()
	defer f.client.mu.Unlock()
	require.Len(t, f.client.requests, 2)
	assert.Equal(t, 2, f.client.requests[1].Offset)
}

func TestUpdateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := messagingQuery()
	f.client.serve(page(channel(chA, "a1", "a2"), channel(chB, "b1")))

	_, err := f.svc.Update(ctx, q)
	require.NoError(t, err)
	members1, counts1 := f.membership(t, q), f.counts(t)
	chA1, err := f.queries.Channel(ctx, chA)
	require.NoError(t, err)

	_, err = f.svc.Update(ctx, q)
	require.NoError(t, err)
	chA2, err := f.queries.Channel(ctx, chA)
	require.NoError(t, err)

	assert.Equal(t, members1, f.membership(t, q))
	assert.Equal(t, counts1, f.counts(t))
	assert.Equal(t, chA1, chA2)
}

func seedABC(t *testing.T, f *fixture, q domain.ChannelListQuery) {
	t.Helper()
	f.client.serve(page(channel(chA, "a1"), channel(chB, "b1"), channel(chC, "c1")))
	_, err := f.svc.Update(context.Background(), q)
	require.NoError(t, err)
	require.Equal(t, []domain.ChannelID{chA, chB, chC}, f.membership(t, q))
}

func TestResetQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := messagingQuery()
	seedABC(t, f, q)

	f.client.serve(page(channel(chB), channel(chC), channel(chD)))
	res, err := f.svc.ResetQuery(ctx, q, 25, reconcile.NewSet(chC), nil)
	require.NoError(t, err)

	assert.Equal(t, []domain.ChannelID{chB, chC, chD}, f.membership(t, q))
	assert.Equal(t, []domain.ChannelID{chA}, res.Unwanted)
	require.Len(t, res.Synced, 3)

	assert.Empty(t, f.messageIDs(t, chB), "B is stale and gets cleaned")
	assert.Equal(t, []string{"c1"}, f.messageIDs(t, chC), "C is protected")
	assert.Equal(t, []string{"a1"}, f.messageIDs(t, chA), "unlinking does not clean")

	f.client.mu.Lock()
	defer f.client.mu.Unlock()
	last := f.client.requests[len(f.client.requests)-1]
	assert.Equal(t, 25, last.Limit)
	assert.Zero(t, last.Offset)
}

func TestResetSyncedChannelsAreProtected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := messagingQuery()
	seedABC(t, f, q)

	f.client.serve(page(channel(chB), channel(chC)))
	res, err := f.svc.ResetQuery(ctx, q, 20, nil, reconcile.NewSet(chA, chB))
	require.NoError(t, err)

	assert.Empty(t, res.Unwanted, "A is synced, so not unwanted")
	assert.Equal(t, []string{"b1"}, f.messageIDs(t, chB))
	assert.Empty(t, f.messageIDs(t, chC))
	assert.Equal(t, []domain.ChannelID{chB, chC}, f.membership(t, q))
}

func TestResetUncachedQueryLinksPage(t *testing.T) {
	f := newFixture(t)
	q := messagingQuery()

	f.client.serve(page(channel(chA), channel(chB)))
	res, err := f.svc.ResetQuery(context.Background(), q, 20, nil, nil)
	require.NoError(t, err)

	assert.Empty(t, res.Unwanted)
	assert.Equal(t, []domain.ChannelID{chA, chB}, f.membership(t, q))
}

func TestResetIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := messagingQuery()
	seedABC(t, f, q)

	f.client.serve(page(channel(chB, "b2"), channel(chC), channel(chD, "d1")))
	watched := reconcile.NewSet(chC)

	_, err := f.svc.ResetQuery(ctx, q, 20, watched, nil)
	require.NoError(t, err)
	members1, counts1 := f.membership(t, q), f.counts(t)

	res, err := f.svc.ResetQuery(ctx, q, 20, watched, nil)
	require.NoError(t, err)

	assert.Equal(t, members1, f.membership(t, q))
	assert.Equal(t, counts1, f.counts(t))
	assert.Empty(t, res.Unwanted)
	assert.Equal(t, []string{"b2"}, f.messageIDs(t, chB))
}

func TestResetWithDeferredClean(t *testing.T) {
	db, err := store.Open(store.Config{Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	defer db.Close()

	cleaner := NewDeferredCleaner(db, time.Hour, nil)
	client := &fakeClient{}
	f := &fixture{
		client:  client,
		db:      db,
		svc:     NewService(client, db, nil, WithCleanPolicy(cleaner)),
		queries: NewQueries(db, nil),
	}
	ctx := context.Background()
	q := messagingQuery()
	seedABC(t, f, q)

	f.client.serve(page(channel(chB), channel(chC)))
	_, err = f.svc.ResetQuery(ctx, q, 20, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, []domain.ChannelID{chB, chC}, cleaner.Pending())
	assert.Equal(t, []string{"b1"}, f.messageIDs(t, chB), "not cleaned until flushed")

	require.NoError(t, cleaner.Flush(ctx))
	assert.Empty(t, cleaner.Pending())
	assert.Empty(t, f.messageIDs(t, chB))
	assert.Empty(t, f.messageIDs(t, chC))
	assert.Equal(t, []domain.ChannelID{chB, chC}, f.membership(t, q))
}

func TestResetDequeuesChannelsProtectedLater(t *testing.T) {
	db, err := store.Open(store.Config{Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	defer db.Close()

	cleaner := NewDeferredCleaner(db, time.Hour, nil)
	client := &fakeClient{}
	f := &fixture{
		client:  client,
		db:      db,
		svc:     NewService(client, db, nil, WithCleanPolicy(cleaner)),
		queries: NewQueries(db, nil),
	}
	ctx := context.Background()
	q := messagingQuery()
	seedABC(t, f, q)

	f.client.serve(page(channel(chB), channel(chC)))
	_, err = f.svc.ResetQuery(ctx, q, 20, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []domain.ChannelID{chB, chC}, cleaner.Pending())

	_, err = f.svc.ResetQuery(ctx, q, 20, reconcile.NewSet(chB), nil)
	require.NoError(t, err)
	assert.Equal(t, []domain.ChannelID{chC}, cleaner.Pending())

	require.NoError(t, cleaner.Flush(ctx))
	assert.Equal(t, []string{"b1"}, f.messageIDs(t, chB), "watched channel keeps its messages")
}

func TestDeferredCleanerRunFlushesOnShutdown(t *testing.T) {
	f := newFixture(t)
	q := messagingQuery()
	seedABC(t, f, q)

	cleaner := NewDeferredCleaner(f.db, time.Hour, nil)
	require.NoError(t, cleaner.Clean(nil, []domain.ChannelID{chA}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cleaner.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Empty(t, f.messageIDs(t, chA))
}

func TestLinkUncachedQueryIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Link(ctx, chA, messagingQuery()))
	require.NoError(t, f.svc.Unlink(ctx, chA, messagingQuery()))

	for bucket, n := range f.counts(t) {
		assert.Zero(t, n, "bucket %s", bucket)
	}
}

func TestLinkUncachedChannelIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := messagingQuery()
	f.client.serve(page(channel(chA)))
	_, err := f.svc.Update(ctx, q)
	require.NoError(t, err)

	require.NoError(t, f.svc.Link(ctx, chD, q))
	assert.Equal(t, []domain.ChannelID{chA}, f.membership(t, q))
}

func TestLinkAndUnlink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := messagingQuery()
	other := domain.NewChannelListQuery(domain.Filter{"type": "team"})

	f.client.serve(page(channel(chA)))
	_, err := f.svc.Update(ctx, q)
	require.NoError(t, err)
	f.client.serve(page(channel(chB)))
	_, err = f.svc.Update(ctx, other)
	require.NoError(t, err)

	require.NoError(t, f.svc.Link(ctx, chB, q))
	assert.Equal(t, []domain.ChannelID{chA, chB}, f.membership(t, q))

	require.NoError(t, f.svc.Unlink(ctx, chA, q))
	assert.Equal(t, []domain.ChannelID{chB}, f.membership(t, q))

	_, err = f.queries.Channel(ctx, chA)
	assert.NoError(t, err)
}

func TestDecodingFailureAppliesNothing(t *testing.T) {
	obs := &recordingObserver{}
	f := newFixture(t, WithObserver(obs))
	f.client.serve(&api.ChannelsResponse{Channels: []api.ChannelStateResponse{channel(chA), {}}})

	_, err := f.svc.Update(context.Background(), messagingQuery())
	var de *domain.DecodingError
	require.ErrorAs(t, err, &de)

	for bucket, n := range f.counts(t) {
		assert.Zero(t, n, "bucket %s", bucket)
	}
	assert.Equal(t, []domain.SyncState{
		domain.SyncIdle,
		domain.SyncRequesting,
		domain.SyncDecoding,
		domain.SyncFailed,
	}, obs.states())
}

func TestChannelIDWithKeySeparatorIsDecodingError(t *testing.T) {
	f := newFixture(t)
	f.client.serve(page(channel(chA), channel("messaging:a/b")))

	_, err := f.svc.Update(context.Background(), messagingQuery())
	var de *domain.DecodingError
	require.ErrorAs(t, err, &de)
	assert.Zero(t, f.counts(t)["channels"])
}

func TestNetworkFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.client.respond = func(api.QueryChannelsRequest) (*api.ChannelsResponse, error) {
		return nil, fmt.Errorf("%w: %w", domain.ErrRetryTimeout, &domain.TransportError{Op: "POST /channels", StatusCode: 503})
	}

	_, err := f.svc.Update(context.Background(), messagingQuery())
	assert.ErrorIs(t, err, domain.ErrRetryTimeout)

	_, err = f.queries.CachedQuery(context.Background(), messagingQuery().FilterHash())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestObserverSeesFullSequence(t *testing.T) {
	obs := &recordingObserver{}
	f := newFixture(t, WithObserver(obs))
	f.client.serve(page(channel(chA)))

	_, err := f.svc.Update(context.Background(), messagingQuery())
	require.NoError(t, err)

	assert.Equal(t, []domain.SyncState{
		domain.SyncIdle,
		domain.SyncRequesting,
		domain.SyncDecoding,
		domain.SyncReconciling,
		domain.SyncCommitting,
		domain.SyncDone,
	}, obs.states())
	assert.Equal(t, "update", obs.events[0].Op)
	assert.Equal(t, messagingQuery().FilterHash(), obs.events[0].QueryHash)
}

func TestAbandonedRequestSkipsWrite(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.client.respond = func(api.QueryChannelsRequest) (*api.ChannelsResponse, error) {
		cancel()
		return page(channel(chA)), nil
	}

	_, err := f.svc.Update(ctx, messagingQuery())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.counts(t)["channels"])
}

func TestUpdateAllPagesUntilShortPage(t *testing.T) {
	f := newFixture(t)
	pages := map[int]*api.ChannelsResponse{
		0: page(channel("messaging:1"), channel("messaging:2")),
		2: page(channel("messaging:3"), channel("messaging:4")),
		4: page(channel("messaging:5")),
	}
	f.client.respond = func(req api.QueryChannelsRequest) (*api.ChannelsResponse, error) {
		return pages[req.Offset], nil
	}

	q := messagingQuery()
	q.Pagination.PageSize = 2

	var progress [][2]int
	all, err := f.svc.UpdateAll(context.Background(), q, func(pages, loaded int) {
		progress = append(progress, [2]int{pages, loaded})
	})
	require.NoError(t, err)

	assert.Len(t, all, 5)
	assert.Equal(t, [][2]int{{1, 2}, {2, 4}, {3, 5}}, progress)
	assert.Len(t, f.membership(t, q), 5)
}

func TestUpdateAllKeepsPagingPastDuplicates(t *testing.T) {
	f := newFixture(t)
	pages := map[int]*api.ChannelsResponse{
		0: page(channel("messaging:1"), channel("messaging:1")),
		2: page(channel("messaging:2")),
	}
	f.client.respond = func(req api.QueryChannelsRequest) (*api.ChannelsResponse, error) {
		return pages[req.Offset], nil
	}

	q := messagingQuery()
	q.Pagination.PageSize = 2

	var progress [][2]int
	all, err := f.svc.UpdateAll(context.Background(), q, func(pages, loaded int) {
		progress = append(progress, [2]int{pages, loaded})
	})
	require.NoError(t, err)

	assert.Len(t, all, 2)
	assert.Equal(t, [][2]int{{1, 1}, {2, 2}}, progress)
	require.Len(t, f.client.requests, 2)
	assert.Equal(t, 2, f.client.requests[1].Offset)
	assert.ElementsMatch(t, []domain.ChannelID{"messaging:1", "messaging:2"}, f.membership(t, q))
}

func TestStartWatchingBatchesAndDoesNotLink(t *testing.T) {
	f := newFixture(t)
	f.client.respond = func(req api.QueryChannelsRequest) (*api.ChannelsResponse, error) {
		cond := req.FilterConditions["cid"].(map[string]any)
		resp := &api.ChannelsResponse{}
		for _, cid := range cond["$in"].([]domain.ChannelID) {
			resp.Channels = append(resp.Channels, channel(cid))
		}
		return resp, nil
	}

	var cids []domain.ChannelID
	for i := range 35 {
		cids = append(cids, domain.NewChannelID("messaging", fmt.Sprintf("c%02d", i)))
	}
	require.NoError(t, f.svc.StartWatching(context.Background(), cids))

	assert.Equal(t, 35, f.counts(t)["channels"])
	assert.Zero(t, f.counts(t)["query_channels"])

	f.client.mu.Lock()
	defer f.client.mu.Unlock()
	require.Len(t, f.client.requests, 2)
	assert.Equal(t, 30, f.client.requests[0].Limit)
	assert.Equal(t, 5, f.client.requests[1].Limit)
	assert.True(t, f.client.requests[0].Watch)
	assert.True(t, f.client.requests[0].Presence)
}

func TestResetQueriesRunsConcurrently(t *testing.T) {
	f := newFixture(t)
	f.client.respond = func(req api.QueryChannelsRequest) (*api.ChannelsResponse, error) {
		if req.FilterConditions["type"] == "team" {
			return page(channel("team:x")), nil
		}
		return page(channel(chA)), nil
	}

	q1 := messagingQuery()
	q2 := domain.NewChannelListQuery(domain.Filter{"type": "team"})
	results, err := f.svc.ResetQueries(context.Background(), []ResetRequest{
		{Query: q1, PageSize: 20},
		{Query: q2, PageSize: 20},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, []domain.ChannelID{chA}, f.membership(t, q1))
	assert.Equal(t, []domain.ChannelID{"team:x"}, f.membership(t, q2))
	assert.Len(t, results[q2.FilterHash()].Synced, 1)
}

func TestResetQueriesReturnsFirstError(t *testing.T) {
	f := newFixture(t)
	boom := &domain.APIError{StatusCode: 400, Message: "bad filter"}
	f.client.respond = func(req api.QueryChannelsRequest) (*api.ChannelsResponse, error) {
		if req.FilterConditions["type"] == "team" {
			return nil, boom
		}
		return page(channel(chA)), nil
	}

	_, err := f.svc.ResetQueries(context.Background(), []ResetRequest{
		{Query: messagingQuery(), PageSize: 20},
		{Query: domain.NewChannelListQuery(domain.Filter{"type": "team"}), PageSize: 20},
	})
	assert.ErrorIs(t, err, boom)
}

func TestMarkAllRead(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.MarkAllRead(context.Background()))
	assert.Equal(t, 1, f.client.markAllRead)
}

func TestSearchChannels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := messagingQuery()

	_, err := f.queries.SearchChannels(ctx, q, "channel")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	f.client.serve(page(channel(chA), channel(chB), channel(chC)))
	_, err = f.svc.Update(ctx, q)
	require.NoError(t, err)

	results, err := f.queries.SearchChannels(ctx, q, "chan b")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, chB, results[0].Channel.CID)

	results, err = f.queries.SearchChannels(ctx, q, "Channel")
	require.NoError(t, err)
	assert.Len(t, results, 3)
}
