// Package channellist keeps cached channel-list queries in step with the
// server.
//
// Service issues channel queries, then applies each page inside one store
// write scope: payloads are upserted through the scope's identity map and the
// query's membership is reconciled with the page. Network work always
// finishes before the write scope is opened. Queries reads the cache only.
package channellist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mmcdole/chansync/internal/api"
	"github.com/mmcdole/chansync/internal/domain"
	"github.com/mmcdole/chansync/internal/store"
)

// ChannelsAPI is the network side of the worker.
type ChannelsAPI interface {
	QueryChannels(ctx context.Context, req api.QueryChannelsRequest) (*api.ChannelsResponse, error)
	MarkAllRead(ctx context.Context) error
}

// Database runs store scopes. *store.Store implements it.
type Database interface {
	Write(ctx context.Context, fn func(*store.Session) error) error
	Read(ctx context.Context, fn func(*store.ReadSession) error) error
}

// Service syncs channel-list queries.
type Service struct {
	client   ChannelsAPI
	db       Database
	clean    CleanPolicy
	observer domain.StateObserver
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithCleanPolicy sets how stale channels found by a reset are cleaned.
// Defaults to EagerClean.
func WithCleanPolicy(p CleanPolicy) Option {
	return func(s *Service) { s.clean = p }
}

// WithObserver reports every sync state transition to o.
func WithObserver(o domain.StateObserver) Option {
	return func(s *Service) { s.observer = o }
}

// NewService creates a new Service.
func NewService(client ChannelsAPI, db Database, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		client:   client,
		db:       db,
		clean:    EagerClean{},
		observer: domain.NoOpObserver{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// operation tracks one logical sync through its states.
type operation struct {
	svc  *Service
	name string
	hash string
}

func (s *Service) begin(name, hash string) *operation {
	op := &operation{svc: s, name: name, hash: hash}
	op.step(domain.SyncIdle)
	return op
}

func (o *operation) step(state domain.SyncState) {
	o.svc.observer.OnStateChange(domain.SyncEvent{Op: o.name, QueryHash: o.hash, State: state})
}

func (o *operation) done() {
	o.step(domain.SyncDone)
}

func (o *operation) fail(err error) error {
	o.svc.observer.OnStateChange(domain.SyncEvent{Op: o.name, QueryHash: o.hash, State: domain.SyncFailed, Err: err})
	o.svc.logger.Error("channel list sync failed", "op", o.name, "hash", o.hash, "error", err)
	return err
}

// request runs the network phase of op: Requesting, then Decoding.
func (s *Service) request(ctx context.Context, op *operation, q domain.ChannelListQuery) (*api.ChannelsResponse, error) {
	op.step(domain.SyncRequesting)
	resp, err := s.client.QueryChannels(ctx, api.NewQueryChannelsRequest(q))
	if err != nil {
		return nil, err
	}

	op.step(domain.SyncDecoding)
	if err := validatePage(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// apply runs the local phase of op in one write scope: Reconciling, then
// Committing. A context canceled while the request was in flight skips the
// write entirely.
func (s *Service) apply(ctx context.Context, op *operation, fn func(*store.Session) error) error {
	if err := ctx.Err(); err != nil {
		s.logger.Debug("discarding response for abandoned request", "op", op.name, "hash", op.hash)
		return err
	}

	return s.db.Write(ctx, func(sess *store.Session) error {
		op.step(domain.SyncReconciling)
		if err := fn(sess); err != nil {
			return err
		}
		op.step(domain.SyncCommitting)
		return nil
	})
}

// validatePage rejects pages the store could not key.
func validatePage(resp *api.ChannelsResponse) error {
	if resp == nil {
		return &domain.DecodingError{Op: "query channels", Err: errors.New("empty response")}
	}
	for i, ch := range resp.Channels {
		if ch.Channel == nil {
			return &domain.DecodingError{Op: "query channels", Err: fmt.Errorf("channel payload %d has no channel", i)}
		}
		if _, err := domain.ParseChannelID(ch.Channel.CID); err != nil {
			return &domain.DecodingError{Op: "query channels", Err: err}
		}
	}
	return nil
}

func copyChannels(chs []*domain.Channel) []domain.Channel {
	out := make([]domain.Channel, 0, len(chs))
	for _, ch := range chs {
		out = append(out, *ch)
	}
	return out
}
