// Package users loads and moderates users.
package users

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mmcdole/chansync/internal/api"
	"github.com/mmcdole/chansync/internal/domain"
	"github.com/mmcdole/chansync/internal/store"
)

// API is the network side of the service.
type API interface {
	QueryUsers(ctx context.Context, req api.QueryUsersRequest) (*api.UsersResponse, error)
	MuteUsers(ctx context.Context, req api.MuteUsersRequest) error
	UnmuteUsers(ctx context.Context, req api.MuteUsersRequest) error
}

// Database runs write scopes. *store.Store implements it.
type Database interface {
	Write(ctx context.Context, fn func(*store.Session) error) error
}

// Service makes user calls and caches the results.
type Service struct {
	client API
	db     Database
	logger *slog.Logger
}

// NewService creates a new Service.
func NewService(client API, db Database, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{client: client, db: db, logger: logger}
}

// LoadUser fetches one user by id and caches it. A server answer with no
// user is domain.ErrNotFound; more than one user is an error.
func (s *Service) LoadUser(ctx context.Context, id string) (domain.User, error) {
	resp, err := s.client.QueryUsers(ctx, api.QueryUsersRequest{
		FilterConditions: domain.Eq("id", id),
		Limit:            1,
	})
	if err != nil {
		return domain.User{}, err
	}

	switch len(resp.Users) {
	case 0:
		return domain.User{}, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	case 1:
	default:
		return domain.User{}, fmt.Errorf("load user %s: expected at most one user, got %d", id, len(resp.Users))
	}

	if err := ctx.Err(); err != nil {
		return domain.User{}, err
	}

	var user domain.User
	err = s.db.Write(ctx, func(sess *store.Session) error {
		user = *sess.SaveUser(&resp.Users[0])
		return nil
	})
	if err != nil {
		s.logger.Error("failed to save user", "id", id, "error", err)
		return domain.User{}, err
	}
	return user, nil
}

// MuteUser mutes a user for the current user. The cache is not touched.
func (s *Service) MuteUser(ctx context.Context, id string) error {
	return s.client.MuteUsers(ctx, api.MuteUsersRequest{TargetIDs: []string{id}})
}

// UnmuteUser reverses MuteUser.
func (s *Service) UnmuteUser(ctx context.Context, id string) error {
	return s.client.UnmuteUsers(ctx, api.MuteUsersRequest{TargetIDs: []string{id}})
}
