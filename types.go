package chansync

import (
	"github.com/mmcdole/chansync/internal/config"
	"github.com/mmcdole/chansync/internal/domain"
	"github.com/mmcdole/chansync/internal/reconcile"
)

// Public names for the engine's types.
type (
	Config           = config.Config
	ChannelID        = domain.ChannelID
	Channel          = domain.Channel
	Member           = domain.Member
	Message          = domain.Message
	User             = domain.User
	CachedQuery      = domain.CachedQuery
	Filter           = domain.Filter
	Sorting          = domain.Sorting
	ChannelListQuery = domain.ChannelListQuery
	StateObserver    = domain.StateObserver
	SyncEvent        = domain.SyncEvent
	SyncState        = domain.SyncState
)

// Errors callers match with errors.Is.
var (
	ErrNotFound     = domain.ErrNotFound
	ErrRetryTimeout = domain.ErrRetryTimeout
	ErrAuthFailed   = domain.ErrAuthFailed
)

// LoadConfig reads configuration from path, or from the default locations
// when path is empty.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return config.Default()
}

func newSet(cids []ChannelID) reconcile.Set[ChannelID] {
	return reconcile.NewSet(cids...)
}
