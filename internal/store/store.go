// Package store is the bbolt-backed record cache.
//
// All mutation happens inside Write scopes. A scope is one bbolt read-write
// transaction plus an identity map: records resolved during the scope are
// shared instances, and every registered record is written back when the
// scope function returns without error. bbolt allows a single writer, so
// scopes are serialized per Store; reads run concurrently through Read.
package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mmcdole/chansync/internal/domain"
)

// Bucket names
var (
	bucketChannels      = []byte("channels")
	bucketMembers       = []byte("members")
	bucketUsers         = []byte("users")
	bucketMessages      = []byte("messages")
	bucketQueries       = []byte("queries")
	bucketQueryChannels = []byte("query_channels") // hash \x00 cid -> empty
)

var allBuckets = [][]byte{
	bucketChannels,
	bucketMembers,
	bucketUsers,
	bucketMessages,
	bucketQueries,
	bucketQueryChannels,
}

const (
	dbFileName         = "chansync.db"
	defaultOpenTimeout = time.Second
)

// Config locates the database file.
type Config struct {
	// Dir is the base cache directory. Each server gets its own
	// subdirectory so switching servers never mixes caches.
	Dir         string
	ServerURL   string
	OpenTimeout time.Duration
}

// Store is the persistent record cache.
type Store struct {
	db     *bolt.DB
	path   string
	logger *slog.Logger
}

// Open opens (creating if needed) the cache database for cfg.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("cache dir is required")
	}

	dir := cfg.Dir
	if cfg.ServerURL != "" {
		dir = filepath.Join(cfg.Dir, hashServerURL(cfg.ServerURL))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = defaultOpenTimeout
	}
	path := filepath.Join(dir, dbFileName)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	if err := db.Update(ensureBuckets); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	logger.Debug("record store opened", "path", path)
	return &Store{db: db, path: path, logger: logger}, nil
}

func ensureBuckets(tx *bolt.Tx) error {
	for _, name := range allBuckets {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return err
		}
	}
	return nil
}

func hashServerURL(serverURL string) string {
	normalized := strings.TrimRight(strings.ToLower(serverURL), "/")
	hash := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(hash[:6])
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Write runs fn inside one atomic write scope. Records resolved through the
// session are flushed before commit. If fn returns an error, nothing is
// committed and that error is returned unchanged; storage failures are
// reported as *domain.StoreError.
func (s *Store) Write(ctx context.Context, fn func(*Session) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var scopeErr error
	err := s.db.Update(func(tx *bolt.Tx) error {
		sess := newSession(tx, s.logger)
		if scopeErr = fn(sess); scopeErr != nil {
			return scopeErr
		}
		if scopeErr = sess.flush(); scopeErr != nil {
			return scopeErr
		}
		return nil
	})
	if scopeErr != nil {
		return scopeErr
	}
	if err != nil {
		return &domain.StoreError{Op: "commit", Err: err}
	}
	return nil
}

// Read runs fn inside a read-only transaction.
func (s *Store) Read(ctx context.Context, fn func(*ReadSession) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var scopeErr error
	err := s.db.View(func(tx *bolt.Tx) error {
		scopeErr = fn(&ReadSession{tx: tx})
		return scopeErr
	})
	if scopeErr != nil {
		return scopeErr
	}
	if err != nil {
		return &domain.StoreError{Op: "read", Err: err}
	}
	return nil
}

// ClearQuery removes every membership edge of the query. The query record
// itself is kept.
func (s *Store) ClearQuery(ctx context.Context, hash string) error {
	return s.Write(ctx, func(sess *Session) error {
		return sess.ClearMembership(hash)
	})
}

// ResetAll drops every cached record.
func (s *Store) ResetAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
		}
		return ensureBuckets(tx)
	})
	if err != nil {
		return &domain.StoreError{Op: "reset", Err: err}
	}
	s.logger.Info("record store reset")
	return nil
}

// === Generic helpers ===

// getJSON decodes the record at key. Undecodable records read as missing so
// a corrupt entry is overwritten by the next payload instead of failing it.
func getJSON[T any](tx *bolt.Tx, bucket []byte, key string) (*T, bool) {
	b := tx.Bucket(bucket)
	if b == nil {
		return nil, false
	}
	v := b.Get([]byte(key))
	if v == nil {
		return nil, false
	}
	var out T
	if err := json.Unmarshal(v, &out); err != nil {
		return nil, false
	}
	return &out, true
}

func putJSON(tx *bolt.Tx, bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return &domain.StoreError{Op: "encode " + string(bucket), Err: err}
	}
	if err := tx.Bucket(bucket).Put([]byte(key), data); err != nil {
		return &domain.StoreError{Op: "put " + string(bucket), Err: err}
	}
	return nil
}

// scanPrefix visits every key in bucket that starts with prefix.
func scanPrefix(tx *bolt.Tx, bucket []byte, prefix string, fn func(k, v []byte) error) error {
	c := tx.Bucket(bucket).Cursor()
	p := []byte(prefix)
	for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// deleteKeys removes keys from bucket. Keys are collected first because
// bbolt cursors must not be mutated during iteration.
func deleteKeys(tx *bolt.Tx, bucket []byte, keys []string) error {
	b := tx.Bucket(bucket)
	for _, k := range keys {
		if err := b.Delete([]byte(k)); err != nil {
			return &domain.StoreError{Op: "delete " + string(bucket), Err: err}
		}
	}
	return nil
}

func linkKey(hash string, cid domain.ChannelID) string {
	return hash + "\x00" + string(cid)
}

func linkPrefix(hash string) string {
	return hash + "\x00"
}
