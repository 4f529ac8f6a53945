package store

import (
	bolt "go.etcd.io/bbolt"

	"github.com/mmcdole/chansync/internal/domain"
)

// ReadSession is the handle passed to a Read scope. Records it returns are
// copies; mutating them has no effect on the store.
type ReadSession struct {
	tx *bolt.Tx
}

// Query returns the cached query with the given filter hash.
func (r *ReadSession) Query(hash string) (*domain.CachedQuery, bool) {
	return getJSON[domain.CachedQuery](r.tx, bucketQueries, hash)
}

// Membership returns the channel ids linked to the query, in key order.
func (r *ReadSession) Membership(hash string) ([]domain.ChannelID, error) {
	return membership(r.tx, hash)
}

// Channel returns the cached channel.
func (r *ReadSession) Channel(cid domain.ChannelID) (*domain.Channel, bool) {
	return getJSON[domain.Channel](r.tx, bucketChannels, string(cid))
}

// User returns the cached user.
func (r *ReadSession) User(id string) (*domain.User, bool) {
	return getJSON[domain.User](r.tx, bucketUsers, id)
}

// Members returns the cached members of a channel, ordered by user id.
func (r *ReadSession) Members(cid domain.ChannelID) ([]*domain.Member, error) {
	return scanRecords[domain.Member](r.tx, bucketMembers, domain.KeyPrefix(cid))
}

// Messages returns the cached messages of a channel, ordered by message id.
func (r *ReadSession) Messages(cid domain.ChannelID) ([]*domain.Message, error) {
	return scanRecords[domain.Message](r.tx, bucketMessages, domain.KeyPrefix(cid))
}

// Count returns the number of records of each bucket.
func (r *ReadSession) Count() map[string]int {
	counts := make(map[string]int, len(allBuckets))
	for _, name := range allBuckets {
		counts[string(name)] = r.tx.Bucket(name).Stats().KeyN
	}
	return counts
}

func scanRecords[T any](tx *bolt.Tx, bucket []byte, prefix string) ([]*T, error) {
	var out []*T
	err := scanPrefix(tx, bucket, prefix, func(k, _ []byte) error {
		if rec, ok := getJSON[T](tx, bucket, string(k)); ok {
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}
