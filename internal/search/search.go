// Package search ranks cached channels against a free-text query.
package search

import (
	"cmp"
	"slices"
	"strings"

	lfuzzy "github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/sahilm/fuzzy"

	"github.com/mmcdole/chansync/internal/domain"
)

// Result is a matched channel with match metadata for highlighting.
type Result struct {
	Channel        domain.Channel
	MatchedIndexes []int // Byte offsets into the lowercased Title
	Title          string
	Rank           int // Lower is better
}

// Index implements fuzzy.Source over channel titles.
type Index struct {
	channels    []domain.Channel
	titles      []string
	lowerTitles []string // Pre-computed for matching
}

// NewIndex indexes channels by display title. Channels without a name are
// indexed by their channel id.
func NewIndex(channels []domain.Channel) *Index {
	idx := &Index{
		channels:    channels,
		titles:      make([]string, len(channels)),
		lowerTitles: make([]string, len(channels)),
	}
	for i, ch := range channels {
		title := ch.Name
		if title == "" {
			title = ch.CID.ID()
		}
		idx.titles[i] = title
		idx.lowerTitles[i] = strings.ToLower(title)
	}
	return idx
}

// String returns the lowercase title at index i (implements fuzzy.Source)
func (idx *Index) String(i int) string { return idx.lowerTitles[i] }

// Len returns the number of indexed channels (implements fuzzy.Source)
func (idx *Index) Len() int { return len(idx.channels) }

// Find returns the channels whose title contains every rune of query in
// order, best match first.
func (idx *Index) Find(query string) []Result {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" || idx.Len() == 0 {
		return nil
	}

	matches := fuzzy.FindFrom(query, idx)
	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		results = append(results, Result{
			Channel:        idx.channels[m.Index],
			Title:          idx.titles[m.Index],
			MatchedIndexes: m.MatchedIndexes,
			Rank:           rank(idx.lowerTitles[m.Index], query),
		})
	}

	slices.SortStableFunc(results, func(a, b Result) int {
		if c := cmp.Compare(a.Rank, b.Rank); c != 0 {
			return c
		}
		return cmp.Compare(a.Channel.CID, b.Channel.CID)
	})
	return results
}

// rank scores a title that already matched. Lower is better.
func rank(title, query string) int {
	switch {
	case title == query:
		return 0
	case strings.HasPrefix(title, query):
		return 10
	case strings.Contains(title, query):
		return 50
	}
	return 100 + lfuzzy.LevenshteinDistance(query, title)
}
