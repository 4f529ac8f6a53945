// Package reconcile computes how a cached query's membership changes when a
// page of remote results arrives.
//
// The planner is pure: it reads key sets and returns the operations to run
// inside the caller's write scope. It never does I/O and cannot fail.
package reconcile

import (
	"cmp"
	"maps"
	"slices"
)

// Set is an unordered set of entity keys.
type Set[K comparable] map[K]struct{}

// NewSet builds a Set from keys.
func NewSet[K comparable](keys ...K) Set[K] {
	s := make(Set[K], len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s Set[K]) Has(k K) bool {
	_, ok := s[k]
	return ok
}

// Union returns a new set holding the keys of s and o.
func (s Set[K]) Union(o Set[K]) Set[K] {
	out := make(Set[K], len(s)+len(o))
	maps.Copy(out, s)
	maps.Copy(out, o)
	return out
}

// Sorted returns the keys in ascending order.
func Sorted[K cmp.Ordered](s Set[K]) []K {
	return slices.Sorted(maps.Keys(s))
}

// Mode selects the reconciliation algorithm.
type Mode int

const (
	// Append adds a later page to the membership. Nothing is removed.
	Append Mode = iota
	// Reset re-synchronizes the query from its first page.
	Reset
)

func (m Mode) String() string {
	if m == Reset {
		return "reset"
	}
	return "append"
}

// Input is what the planner knows about one query.
type Input[K comparable] struct {
	// Local is the cached membership before this page.
	Local Set[K]
	// Remote is the fetched page, in server order.
	Remote []K
	// Protected keys are known live (watched or freshly synced) and are
	// never cleaned or reported unwanted.
	Protected Set[K]
	Mode      Mode
}

// Plan lists the membership operations for one page.
type Plan[K comparable] struct {
	// Link holds every remote key, deduplicated, in server order.
	Link []K
	// Unlink holds local members the remote no longer reports. Only the
	// membership edge goes; the entity stays cached.
	Unlink []K
	// Clean holds members present on both sides whose cached detail may
	// have gaps. Their volatile state should be dropped.
	Clean []K
	// Unwanted holds unlinked keys that are not protected, for the caller
	// to stop watching.
	Unwanted []K
}

// Compute plans the membership delta for in.
//
// Reset:
//
//	unlink   = local - remote
//	clean    = (local ∩ remote) - protected
//	unwanted = unlink - protected
//	link     = remote
//
// Append links the remote keys and nothing else.
func Compute[K cmp.Ordered](in Input[K]) Plan[K] {
	var plan Plan[K]

	remote := make(Set[K], len(in.Remote))
	for _, k := range in.Remote {
		if remote.Has(k) {
			continue
		}
		remote[k] = struct{}{}
		plan.Link = append(plan.Link, k)
	}

	if in.Mode != Reset {
		return plan
	}

	for _, k := range Sorted(in.Local) {
		switch {
		case !remote.Has(k):
			plan.Unlink = append(plan.Unlink, k)
			if !in.Protected.Has(k) {
				plan.Unwanted = append(plan.Unwanted, k)
			}
		case !in.Protected.Has(k):
			plan.Clean = append(plan.Clean, k)
		}
	}
	return plan
}

// Membership returns the membership that results from applying p to local.
func (p Plan[K]) Membership(local Set[K]) Set[K] {
	out := make(Set[K], len(local)+len(p.Link))
	maps.Copy(out, local)
	for _, k := range p.Unlink {
		delete(out, k)
	}
	for _, k := range p.Link {
		out[k] = struct{}{}
	}
	return out
}
