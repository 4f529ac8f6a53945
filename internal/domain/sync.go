package domain

// SyncState is a step of one logical sync operation.
//
//	Idle -> Requesting -> Decoding -> Reconciling -> Committing -> Done
//	                 \-> Failed (from any step)
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRequesting
	SyncDecoding
	SyncReconciling
	SyncCommitting
	SyncDone
	SyncFailed
)

func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "idle"
	case SyncRequesting:
		return "requesting"
	case SyncDecoding:
		return "decoding"
	case SyncReconciling:
		return "reconciling"
	case SyncCommitting:
		return "committing"
	case SyncDone:
		return "done"
	case SyncFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SyncEvent is one state transition of a sync operation.
type SyncEvent struct {
	Op        string // "update", "reset", "watch", ...
	QueryHash string // Empty for operations not bound to a query
	State     SyncState
	Err       error // Set when State is SyncFailed
}

// StateObserver receives state transitions during sync operations.
type StateObserver interface {
	OnStateChange(event SyncEvent)
}

// NoOpObserver discards state transitions.
type NoOpObserver struct{}

func (NoOpObserver) OnStateChange(SyncEvent) {}

// ProgressFunc reports paging progress: pages fetched so far and the
// number of channels loaded across them.
type ProgressFunc func(pages, loaded int)
