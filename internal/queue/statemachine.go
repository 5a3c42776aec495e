package queue

import "github.com/snehjoshi/chatsync/internal/types"

// statemachine.go: queue item lifecycle.
//
//	pending ──► syncing ──► completed
//	   ▲           │
//	   ├───────────┘ (failure with retries left)
//	   │           │
//	   │           ▼
//	   └─────── failed   (explicit retry only)

// ValidTransition reports whether from → to is a legal status change.
// completed is terminal.
func ValidTransition(from, to types.Status) bool {
	switch from {
	case types.StatusPending:
		return to == types.StatusSyncing
	case types.StatusSyncing:
		return to == types.StatusCompleted || to == types.StatusPending || to == types.StatusFailed
	case types.StatusFailed:
		return to == types.StatusPending
	}
	return false
}
