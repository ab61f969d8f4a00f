package session

import (
	"github.com/zjrosen/loom/internal/loomerr"
	"github.com/zjrosen/loom/internal/store"
)

// transitions is the session state machine. Terminal states are absorbing
// except where an explicit arrow (reopen, resume) says otherwise.
var transitions = map[store.SessionStatus][]store.SessionStatus{
	store.StatusPlanning:  {store.StatusDebating, store.StatusReviewing, store.StatusFailed, store.StatusCancelled, store.StatusStopped},
	store.StatusDebating:  {store.StatusReviewing, store.StatusFailed, store.StatusCancelled, store.StatusStopped},
	store.StatusReviewing: {store.StatusRevising, store.StatusApproved, store.StatusCancelled, store.StatusStopped},
	store.StatusRevising:  {store.StatusReviewing, store.StatusFailed, store.StatusCancelled, store.StatusStopped},
	store.StatusApproved:  {store.StatusExecuting, store.StatusRevising, store.StatusCancelled, store.StatusStopped},
	store.StatusExecuting: {store.StatusCompleted, store.StatusFailed, store.StatusStopped, store.StatusPaused, store.StatusRevising, store.StatusCancelled},
	store.StatusPaused:    {store.StatusExecuting, store.StatusStopped, store.StatusCancelled},
	// Stopped and failed sessions may resume to an appropriate prior state.
	store.StatusStopped:   {store.StatusReviewing, store.StatusExecuting, store.StatusPlanning},
	store.StatusFailed:    {store.StatusReviewing, store.StatusExecuting, store.StatusPlanning},
	store.StatusCompleted: {store.StatusReviewing}, // reopen
}

// canTransition reports whether from → to is on an allowed arrow.
func canTransition(from, to store.SessionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition validates and applies a status change.
func transition(sess *store.Session, to store.SessionStatus) error {
	if sess.Status == to {
		return nil
	}
	if !canTransition(sess.Status, to) {
		return loomerr.New(loomerr.CodeBadTransition,
			"session %s cannot go %s -> %s", sess.ID, sess.Status, to)
	}
	sess.Status = to
	return nil
}
