// Package idempotent provides the key stores that keep a consumer from
// delivering the same logical message twice.
//
// A key moves through three states: absent, in-progress (Add succeeded, the
// owning cycle has not finished) and confirmed (Confirm after a successful
// commit). Remove returns a key to absent, which is what a rollback does.
// Every implementation serializes Add/Confirm per key so several consumers
// may share one repository.
package idempotent

import "context"

// Repository is the contract shared by every store.
type Repository interface {
	// Add marks key in-progress. It returns true only for the first writer;
	// a key that is in-progress or confirmed yields false.
	Add(ctx context.Context, key string) (bool, error)
	// Contains reports whether key is in-progress or confirmed.
	Contains(ctx context.Context, key string) (bool, error)
	// Remove forgets key.
	Remove(ctx context.Context, key string) error
	// Confirm finalizes key after a successful commit.
	Confirm(ctx context.Context, key string) error
	// Close releases resources held by the store.
	Close() error
}

type state uint8

const (
	stateInProgress state = iota + 1
	stateConfirmed
)

func (s state) String() string {
	switch s {
	case stateInProgress:
		return "in_progress"
	case stateConfirmed:
		return "confirmed"
	default:
		return "absent"
	}
}
