package engine

import "errors"

var (
	// ErrKeyEmpty is returned when a caller passes an empty key to a mutator.
	ErrKeyEmpty = errors.New("engine: key must not be empty")
	// ErrPoisoned is returned when a prior panic left the engine's lock in an
	// unrecoverable state.
	ErrPoisoned = errors.New("engine: poisoned")
	// ErrCorrupted names the corrupted-record error kind. No engine operation
	// returns it: WAL decode failures surface wrapped around the wal
	// package's own sentinel errors (wal.ErrUnknownOpcode, wal.ErrInvalidUTF8,
	// and so on).
	ErrCorrupted = errors.New("engine: corrupted record")
)
