// Package storage persists the sampled-mode uncertainty state as an
// append-only sequence of checkpoint records; on restart the newest
// record wins.
package storage

import (
	"context"
	"errors"

	"gmmfit/internal/model"
)

// ErrNoCheckpoint is returned when a restart demands a checkpoint and
// none was ever written.
var ErrNoCheckpoint = errors.New("no checkpoint record found")

// Store defines the checkpoint persistence operations.
type Store interface {
	Init(ctx context.Context) error
	Append(ctx context.Context, cp model.Checkpoint) error
	// Latest returns the newest checkpoint; ok is false when the store
	// is empty.
	Latest(ctx context.Context) (model.Checkpoint, bool, error)
}

// CloseIfSupported closes backends that hold external resources.
func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
