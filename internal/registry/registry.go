// Package registry owns topic and subscription lifecycle for the bus.
//
// Both registries are thin over store.Store: they validate input, enforce
// tenant ownership and state transitions, and translate store sentinels into
// the model error taxonomy so the admin layer can map them to responses.
package registry

import (
	"errors"
	"time"

	"github.com/alfredjeanlab/kbus/internal/model"
	"github.com/alfredjeanlab/kbus/internal/store"
)

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time

func utcNow() time.Time { return time.Now().UTC() }

// translate maps store sentinels onto model errors.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return model.ErrNotFound
	case errors.Is(err, store.ErrConflict):
		return model.ErrDuplicateTopic
	}
	return err
}
