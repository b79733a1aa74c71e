// Package render defines the scene-side sink the registry commits into.
package render

import (
	"context"
	"errors"

	"github.com/signalsfoundry/platform-tracker/core"
	"github.com/signalsfoundry/platform-tracker/model"
)

// ErrTxClosed is returned when a transaction is used after Commit or
// Rollback.
var ErrTxClosed = errors.New("render transaction closed")

// Sink is the render scene. All writes go through a transaction.
type Sink interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one scoped batch of scene writes. Exactly one of Commit or Rollback
// ends it.
type Tx interface {
	// CreatePlatform adds a platform and returns its host ref. The ref is
	// only valid once Commit succeeds.
	CreatePlatform(ctx context.Context, p model.PlatformIdentity, pref model.PlatformPreference) (model.HostRef, error)
	UpdatePose(ctx context.Context, ref model.HostRef, pose core.Pose) error
	ApplyPreference(ctx context.Context, ref model.HostRef, pref model.PlatformPreference) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
