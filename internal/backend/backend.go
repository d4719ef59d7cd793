// Package backend defines the remote side of a sync run: the Backend
// interface every remote system implements, the registry backends
// register into at init time, and the error taxonomy that drives retry
// and failure handling in the engine.
package backend

import (
	"context"
	"time"

	"github.com/weftlabs/weft/internal/types"
)

// FetchOptions narrows a FetchAll call.
type FetchOptions struct {
	// Since requests only records updated at or after this instant.
	// Backends that cannot filter server-side return everything.
	Since *time.Time
}

// RemoteRecord is one record as the remote currently holds it.
type RemoteRecord struct {
	RemoteID  string
	Kind      types.Kind
	Snapshot  *types.Snapshot
	UpdatedAt time.Time
	URL       string
}

// PushResult reports one record successfully pushed.
type PushResult struct {
	ID       string // local record id
	RemoteID string // assigned by the backend on create, unchanged on update
	Created  bool
}

// ItemError reports one item that failed within a batch. Partial failure
// never aborts the batch; the remaining items still run.
type ItemError struct {
	ID  string // local record id, or remote id for pull/delete
	Err error
}

// PushOutcome carries per-item results of a Push call.
type PushOutcome struct {
	Pushed []PushResult
	Failed []ItemError
}

// PullOutcome carries per-item results of a Pull call.
type PullOutcome struct {
	Records []*RemoteRecord
	Failed  []ItemError
}

// DeleteOutcome carries per-item results of a DeleteRemote call.
type DeleteOutcome struct {
	Deleted []string
	Failed  []ItemError
}

// Backend is the pluggable remote side of a sync run. Implementations
// return *SyncError so the engine can classify failures; batch calls
// report per-item outcomes instead of failing wholesale.
//
// Push must be idempotent: a record with a known remote ID is updated in
// place, and a record without one is first matched by natural key (exact
// title within the backend's collection) before a create is attempted.
// Re-pushing after a partial failure must not duplicate remote records.
type Backend interface {
	// Name returns the lowercase identifier used in config and remote
	// links (e.g. "github", "peer").
	Name() string

	// Authenticate verifies credentials and connectivity. Called once
	// before any other operation.
	Authenticate(ctx context.Context) error

	// FetchAll retrieves the remote state, optionally narrowed by opts.
	FetchAll(ctx context.Context, opts FetchOptions) ([]*RemoteRecord, error)

	// Push creates or updates the given records remotely.
	Push(ctx context.Context, records []*types.Record) (*PushOutcome, error)

	// Pull retrieves the identified remote records.
	Pull(ctx context.Context, remoteIDs []string) (*PullOutcome, error)

	// DeleteRemote removes the identified remote records.
	DeleteRemote(ctx context.Context, remoteIDs []string) (*DeleteOutcome, error)

	// BatchLimit returns the maximum items per batch call; the executor
	// chunks larger inputs. Zero means unlimited.
	BatchLimit() int

	// Close releases any resources held by the backend.
	Close() error
}
