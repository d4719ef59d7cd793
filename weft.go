// Package weft provides a minimal public API for embedding the sync engine
// in other Go programs.
//
// Most integrations should shell out to the weft CLI and parse its --json
// output. This package exports only the essential types and constructors
// needed for Go programs that want to drive a sync run programmatically or
// register a custom backend.
package weft

import (
	"context"

	"github.com/weftlabs/weft/internal/backend"
	"github.com/weftlabs/weft/internal/baseline"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/engine"
	"github.com/weftlabs/weft/internal/retry"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/internal/types"
)

// Core types for working with records
type (
	Record     = types.Record
	Snapshot   = types.Snapshot
	Comment    = types.Comment
	RemoteLink = types.RemoteLink
	Status     = types.Status
	Kind       = types.Kind
)

// Status constants
const (
	StatusOpen       = types.StatusOpen
	StatusInProgress = types.StatusInProgress
	StatusClosed     = types.StatusClosed
)

// Kind constants
const (
	KindIssue     = types.KindIssue
	KindMilestone = types.KindMilestone
)

// NewRecordID generates an identifier for a record created outside any
// workspace. Records created through a workspace inherit its ID prefix
// instead.
func NewRecordID() string {
	return types.NewDetachedID()
}

// Store is the JSONL record store.
type Store = store.Store

// LoadStore opens the record store at path. A missing file yields an empty
// store; call Save to write changes back.
func LoadStore(path string) (*Store, error) {
	return store.Load(path)
}

// Workspace configuration types
type (
	Config    = config.Config
	Workspace = config.Workspace
)

// FindWorkspaceDir locates the nearest .weft directory, honoring WEFT_DIR
// and walking up from the working directory. Returns "" when none exists.
func FindWorkspaceDir() string {
	return config.FindWorkspaceDir()
}

// LoadWorkspace reads workspace metadata from a .weft directory. A missing
// metadata file yields (nil, nil).
func LoadWorkspace(weftDir string) (*Workspace, error) {
	return config.LoadWorkspace(weftDir)
}

// LoadConfig reads .weft/config.yaml merged over defaults.
func LoadConfig(weftDir string) (*Config, error) {
	return config.Load(weftDir)
}

// Backend is the contract a remote tracker implements. Factory builds one
// from workspace configuration.
type (
	Backend = backend.Backend
	Factory = backend.Factory
)

// RegisterBackend makes a custom backend available to NewBackend under the
// given name. Call from an init function before building an orchestrator.
func RegisterBackend(name string, factory Factory) {
	backend.Register(name, factory)
}

// NewBackend builds a registered backend by name. The built-in backends
// register themselves when their packages are imported.
func NewBackend(ctx context.Context, name string, cfg *Config) (Backend, error) {
	return backend.New(ctx, name, cfg)
}

// Sync pipeline types
type (
	Orchestrator = engine.Orchestrator
	SyncOptions  = engine.Options
	Report       = engine.Report
	RetryConfig  = retry.Config
)

// BaselineResolver reconstructs last-synced snapshots for three-way merges.
type BaselineResolver = baseline.Resolver

// NewBaselineResolver builds a resolver over the records file at path.
// Close it when the orchestrator is done.
func NewBaselineResolver(recordsPath string) *BaselineResolver {
	return baseline.New(recordsPath)
}

// NewOrchestrator assembles a sync pipeline over an opened store. prefix is
// the workspace ID prefix for newly created records; weftDir is where run
// state and flagged conflicts persist.
func NewOrchestrator(st *Store, baselines *BaselineResolver, backends []Backend, retryCfg RetryConfig, prefix, weftDir string) *Orchestrator {
	return engine.New(st, baselines, backends, retryCfg, prefix, weftDir)
}
