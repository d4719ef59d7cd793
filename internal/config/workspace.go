// Package config handles workspace discovery, workspace metadata, and the
// user-facing configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	// WorkspaceDirName is the per-project metadata directory, discovered by
	// walking up from the working directory the way git finds .git.
	WorkspaceDirName = ".weft"

	// WorkspaceFileName holds workspace identity and store location.
	WorkspaceFileName = "workspace.json"

	// ConfigFileName is the user configuration file inside the workspace dir.
	ConfigFileName = "config.yaml"

	// DefaultRecordsFile is the JSONL record store, kept at the project root
	// so it rides along in the project's own git history.
	DefaultRecordsFile = "records.jsonl"
)

// Workspace is the persisted contents of .weft/workspace.json.
type Workspace struct {
	// WorkspaceID identifies this workspace across peers.
	WorkspaceID string `json:"workspace_id"`

	// Prefix is the ID prefix for records created here (e.g. "wv" for wv-42).
	Prefix string `json:"prefix"`

	// RecordsFile is the store path relative to the project root.
	RecordsFile string `json:"records_file,omitempty"`
}

// DefaultWorkspace returns workspace metadata with a fresh identity.
func DefaultWorkspace(prefix string) *Workspace {
	return &Workspace{
		WorkspaceID: uuid.NewString(),
		Prefix:      prefix,
		RecordsFile: DefaultRecordsFile,
	}
}

// FindWorkspaceDir finds the .weft/ directory for the current directory tree.
// Returns empty string if not found.
func FindWorkspaceDir() string {
	// 1. Check WEFT_DIR environment variable (preferred)
	if weftDir := os.Getenv("WEFT_DIR"); weftDir != "" {
		if abs, err := filepath.Abs(weftDir); err == nil {
			if info, err := os.Stat(abs); err == nil && info.IsDir() {
				return abs
			}
		}
	}

	// 2. Search for .weft/ in current directory and ancestors
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return findWorkspaceDirFrom(cwd)
}

func findWorkspaceDirFrom(start string) string {
	for dir := start; ; dir = filepath.Dir(dir) {
		weftDir := filepath.Join(dir, WorkspaceDirName)
		if info, err := os.Stat(weftDir); err == nil && info.IsDir() {
			return weftDir
		}
		if filepath.Dir(dir) == dir {
			return ""
		}
	}
}

// ProjectRoot returns the directory containing the workspace dir.
func ProjectRoot(weftDir string) string {
	return filepath.Dir(weftDir)
}

// WorkspacePath returns the path of workspace.json inside the workspace dir.
func WorkspacePath(weftDir string) string {
	return filepath.Join(weftDir, WorkspaceFileName)
}

// LoadWorkspace reads .weft/workspace.json. Returns nil, nil if the file
// does not exist.
func LoadWorkspace(weftDir string) (*Workspace, error) {
	data, err := os.ReadFile(WorkspacePath(weftDir)) // #nosec G304 - controlled path from workspace discovery
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading workspace metadata: %w", err)
	}

	var ws Workspace
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("parsing workspace metadata: %w", err)
	}
	if ws.RecordsFile == "" {
		ws.RecordsFile = DefaultRecordsFile
	}
	return &ws, nil
}

// Save writes workspace metadata back to .weft/workspace.json.
func (w *Workspace) Save(weftDir string) error {
	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling workspace metadata: %w", err)
	}
	if err := os.WriteFile(WorkspacePath(weftDir), data, 0600); err != nil {
		return fmt.Errorf("writing workspace metadata: %w", err)
	}
	return nil
}

// RecordsPath returns the absolute path of the record store.
func (w *Workspace) RecordsPath(weftDir string) string {
	name := w.RecordsFile
	if name == "" {
		name = DefaultRecordsFile
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(ProjectRoot(weftDir), name)
}

// LockPath returns the path of the sync lock file.
func LockPath(weftDir string) string {
	return filepath.Join(weftDir, "sync.lock")
}

// ConflictsPath returns the path of the flagged-conflicts file.
func ConflictsPath(weftDir string) string {
	return filepath.Join(weftDir, "conflicts.json")
}

// StatePath returns the path of the per-backend sync state file
// (fetch high-water marks).
func StatePath(weftDir string) string {
	return filepath.Join(weftDir, "sync_state.json")
}

// CreateWorkspace initializes .weft/ under root. It refuses to nest inside
// an existing workspace and refuses to re-initialize.
func CreateWorkspace(root, prefix string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if existing := findWorkspaceDirFrom(abs); existing != "" {
		return nil, fmt.Errorf("workspace already exists at %s", existing)
	}

	weftDir := filepath.Join(abs, WorkspaceDirName)
	if err := os.MkdirAll(weftDir, 0755); err != nil {
		return nil, fmt.Errorf("creating workspace dir: %w", err)
	}

	ws := DefaultWorkspace(prefix)
	if err := ws.Save(weftDir); err != nil {
		return nil, err
	}
	if err := WriteDefault(weftDir); err != nil {
		return nil, err
	}

	// Touch the record store so the first sync has a file to lock against.
	recordsPath := ws.RecordsPath(weftDir)
	if _, err := os.Stat(recordsPath); os.IsNotExist(err) {
		if err := os.WriteFile(recordsPath, nil, 0644); err != nil {
			return nil, fmt.Errorf("creating record store: %w", err)
		}
	}

	return ws, nil
}
