package peer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/weftlabs/weft/internal/backend"
	"github.com/weftlabs/weft/internal/debug"
)

// gitRemote keeps a peer's git repository mirrored into a local cache
// checkout.
type gitRemote struct {
	url    string
	branch string
	dir    string
	repo   *git.Repository
}

// cloneDir places the cache checkout for a git peer under the user cache
// directory, keyed by URL so distinct peers never share a checkout.
func cloneDir(url string) (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(base, "weft", "peer", hex.EncodeToString(sum[:8])), nil
}

// refresh brings the cache checkout to the remote branch head: clone on
// first contact, otherwise fetch and hard reset. The checkout carries no
// state worth keeping; unpushed commits only exist after a failed batch,
// which the engine already reported as failed and will replay.
func (g *gitRemote) refresh(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(g.dir, git.GitDirName)); os.IsNotExist(err) {
		return g.clone(ctx)
	}

	repo, err := git.PlainOpen(g.dir)
	if err != nil {
		// Unusable cache; start over.
		if err := os.RemoveAll(g.dir); err != nil {
			return g.fail("auth", backend.KindTransient, err)
		}
		return g.clone(ctx)
	}
	g.repo = repo

	err = repo.FetchContext(ctx, &git.FetchOptions{RemoteName: git.DefaultRemoteName, Force: true})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		if errors.Is(err, transport.ErrEmptyRemoteRepository) {
			return nil
		}
		return g.classify("auth", err)
	}
	return g.resetToRemote()
}

func (g *gitRemote) clone(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(g.dir), 0750); err != nil {
		return g.fail("auth", backend.KindTransient, err)
	}
	repo, err := git.PlainCloneContext(ctx, g.dir, false, &git.CloneOptions{
		URL:           g.url,
		ReferenceName: plumbing.NewBranchReferenceName(g.branch),
		SingleBranch:  true,
	})
	if err != nil {
		if errors.Is(err, transport.ErrEmptyRemoteRepository) {
			return g.initEmpty()
		}
		return g.classify("auth", err)
	}
	g.repo = repo
	debug.Logf("peer: cloned %s into %s", g.url, g.dir)
	return nil
}

// initEmpty prepares a checkout for a peer repository that has no
// commits yet: the first push publishes the initial branch.
func (g *gitRemote) initEmpty() error {
	repo, err := git.PlainInit(g.dir, false)
	if err != nil {
		return g.fail("auth", backend.KindTransient, err)
	}
	if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: git.DefaultRemoteName,
		URLs: []string{g.url},
	}); err != nil {
		return g.fail("auth", backend.KindTransient, err)
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(g.branch))
	if err := repo.Storer.SetReference(head); err != nil {
		return g.fail("auth", backend.KindTransient, err)
	}
	g.repo = repo
	debug.Logf("peer: initialized empty peer repository for %s", g.url)
	return nil
}

func (g *gitRemote) resetToRemote() error {
	ref, err := g.repo.Reference(plumbing.NewRemoteReferenceName(git.DefaultRemoteName, g.branch), true)
	if err != nil {
		return g.fail("auth", backend.KindValidation,
			fmt.Errorf("peer branch %s: %w", g.branch, err))
	}
	wt, err := g.repo.Worktree()
	if err != nil {
		return g.fail("auth", backend.KindTransient, err)
	}
	if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset, Commit: ref.Hash()}); err != nil {
		return g.fail("auth", backend.KindTransient, err)
	}
	return nil
}

// publish commits the store file and pushes the branch. Reported before
// batch success so a record never counts as synced on the strength of a
// cache-only commit.
func (g *gitRemote) publish(ctx context.Context, op, relPath, msg string) error {
	wt, err := g.repo.Worktree()
	if err != nil {
		return g.fail(op, backend.KindTransient, err)
	}
	if _, err := wt.Add(relPath); err != nil {
		return g.fail(op, backend.KindTransient, fmt.Errorf("staging %s: %w", relPath, err))
	}
	_, err = wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "weft", Email: "weft@localhost", When: time.Now()},
	})
	if err != nil && !errors.Is(err, git.ErrEmptyCommit) {
		return g.fail(op, backend.KindTransient, fmt.Errorf("committing peer store: %w", err))
	}

	err = g.repo.PushContext(ctx, &git.PushOptions{RemoteName: git.DefaultRemoteName})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return g.classify(op, err)
	}
	debug.Logf("peer: published %q to %s", msg, g.url)
	return nil
}

// classify maps go-git failures onto the sync error taxonomy.
func (g *gitRemote) classify(op string, err error) error {
	if ctxErr := contextError(err); ctxErr != nil {
		return ctxErr
	}
	kind := backend.KindTransient
	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed):
		kind = backend.KindAuth
	case errors.Is(err, transport.ErrRepositoryNotFound):
		kind = backend.KindAuth
	case errors.Is(err, git.ErrNonFastForwardUpdate):
		// Peer advanced between our fetch and push; replay next run.
		kind = backend.KindTransient
	}
	return g.fail(op, kind, err)
}

func (g *gitRemote) fail(op string, kind backend.Kind, err error) error {
	return &backend.SyncError{Op: op, Backend: Name, Kind: kind, Err: err}
}

func contextError(err error) error {
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return context.DeadlineExceeded
	}
	return nil
}
