package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/repocontext/pkg/models"
)

// Reason classifies why a repository could not be acquired.
type Reason string

const (
	ReasonInvalid   Reason = "invalid"
	ReasonNotFound  Reason = "not_found"
	ReasonAuth      Reason = "auth"
	ReasonTransport Reason = "transport"
)

// AcquisitionError is returned when a working tree cannot be materialized. It is fatal for a run.
type AcquisitionError struct {
	Ref    models.RepositoryRef
	Reason Reason
	Err    error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s (%s): %v", e.Ref, e.Reason, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// WorkingTree is a local materialization of a repository. Trees created by an Acquirer are
// removed on Close; trees wrapping a local checkout are left in place.
type WorkingTree struct {
	Ref           models.RepositoryRef
	Root          string
	DefaultBranch string

	owned bool
	once  sync.Once
	err   error
}

// Close removes the tree from disk. It is safe to call more than once.
func (t *WorkingTree) Close() error {
	t.once.Do(func() {
		if !t.owned {
			return
		}
		if err := os.RemoveAll(t.Root); err != nil {
			t.err = fmt.Errorf("remove working tree %s: %w", t.Root, err)
			return
		}
		log.Debug().Str("dir", t.Root).Str("repo", t.Ref.String()).Msg("working tree removed")
	})
	return t.err
}

// Use runs fn against the tree and closes it afterwards, whether fn returns, fails or
// panics. A cleanup failure is logged; fn's error is returned.
func (t *WorkingTree) Use(fn func(*WorkingTree) error) error {
	defer func() {
		if err := t.Close(); err != nil {
			log.Warn().Err(err).Str("repo", t.Ref.String()).Msg("working tree cleanup failed")
		}
	}()
	return fn(t)
}

// Entries lists the names at the top level of the tree, skipping the .git directory.
func (t *WorkingTree) Entries() ([]string, error) {
	des, err := os.ReadDir(t.Root)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(des))
	for _, de := range des {
		if de.Name() == ".git" {
			continue
		}
		name := de.Name()
		if de.IsDir() {
			name += "/"
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Acquirer clones repositories into private temporary directories.
type Acquirer struct {
	Cloner Cloner
	// Lookup is optional; when set it validates the repository and resolves its default branch
	// before anything is written to disk.
	Lookup Lookup
	// TempDir is the parent of created trees; empty means os.TempDir().
	TempDir string
	// Depth limits clone history; 0 clones the full history of the default branch.
	Depth int
}

// New creates an Acquirer that clones with git and resolves repositories through the GitHub API.
func New(token string, depth int) *Acquirer {
	return &Acquirer{
		Cloner: &GitCloner{Token: token},
		Lookup: NewGitHubLookup(token),
		Depth:  depth,
	}
}

// Acquire clones ref into a fresh temporary directory. On error nothing is left on disk.
// The caller owns the returned tree and must Close it; see WorkingTree.Use.
func (a *Acquirer) Acquire(ctx context.Context, ref models.RepositoryRef) (*WorkingTree, error) {
	if err := ref.Validate(); err != nil {
		return nil, &AcquisitionError{Ref: ref, Reason: ReasonInvalid, Err: err}
	}

	branch := ""
	if a.Lookup != nil {
		b, err := a.Lookup.DefaultBranch(ctx, ref)
		switch {
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnauthorized):
			return nil, asAcquisitionError(ref, err)
		case err != nil:
			// API trouble (rate limit, outage) does not mean git will fail; let the clone decide.
			log.Warn().Err(err).Str("repo", ref.String()).Msg("repository lookup failed, cloning default branch")
		default:
			branch = b
		}
	}

	dir, err := os.MkdirTemp(a.TempDir, "repocontext-*")
	if err != nil {
		return nil, &AcquisitionError{Ref: ref, Reason: ReasonTransport, Err: err}
	}

	log.Info().Str("repo", ref.String()).Str("branch", branch).Str("dir", dir).Msg("cloning repository")
	if err := a.Cloner.Clone(ctx, CloneOptions{URL: ref.CloneURL(), Branch: branch, Depth: a.Depth, Dir: dir}); err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			log.Warn().Err(rmErr).Str("dir", dir).Msg("failed to remove temp directory")
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &AcquisitionError{Ref: ref, Reason: ReasonTransport, Err: ctxErr}
		}
		return nil, asAcquisitionError(ref, err)
	}

	return &WorkingTree{Ref: ref, Root: dir, DefaultBranch: branch, owned: true}, nil
}

// LocalTree wraps an existing checkout. Close leaves it untouched.
func LocalTree(ref models.RepositoryRef, root string) (*WorkingTree, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, &AcquisitionError{Ref: ref, Reason: ReasonInvalid, Err: err}
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, &AcquisitionError{Ref: ref, Reason: ReasonNotFound, Err: err}
	}
	if !fi.IsDir() {
		return nil, &AcquisitionError{Ref: ref, Reason: ReasonInvalid, Err: fmt.Errorf("%s is not a directory", abs)}
	}
	return &WorkingTree{Ref: ref, Root: abs}, nil
}

func asAcquisitionError(ref models.RepositoryRef, err error) error {
	var ae *AcquisitionError
	if errors.As(err, &ae) {
		return ae
	}
	reason := ReasonTransport
	switch {
	case errors.Is(err, ErrNotFound):
		reason = ReasonNotFound
	case errors.Is(err, ErrUnauthorized):
		reason = ReasonAuth
	}
	return &AcquisitionError{Ref: ref, Reason: reason, Err: err}
}
