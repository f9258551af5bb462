package artifact

import (
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// Store hands out per-run scopes rooted in one filesystem.
type Store struct {
	fsys   billy.Filesystem
	logger *slog.Logger
}

func NewStore(fsys billy.Filesystem, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		fsys:   fsys,
		logger: logger,
	}
}

// NewOSStore creates a store rooted at dir on the local disk.
func NewOSStore(dir string, logger *slog.Logger) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("artifact: resolve %q: %w", dir, err)
	}
	return NewStore(osfs.New(abs), logger), nil
}

// Root is the absolute directory all run directories live under.
func (s *Store) Root() string {
	return s.fsys.Root()
}

// Begin opens the scope of one run. The caller must call ReleaseAll on it
// exactly once the run is over, whatever the outcome.
func (s *Store) Begin(runID string) *Scope {
	return &Scope{
		store:  s,
		runID:  runID,
		dir:    runDirPrefix + runID,
		logger: s.logger.With("run_id", runID),
	}
}

func (s *Store) abs(rel string) string {
	return filepath.Join(s.fsys.Root(), rel)
}

func (s *Store) rel(path string) string {
	if !filepath.IsAbs(path) {
		return path
	}
	rel, err := filepath.Rel(s.fsys.Root(), path)
	if err != nil {
		return path
	}
	return rel
}

// Scope tracks the artifacts created during one run.
type Scope struct {
	store  *Store
	runID  string
	dir    string
	logger *slog.Logger

	mu        sync.Mutex
	artifacts []Artifact
	released  bool
}

func (sc *Scope) RunID() string {
	return sc.runID
}

// Dir is the absolute directory holding this run's artifacts.
func (sc *Scope) Dir() string {
	return sc.store.abs(sc.dir)
}

// ExecutablePath is where a compiler should write this run's executable.
func (sc *Scope) ExecutablePath() string {
	return sc.store.abs(filepath.Join(sc.dir, executableName))
}

// Materialize writes text as this run's source file. The file is registered
// before it is written so a partial write is still cleaned up.
func (sc *Scope) Materialize(text string) (Artifact, error) {
	rel := filepath.Join(sc.dir, sourceFileName)
	a := Artifact{Kind: SourceFile, Path: sc.store.abs(rel)}

	if err := sc.store.fsys.MkdirAll(sc.dir, 0o755); err != nil {
		return Artifact{}, &StorageError{Op: "mkdir", Path: sc.Dir(), Err: err}
	}
	sc.Register(a)

	if err := util.WriteFile(sc.store.fsys, rel, []byte(text), 0o644); err != nil {
		return Artifact{}, &StorageError{Op: "write", Path: a.Path, Err: err}
	}

	sc.logger.Debug("source materialized", "path", a.Path, "bytes", len(text))
	return a, nil
}

// Register records an artifact for removal by ReleaseAll.
func (sc *Scope) Register(a Artifact) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.artifacts = append(sc.artifacts, a)
}

// Artifacts returns the artifacts registered so far.
func (sc *Scope) Artifacts() []Artifact {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]Artifact(nil), sc.artifacts...)
}

// ReleaseAll removes every registered artifact and then the run directory.
// Failures are logged and never stop the remaining removals. Calling it
// again is a no-op.
func (sc *Scope) ReleaseAll() {
	sc.mu.Lock()
	if sc.released {
		sc.mu.Unlock()
		return
	}
	sc.released = true
	artifacts := sc.artifacts
	sc.artifacts = nil
	sc.mu.Unlock()

	for i := len(artifacts) - 1; i >= 0; i-- {
		sc.remove(artifacts[i])
	}

	// catches anything a tool left behind next to the artifacts
	if err := util.RemoveAll(sc.store.fsys, sc.dir); err != nil && !errors.Is(err, iofs.ErrNotExist) {
		sc.logger.Warn("remove run directory", "path", sc.Dir(), "error", err)
	}
}

func (sc *Scope) remove(a Artifact) {
	err := sc.store.fsys.Remove(sc.store.rel(a.Path))
	switch {
	case err == nil:
		sc.logger.Debug("artifact removed", "kind", a.Kind, "path", a.Path)
	case errors.Is(err, iofs.ErrNotExist):
		sc.logger.Debug("artifact already gone", "kind", a.Kind, "path", a.Path)
	default:
		sc.logger.Warn("remove artifact", "kind", a.Kind, "path", a.Path, "error", err)
	}
}
