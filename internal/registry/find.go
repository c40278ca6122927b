package registry

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/acpx-sh/acpx/internal/ids"
	"github.com/acpx-sh/acpx/internal/models"
)

// Query selects a session by its exact binding: agent command, working
// directory, and name. An empty Name only matches unnamed records.
type Query struct {
	AgentCmd      string
	Cwd           string
	Name          string
	IncludeClosed bool
}

// Find returns the most recently used record matching q exactly, or
// ErrNotFound.
func (r *Registry) Find(q Query) (*models.SessionRecord, error) {
	recs, err := r.ListForAgent(q.AgentCmd)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.Cwd != q.Cwd || rec.Name != q.Name {
			continue
		}
		if rec.Closed && !q.IncludeClosed {
			continue
		}
		return rec, nil
	}
	return nil, ErrNotFound
}

// WalkQuery describes an upward directory search. Boundary, when set, is
// the highest directory the walk may visit. Otherwise the repository root
// containing Start bounds the walk, and with no repository the walk stays
// at Start.
type WalkQuery struct {
	AgentCmd string
	Start    string
	Name     string
	Boundary string
}

// FindByDirectoryWalk looks for an open session bound to Start or one of
// its ancestors, so a nested subdirectory inherits a session opened at the
// project root without capturing unrelated directories above it. Each
// candidate directory must still sit inside the boundary, segment-wise.
func (r *Registry) FindByDirectoryWalk(w WalkQuery) (*models.SessionRecord, error) {
	bound := w.Boundary
	if bound == "" {
		bound = w.Start
		if r.RepoRoot != nil {
			if root, err := r.RepoRoot(w.Start); err == nil && pathContains(root, w.Start) {
				bound = root
			}
		}
	}

	for dir := filepath.Clean(w.Start); pathContains(bound, dir); {
		rec, err := r.Find(Query{AgentCmd: w.AgentCmd, Cwd: dir, Name: w.Name})
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return nil, ErrNotFound
}

// EnsureOptions names the session a client wants and how to create it when
// nothing matches.
type EnsureOptions struct {
	AgentCmd string
	Cwd      string
	Name     string

	// NoInherit skips the ancestor walk, binding strictly to Cwd.
	NoInherit bool

	// Event-log thresholds stamped into new records; zero keeps the
	// writer's defaults.
	LogMaxBytes    int64
	LogMaxSegments int
}

// Ensure resolves the session for opts: an exact match first, an inherited
// ancestor match unless disabled, and finally a fresh record. The second
// return reports whether a record was created.
func (r *Registry) Ensure(opts EnsureOptions) (*models.SessionRecord, bool, error) {
	cwd, err := filepath.Abs(opts.Cwd)
	if err != nil {
		return nil, false, fmt.Errorf("resolve cwd: %w", err)
	}

	rec, err := r.Find(Query{AgentCmd: opts.AgentCmd, Cwd: cwd, Name: opts.Name})
	if err == nil {
		return rec, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if !opts.NoInherit {
		rec, err = r.FindByDirectoryWalk(WalkQuery{AgentCmd: opts.AgentCmd, Start: cwd, Name: opts.Name})
		if err == nil {
			return rec, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}

	now := r.Now().UTC()
	id := ids.New()
	rec = &models.SessionRecord{
		RecordID:   id,
		AgentCmd:   opts.AgentCmd,
		Cwd:        cwd,
		Name:       opts.Name,
		CreatedAt:  now,
		LastUsedAt: now,
		EventLog: models.EventLogPointer{
			Path:        r.EventLogPath(id),
			MaxBytes:    opts.LogMaxBytes,
			MaxSegments: opts.LogMaxSegments,
		},
	}
	if err := r.Write(rec); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}
