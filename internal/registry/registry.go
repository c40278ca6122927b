package registry

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/acpx-sh/acpx/internal/codec"
	"github.com/acpx-sh/acpx/internal/gitutil"
	"github.com/acpx-sh/acpx/internal/models"
	"github.com/acpx-sh/acpx/internal/proc"
)

// ErrNotFound is returned when a reference resolves to no record. Its text
// is the wire-level message for the not-found error code.
var ErrNotFound = errors.New("no session found")

// ErrAmbiguous is the sentinel under every AmbiguousError.
var ErrAmbiguous = errors.New("ambiguous session reference")

// AmbiguousError reports a reference matching more than one record at a
// single resolution stage. Callers get the candidates, never a silent pick.
type AmbiguousError struct {
	Ref        string
	Candidates []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("session reference %q matches %d records: %s",
		e.Ref, len(e.Candidates), strings.Join(e.Candidates, ", "))
}

func (e *AmbiguousError) Unwrap() error { return ErrAmbiguous }

// Registry owns the on-disk directory of session records, one JSON document
// per record. All mutation goes through Write's temp-then-rename replace, so
// readers never observe a partial file.
type Registry struct {
	dir string

	// RepoRoot resolves the enclosing repository root for the directory
	// walk's default boundary. Alive and Terminate are the process probes
	// used by State and Close. All three are swappable in tests.
	RepoRoot  func(dir string) (string, error)
	Alive     func(pid int) bool
	Terminate func(ctx context.Context, pid int, sig os.Signal)
	Now       func() time.Time
}

// New returns a registry over dir. The directory is created lazily by the
// first write.
func New(dir string) *Registry {
	return &Registry{
		dir:       dir,
		RepoRoot:  gitutil.RepoRoot,
		Alive:     proc.Alive,
		Terminate: proc.Terminate,
		Now:       time.Now,
	}
}

// Dir returns the session directory path.
func (r *Registry) Dir() string { return r.dir }

// EventLogPath returns the canonical event-log location for a record id.
func (r *Registry) EventLogPath(id string) string {
	return filepath.Join(r.dir, "events", id+".jsonl")
}

// recordFileName derives the on-disk name for a record id. Ids pass through
// a URL-safe encoding so the filename never depends on the id's alphabet.
func recordFileName(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id)) + ".json"
}

// fileNameRecordID inverts recordFileName, reporting false for files that
// are not session records.
func fileNameRecordID(name string) (string, bool) {
	base, ok := strings.CutSuffix(name, ".json")
	if !ok || strings.HasPrefix(name, ".") {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(base)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func (r *Registry) recordPath(id string) string {
	return filepath.Join(r.dir, recordFileName(id))
}

// Write persists rec atomically: encode (key policy enforced there), write
// to a uniquely named temp file in the session directory, rename into
// place. A failed write leaves no temp file and the prior document intact.
func (r *Registry) Write(rec *models.SessionRecord) error {
	if rec.RecordID == "" {
		return fmt.Errorf("write session record: missing record id")
	}
	data, err := codec.Encode(rec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	tmp, err := os.CreateTemp(r.dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	success := false
	defer func() {
		if !success {
			os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.recordPath(rec.RecordID)); err != nil {
		return fmt.Errorf("replace record file: %w", err)
	}
	success = true
	return nil
}

// Get loads one record by its exact record id. A missing file is
// ErrNotFound; a malformed one is a decode error.
func (r *Registry) Get(id string) (*models.SessionRecord, error) {
	data, err := os.ReadFile(r.recordPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read session record: %w", err)
	}
	rec, err := codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}
	return rec, nil
}

// recordIDs lists the ids of every record file currently in the directory.
// A missing directory reads as empty.
func (r *Registry) recordIDs() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list session dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := fileNameRecordID(e.Name()); ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// pathContains reports whether path is root or sits below it, comparing
// whole path segments rather than raw string prefixes.
func pathContains(root, path string) bool {
	root = filepath.Clean(root)
	path = filepath.Clean(path)
	if root == path {
		return true
	}
	if !strings.HasSuffix(root, string(filepath.Separator)) {
		root += string(filepath.Separator)
	}
	return strings.HasPrefix(path, root)
}
