package proxy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/acpx-sh/acpx/internal/oplog"
)

// Mode is the session's filesystem permission policy.
type Mode string

const (
	ModeDenyAll      Mode = "deny-all"
	ModeApproveReads Mode = "approve-reads"
	ModeApproveAll   Mode = "approve-all"
)

// Fallback decides what happens when an operation needs confirmation but no
// confirmation channel exists.
type Fallback string

const (
	FallbackFail  Fallback = "fail"
	FallbackAllow Fallback = "allow"
	FallbackDeny  Fallback = "deny"
)

// ErrPermissionDenied marks an operation disallowed by mode, containment,
// or an explicit denial.
var ErrPermissionDenied = errors.New("permission denied")

// ErrPromptUnavailable marks an operation that required interactive
// confirmation while none was possible and the fallback policy is fail.
var ErrPromptUnavailable = errors.New("permission prompt unavailable")

// Request describes one operation put to the user for confirmation.
type Request struct {
	Method string
	Path   string
}

// Confirmer asks the user to approve one operation.
type Confirmer interface {
	Confirm(ctx context.Context, req Request) (bool, error)
}

// OpLog receives one audit entry per proxied operation.
type OpLog interface {
	Append(ctx context.Context, e oplog.Entry) error
}

// FS is the permission-gated filesystem surface handed to an agent. Every
// path must be absolute and inside the session's working directory; beyond
// that the mode policy decides, prompting through Confirm when a write
// needs explicit approval.
type FS struct {
	RecordID string
	Cwd      string
	Mode     Mode
	Fallback Fallback
	Confirm  Confirmer // nil when no interactive channel exists
	Log      OpLog     // optional audit sink
}

// ReadRequest selects a file and an optional line window. Line is 1-based;
// zero reads from the start. Limit caps the number of lines; zero means all.
type ReadRequest struct {
	Path  string
	Line  int
	Limit int
}

// ReadTextFile returns the (optionally windowed) contents of one file.
func (f *FS) ReadTextFile(ctx context.Context, req ReadRequest) (string, error) {
	const method = "fs/read_text_file"
	if err := f.authorize(ctx, method, req.Path, false); err != nil {
		return "", err
	}
	data, err := os.ReadFile(req.Path)
	if err != nil {
		f.log(ctx, method, req.Path, oplog.OutcomeFailed, err.Error())
		return "", fmt.Errorf("read %s: %w", req.Path, err)
	}
	content := sliceLines(string(data), req.Line, req.Limit)
	f.log(ctx, method, req.Path, oplog.OutcomeAllowed, fmt.Sprintf("%d bytes", len(content)))
	return content, nil
}

// WriteTextFile replaces one file's contents, creating it (and its parent
// directories) as needed.
func (f *FS) WriteTextFile(ctx context.Context, path, content string) error {
	const method = "fs/write_text_file"
	if err := f.authorize(ctx, method, path, true); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		f.log(ctx, method, path, oplog.OutcomeFailed, err.Error())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		f.log(ctx, method, path, oplog.OutcomeFailed, err.Error())
		return fmt.Errorf("write %s: %w", path, err)
	}
	f.log(ctx, method, path, oplog.OutcomeAllowed, fmt.Sprintf("%d bytes", len(content)))
	return nil
}

// authorize runs the structural checks and the mode policy. An unset or
// unrecognized mode denies everything.
func (f *FS) authorize(ctx context.Context, method, path string, write bool) error {
	if !filepath.IsAbs(path) {
		f.log(ctx, method, path, oplog.OutcomeDenied, "path must be absolute")
		return fmt.Errorf("%w: path must be absolute", ErrPermissionDenied)
	}
	if !containsPath(f.Cwd, path) {
		f.log(ctx, method, path, oplog.OutcomeDenied, "outside session cwd")
		return fmt.Errorf("%w: %s is outside the session directory", ErrPermissionDenied, path)
	}

	switch f.Mode {
	case ModeApproveAll:
		return nil
	case ModeApproveReads:
		if !write {
			return nil
		}
		return f.confirm(ctx, method, path)
	default:
		f.log(ctx, method, path, oplog.OutcomeDenied, "denied by mode "+string(f.Mode))
		return fmt.Errorf("%w: mode %q", ErrPermissionDenied, f.Mode)
	}
}

func (f *FS) confirm(ctx context.Context, method, path string) error {
	if f.Confirm == nil {
		switch f.Fallback {
		case FallbackAllow:
			return nil
		case FallbackDeny:
			f.log(ctx, method, path, oplog.OutcomeDenied, "denied by non-interactive fallback")
			return fmt.Errorf("%w: non-interactive session", ErrPermissionDenied)
		default:
			f.log(ctx, method, path, oplog.OutcomeDenied, "confirmation required but unavailable")
			return fmt.Errorf("%w: %s requires confirmation", ErrPromptUnavailable, method)
		}
	}
	ok, err := f.Confirm.Confirm(ctx, Request{Method: method, Path: path})
	if err != nil {
		f.log(ctx, method, path, oplog.OutcomeFailed, err.Error())
		return fmt.Errorf("confirm %s: %w", method, err)
	}
	if !ok {
		f.log(ctx, method, path, oplog.OutcomeDenied, "denied by user")
		return fmt.Errorf("%w: denied by user", ErrPermissionDenied)
	}
	return nil
}

func (f *FS) log(ctx context.Context, method, path string, outcome oplog.Outcome, detail string) {
	if f.Log == nil {
		return
	}
	_ = f.Log.Append(ctx, oplog.Entry{
		RecordID: f.RecordID,
		Method:   method,
		Path:     path,
		Outcome:  outcome,
		Detail:   detail,
	})
}

// containsPath reports whether path is root or sits below it, comparing
// whole path segments rather than raw string prefixes.
func containsPath(root, path string) bool {
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

// sliceLines windows content by a 1-based starting line and a line count.
// Zero values leave the respective dimension unbounded.
func sliceLines(content string, line, limit int) string {
	if line <= 0 && limit <= 0 {
		return content
	}
	lines := strings.Split(content, "\n")
	start := 0
	if line > 0 {
		start = line - 1
	}
	if start >= len(lines) {
		return ""
	}
	out := lines[start:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return strings.Join(out, "\n")
}
