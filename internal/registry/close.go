package registry

import (
	"context"

	"github.com/acpx-sh/acpx/internal/models"
	"github.com/acpx-sh/acpx/internal/proc"
)

// SessionState classifies a record for display and scheduling.
type SessionState string

const (
	StateLive   SessionState = "live"
	StateIdle   SessionState = "idle"
	StateClosed SessionState = "closed"
)

// State probes the record's tracked process: live when an owning process is
// still running, idle when none is.
func (r *Registry) State(rec *models.SessionRecord) SessionState {
	switch {
	case rec.Closed:
		return StateClosed
	case rec.PID > 0 && r.Alive(rec.PID):
		return StateLive
	default:
		return StateIdle
	}
}

// Close resolves ref, best-effort terminates any tracked process, and
// persists the record as closed. Termination failure is swallowed: the
// closed flag is the authoritative outcome, not process death. Closing an
// already-closed session refreshes its close timestamp.
func (r *Registry) Close(ctx context.Context, ref, signal string) (*models.SessionRecord, error) {
	rec, err := r.Resolve(ref)
	if err != nil {
		return nil, err
	}
	if rec.PID > 0 {
		r.Terminate(ctx, rec.PID, proc.SignalByName(signal))
	}
	now := r.Now().UTC()
	rec.PID = 0
	rec.Closed = true
	rec.ClosedAt = &now
	rec.LastUsedAt = now
	if err := r.Write(rec); err != nil {
		return nil, err
	}
	return rec, nil
}
