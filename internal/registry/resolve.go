package registry

import (
	"sort"
	"strings"

	"github.com/acpx-sh/acpx/internal/models"
)

// List returns every parseable record sorted by last_used_at descending.
// Unreadable or malformed files are skipped per file; corruption never
// fails the whole listing.
func (r *Registry) List() ([]*models.SessionRecord, error) {
	ids, err := r.recordIDs()
	if err != nil {
		return nil, err
	}
	recs := make([]*models.SessionRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Get(id)
		if err != nil || rec.RecordID == "" {
			continue
		}
		recs = append(recs, rec)
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].LastUsedAt.After(recs[j].LastUsedAt)
	})
	return recs, nil
}

// ListForAgent filters List down to one agent command line.
func (r *Registry) ListForAgent(agentCmd string) ([]*models.SessionRecord, error) {
	recs, err := r.List()
	if err != nil {
		return nil, err
	}
	var out []*models.SessionRecord
	for _, rec := range recs {
		if rec.AgentCmd == agentCmd {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Resolve finds one record for a user-supplied reference: direct id lookup,
// then exact equality against record and protocol session ids, then suffix
// matching against the same two fields. A stage with exactly one match
// settles the reference; more than one is ambiguous; zero falls through.
func (r *Registry) Resolve(ref string) (*models.SessionRecord, error) {
	if ref == "" {
		return nil, ErrNotFound
	}
	if rec, err := r.Get(ref); err == nil {
		return rec, nil
	}
	// Direct lookup misses (including a corrupt file at that path) fall
	// back to search over whatever still parses.
	recs, err := r.List()
	if err != nil {
		return nil, err
	}

	stages := []func(rec *models.SessionRecord) bool{
		func(rec *models.SessionRecord) bool {
			return rec.RecordID == ref || rec.ProtocolSessionID == ref
		},
		func(rec *models.SessionRecord) bool {
			return strings.HasSuffix(rec.RecordID, ref) || strings.HasSuffix(rec.ProtocolSessionID, ref)
		},
	}
	for _, match := range stages {
		var hits []*models.SessionRecord
		for _, rec := range recs {
			if match(rec) {
				hits = append(hits, rec)
			}
		}
		switch len(hits) {
		case 0:
			continue
		case 1:
			return hits[0], nil
		default:
			candidates := make([]string, len(hits))
			for i, rec := range hits {
				candidates[i] = rec.RecordID
			}
			sort.Strings(candidates)
			return nil, &AmbiguousError{Ref: ref, Candidates: candidates}
		}
	}
	return nil, ErrNotFound
}
