package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(min int) time.Time {
	return time.Date(2026, 3, 1, 12, min, 0, 0, time.UTC)
}

func TestList_SortsByLastUsedDescending(t *testing.T) {
	r := testRegistry(t)
	writeRecord(t, r, makeRecord("aaa111", "acp", "/w1", "", at(1)))
	writeRecord(t, r, makeRecord("bbb222", "acp", "/w2", "", at(3)))
	writeRecord(t, r, makeRecord("ccc333", "acp", "/w3", "", at(2)))

	recs, err := r.List()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "bbb222", recs[0].RecordID)
	assert.Equal(t, "ccc333", recs[1].RecordID)
	assert.Equal(t, "aaa111", recs[2].RecordID)
}

func TestList_SkipsCorruptFiles(t *testing.T) {
	r := testRegistry(t)
	writeRecord(t, r, makeRecord("aaa111", "acp", "/w1", "", at(1)))
	writeRecord(t, r, makeRecord("bbb222", "acp", "/w2", "", at(2)))

	// A truncated record, an id-less document, and a stray file.
	require.NoError(t, os.WriteFile(filepath.Join(r.Dir(), recordFileName("broken")), []byte(`{"acpx_rec`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(r.Dir(), recordFileName("anon")), []byte(`{}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(r.Dir(), "README.txt"), []byte("not a record"), 0o644))

	recs, err := r.List()
	require.NoError(t, err, "per-file corruption must never fail the listing")
	require.Len(t, recs, 2)
	assert.Equal(t, "bbb222", recs[0].RecordID)
}

func TestList_EmptyDirectory(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "never-created"))
	recs, err := r.List()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestListForAgent(t *testing.T) {
	r := testRegistry(t)
	writeRecord(t, r, makeRecord("aaa111", "claude-code-acp", "/w1", "", at(1)))
	writeRecord(t, r, makeRecord("bbb222", "gemini-acp", "/w2", "", at(2)))

	recs, err := r.ListForAgent("claude-code-acp")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "aaa111", recs[0].RecordID)
}

func TestResolve_DirectAndExact(t *testing.T) {
	r := testRegistry(t)
	rec := makeRecord("abc123", "acp", "/w", "", at(1))
	rec.ProtocolSessionID = "sess_one"
	writeRecord(t, r, rec)

	got, err := r.Resolve("abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.RecordID)

	got, err = r.Resolve("sess_one")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.RecordID, "protocol session id resolves at the exact stage")

	_, err = r.Resolve("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.Resolve("")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_ExactAmbiguity(t *testing.T) {
	r := testRegistry(t)
	first := makeRecord("aaa111", "acp", "/w1", "", at(1))
	first.ProtocolSessionID = "shared"
	second := makeRecord("bbb222", "acp", "/w2", "", at(2))
	second.ProtocolSessionID = "shared"
	writeRecord(t, r, first)
	writeRecord(t, r, second)

	_, err := r.Resolve("shared")
	require.ErrorIs(t, err, ErrAmbiguous)

	var ambErr *AmbiguousError
	require.ErrorAs(t, err, &ambErr)
	assert.Equal(t, "shared", ambErr.Ref)
	assert.Equal(t, []string{"aaa111", "bbb222"}, ambErr.Candidates)
}

func TestResolve_SuffixStage(t *testing.T) {
	r := testRegistry(t)
	writeRecord(t, r, makeRecord("abc123", "acp", "/w1", "", at(1)))
	writeRecord(t, r, makeRecord("xyz123", "acp", "/w2", "", at(2)))

	got, err := r.Resolve("c123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.RecordID)

	_, err = r.Resolve("123")
	assert.ErrorIs(t, err, ErrAmbiguous, "a suffix shared by two records is ambiguous")

	_, err = r.Resolve("999")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_ExactBeatsSuffix(t *testing.T) {
	r := testRegistry(t)
	writeRecord(t, r, makeRecord("abc", "acp", "/w1", "", at(1)))
	writeRecord(t, r, makeRecord("zzzabc", "acp", "/w2", "", at(2)))

	// "abc" is a full id and a suffix of the other; the exact hit wins
	// before the suffix stage ever runs.
	got, err := r.Resolve("abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", got.RecordID)
}

func TestResolve_CorruptDirectFileFallsBack(t *testing.T) {
	r := testRegistry(t)
	good := makeRecord("good11", "acp", "/w", "", at(1))
	good.ProtocolSessionID = "abc123"
	writeRecord(t, r, good)
	require.NoError(t, os.WriteFile(filepath.Join(r.Dir(), recordFileName("abc123")), []byte("garbage"), 0o644))

	got, err := r.Resolve("abc123")
	require.NoError(t, err, "a corrupt file at the direct path falls back to search")
	assert.Equal(t, "good11", got.RecordID)
}
