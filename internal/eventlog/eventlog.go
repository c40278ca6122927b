package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/acpx-sh/acpx/internal/models"
)

// Rotation defaults for records that carry no explicit thresholds.
const (
	DefaultMaxBytes    = 4 << 20
	DefaultMaxSegments = 4
)

// Event is one line of a session's JSONL event log. Kind carries the
// protocol update tag or a client-side marker like "prompt" or "close".
type Event struct {
	At       time.Time `json:"at"`
	Kind     string    `json:"kind"`
	RecordID string    `json:"record_id,omitempty"`
	Payload  any       `json:"payload,omitempty"`
}

// Writer appends events to the log named by a record's event-log pointer,
// rotating segments when the active file outgrows its threshold. Every
// append is best effort: failures land in the pointer's last_error field
// and never interrupt the session.
type Writer struct {
	mu  sync.Mutex
	id  string
	ptr *models.EventLogPointer

	Now func() time.Time
}

// NewWriter binds a writer to rec's pointer. The pointer is mutated in
// place so the bookkeeping persists with the record.
func NewWriter(recordID string, ptr *models.EventLogPointer) *Writer {
	return &Writer{id: recordID, ptr: ptr, Now: time.Now}
}

// Append writes one event line, rotating first if the active segment is
// full. The pointer's last-write timestamp advances on success; any failure
// is recorded and swallowed.
func (w *Writer) Append(kind string, payload any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ptr == nil || w.ptr.Path == "" {
		return
	}

	evt := Event{At: w.Now().UTC(), Kind: kind, RecordID: w.id, Payload: payload}
	line, err := json.Marshal(evt)
	if err != nil {
		w.ptr.LastError = fmt.Sprintf("encode event: %v", err)
		return
	}
	line = append(line, '\n')

	if err := w.rotateIfNeeded(int64(len(line))); err != nil {
		w.ptr.LastError = err.Error()
	}
	if err := w.write(line); err != nil {
		w.ptr.LastError = err.Error()
		return
	}
	at := evt.At
	w.ptr.LastWriteAt = &at
	w.ptr.LastError = ""
}

func (w *Writer) write(line []byte) error {
	if err := os.MkdirAll(filepath.Dir(w.ptr.Path), 0o755); err != nil {
		return fmt.Errorf("create event log dir: %w", err)
	}
	f, err := os.OpenFile(w.ptr.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// rotateIfNeeded shifts full segments one slot up (path.1 is the newest
// rotated segment) and drops whatever falls past the segment cap.
func (w *Writer) rotateIfNeeded(incoming int64) error {
	maxBytes := w.ptr.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	info, err := os.Stat(w.ptr.Path)
	if err != nil || info.Size() == 0 {
		return nil
	}
	if info.Size()+incoming <= maxBytes {
		return nil
	}

	segs := w.ptr.MaxSegments
	if segs <= 0 {
		segs = DefaultMaxSegments
	}
	os.Remove(segmentPath(w.ptr.Path, segs))
	for i := segs - 1; i >= 1; i-- {
		from := segmentPath(w.ptr.Path, i)
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, segmentPath(w.ptr.Path, i+1))
		}
	}
	if err := os.Rename(w.ptr.Path, segmentPath(w.ptr.Path, 1)); err != nil {
		return fmt.Errorf("rotate event log: %w", err)
	}
	w.ptr.SegmentCount++
	return nil
}

func segmentPath(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}

// Tail returns up to n trailing events in chronological order, reading
// rotated segments oldest first. Missing files and malformed lines are
// skipped. n <= 0 returns everything.
func Tail(ptr models.EventLogPointer, n int) []Event {
	if ptr.Path == "" {
		return nil
	}
	segs := ptr.MaxSegments
	if segs <= 0 {
		segs = DefaultMaxSegments
	}
	var events []Event
	for i := segs; i >= 1; i-- {
		events = append(events, readEvents(segmentPath(ptr.Path, i))...)
	}
	events = append(events, readEvents(ptr.Path)...)
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events
}

func readEvents(path string) []Event {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var evt Event
		if json.Unmarshal(scanner.Bytes(), &evt) == nil {
			events = append(events, evt)
		}
	}
	return events
}
