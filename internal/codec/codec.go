package codec

import (
	"encoding/json"
	"fmt"

	"github.com/acpx-sh/acpx/internal/models"
)

// diskRecord is the on-disk shape of a session record: the record's own
// fields plus the transcript's usage accumulators lifted to the top level.
// The request usage map is keyed by generated message ids, which are
// lowercase and therefore legal under the key policy.
type diskRecord struct {
	*models.SessionRecord
	RequestTokenUsage    map[string]models.TokenUsage `json:"request_token_usage,omitempty"`
	CumulativeTokenUsage models.TokenUsage            `json:"cumulative_token_usage"`
}

// Encode serializes rec to its canonical indented JSON document and checks
// every key against the persisted-key policy. A violating key fails the
// encode with a PolicyError; the document is never corrected in place.
func Encode(rec *models.SessionRecord) ([]byte, error) {
	disk := diskRecord{
		SessionRecord:        rec,
		RequestTokenUsage:    rec.Transcript.RequestUsage,
		CumulativeTokenUsage: rec.Transcript.CumulativeUsage,
	}
	data, err := json.MarshalIndent(disk, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode session record: %w", err)
	}
	if err := ValidateKeys(data); err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Decode parses a session record document. Absent fields keep their zero
// values and unknown fields are dropped, so documents written by older
// builds still load. The legacy record_id key is honored when acpx_record_id
// is missing.
func Decode(data []byte) (*models.SessionRecord, error) {
	disk := diskRecord{SessionRecord: &models.SessionRecord{}}
	if err := json.Unmarshal(data, &disk); err != nil {
		return nil, fmt.Errorf("decode session record: %w", err)
	}

	rec := disk.SessionRecord
	rec.Transcript.RequestUsage = disk.RequestTokenUsage
	if rec.Transcript.RequestUsage == nil {
		rec.Transcript.RequestUsage = make(map[string]models.TokenUsage)
	}
	rec.Transcript.CumulativeUsage = disk.CumulativeTokenUsage

	if rec.RecordID == "" {
		var legacy struct {
			RecordID string `json:"record_id"`
		}
		if err := json.Unmarshal(data, &legacy); err == nil {
			rec.RecordID = legacy.RecordID
		}
	}
	return rec, nil
}
