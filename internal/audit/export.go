package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// ExportJSON writes entries as a JSON array, one determination trail per
// compliance request.
func ExportJSON(w io.Writer, entries []Entry) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if entries == nil {
		entries = []Entry{}
	}
	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("encoding audit export: %w", err)
	}
	return nil
}

// ExportCSV writes entries as CSV with a fixed header. Detail payloads are
// flattened to a JSON column so the export stays lossless.
func ExportCSV(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "case_number", "run_id", "event", "actor_type", "actor_id", "detail", "signature"}); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	for _, e := range entries {
		detail := ""
		if len(e.Detail) > 0 {
			raw, err := json.Marshal(e.Detail)
			if err != nil {
				return fmt.Errorf("encoding detail for %s: %w", e.ID, err)
			}
			detail = string(raw)
		}
		record := []string{
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.CaseNumber,
			e.RunID,
			e.Event,
			e.ActorType,
			e.ActorID,
			detail,
			e.Signature,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("writing csv record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
