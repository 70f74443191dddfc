package lamp

import (
	"encoding/json"
	"fmt"
)

// blobEntry mirrors Record with optional fields so a partially written or
// hand-edited blob can be loaded entry by entry.
type blobEntry struct {
	Name    *string `json:"name"`
	Address *string `json:"address"`
}

// encodeRecords serialises the collection as a JSON array of
// {"name","address"} objects.
func encodeRecords(records []Record) ([]byte, error) {
	if records == nil {
		records = []Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encoding lamp list: %w", err)
	}
	return data, nil
}

// decodeRecords parses a blob written by encodeRecords. Entries that are
// not objects, lack a field or fail validation are skipped and reported
// through skip; only a blob that is not a JSON array is an error.
func decodeRecords(data []byte, skip func(index int, reason string)) ([]Record, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding lamp list: %w", err)
	}

	records := make([]Record, 0, len(raw))
	for i, msg := range raw {
		var entry blobEntry
		if err := json.Unmarshal(msg, &entry); err != nil {
			skip(i, "not an object")
			continue
		}
		if entry.Name == nil || entry.Address == nil {
			skip(i, "missing name or address")
			continue
		}
		rec := Record{Name: *entry.Name, Address: *entry.Address}
		if err := Validate(rec); err != nil {
			skip(i, err.Error())
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
