package quota

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// isoLayout is ISO-8601 with microseconds and a numeric offset.
const isoLayout = "2006-01-02T15:04:05.000000-07:00"

// stateSchema describes the persisted mapping. Fields are optional because
// older files predate the image counters.
const stateSchema = `{
  "type": "object",
  "additionalProperties": {
    "type": "object",
    "properties": {
      "count":            {"type": "integer", "minimum": 0},
      "image_count":      {"type": "integer", "minimum": 0},
      "last_reset":       {"type": "string", "minLength": 1},
      "last_image_reset": {"type": "string", "minLength": 1}
    }
  }
}`

var compiledSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(stateSchema))
})

type wireRecord struct {
	Count          *int    `json:"count,omitempty"`
	ImageCount     *int    `json:"image_count,omitempty"`
	LastReset      *string `json:"last_reset,omitempty"`
	LastImageReset *string `json:"last_image_reset,omitempty"`
}

// EncodeState renders records in the on-disk JSON format.
func EncodeState(records map[string]Record) ([]byte, error) {
	wire := make(map[string]wireRecord, len(records))
	for id, r := range records {
		wire[id] = toWire(r)
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encoding quota state: %w", err)
	}
	return data, nil
}

// DecodeState validates and decodes the on-disk JSON format. Records missing
// fields are filled with zero counters and now as their reset time.
func DecodeState(data []byte, now time.Time) (map[string]Record, error) {
	schema, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("compiling quota schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrCorruptState, strings.Join(msgs, "; "))
	}

	var wire map[string]wireRecord
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}

	records := make(map[string]Record, len(wire))
	for id, w := range wire {
		r, err := normalize(w, stamp(now))
		if err != nil {
			return nil, fmt.Errorf("%w: user %s: %v", ErrCorruptState, id, err)
		}
		records[id] = r
	}
	return records, nil
}

func normalize(w wireRecord, now time.Time) (Record, error) {
	r := newRecord(now)
	if w.Count != nil {
		r.TextCount = *w.Count
	}
	if w.ImageCount != nil {
		r.ImageCount = *w.ImageCount
	}
	if w.LastReset != nil {
		t, err := parseTimestamp(*w.LastReset)
		if err != nil {
			return Record{}, err
		}
		r.LastTextReset = t
	}
	if w.LastImageReset != nil {
		t, err := parseTimestamp(*w.LastImageReset)
		if err != nil {
			return Record{}, err
		}
		r.LastImageReset = t
	}
	return r, nil
}

func toWire(r Record) wireRecord {
	count, imageCount := r.TextCount, r.ImageCount
	lastReset := formatTimestamp(r.LastTextReset)
	lastImageReset := formatTimestamp(r.LastImageReset)
	return wireRecord{
		Count:          &count,
		ImageCount:     &imageCount,
		LastReset:      &lastReset,
		LastImageReset: &lastImageReset,
	}
}

func formatTimestamp(t time.Time) string {
	return t.Format(isoLayout)
}

// parseTimestamp accepts RFC 3339 and offset-less ISO-8601, the latter read as local time.
func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return stamp(t), nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	return stamp(t), nil
}
