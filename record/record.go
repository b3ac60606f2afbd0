// Package record defines the CRM record shape shared by the cache, the
// storage layer and the remote client.
package record

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Required field names.
const (
	FieldID        = "id"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

// TimeFormat matches the ISO-8601 form with millisecond precision used by
// browser clients.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// Record is a single entity instance. Beyond id, createdAt and updatedAt
// the field set is free-form and differs per collection.
type Record map[string]any

// ID returns the record id, or "" when missing or not a string.
func (r Record) ID() string {
	id, _ := r[FieldID].(string)
	return id
}

// NewID returns a time-ordered unique identifier (UUIDv7).
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

var (
	clockMu sync.Mutex
	lastNow time.Time
)

// Now returns the current UTC time in TimeFormat. Successive calls never go
// backwards and never repeat, so an update always sorts after its create.
func Now() string {
	clockMu.Lock()
	defer clockMu.Unlock()
	t := time.Now().UTC().Truncate(time.Millisecond)
	if !t.After(lastNow) {
		t = lastNow.Add(time.Millisecond)
	}
	lastNow = t
	return t.Format(TimeFormat)
}

// ParseTime parses a record timestamp. RFC3339 with or without fractional
// seconds is accepted.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Encodable reports an error when r cannot be serialized.
func Encodable(r Record) error {
	_, err := json.Marshal(r)
	return err
}

// Clone returns a deep copy of r by round-tripping through JSON. Numbers come
// back as float64, which is the shape every stored record has anyway.
func Clone(r Record) Record {
	if r == nil {
		return nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	var dst Record
	if err := json.Unmarshal(b, &dst); err != nil {
		return nil
	}
	return dst
}

// CloneAll deep-copies every record in rs. The result is never nil.
func CloneAll(rs []Record) []Record {
	out := make([]Record, 0, len(rs))
	for _, r := range rs {
		out = append(out, Clone(r))
	}
	return out
}

// FromValue converts a generic decoded JSON array into records. Elements
// that are not objects are skipped. ok is false when v is not an array.
func FromValue(v any) ([]Record, bool) {
	switch arr := v.(type) {
	case []Record:
		return CloneAll(arr), true
	case []map[string]any:
		out := make([]Record, 0, len(arr))
		for _, m := range arr {
			out = append(out, Clone(m))
		}
		return out, true
	case []any:
		out := make([]Record, 0, len(arr))
		for _, elem := range arr {
			if m, ok := elem.(map[string]any); ok {
				out = append(out, Record(m))
			}
		}
		return out, true
	}
	return nil, false
}

// SingletonFromValue converts a generic decoded JSON object into a Record.
func SingletonFromValue(v any) (Record, bool) {
	switch m := v.(type) {
	case Record:
		return m, true
	case map[string]any:
		return Record(m), true
	}
	return nil, false
}
