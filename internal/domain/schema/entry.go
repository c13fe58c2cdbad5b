// Package schema defines the canonical log entry shared by sources, the merge core and sinks.
package schema

import (
	"maps"
	"time"
)

// LogEntry is an immutable log record. Timestamp is the ordering key; Message and Fields are
// payload the merge core never interprets.
type LogEntry struct {
	Timestamp time.Time         `json:"ts"`
	Message   string            `json:"msg"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// NewLogEntry builds an entry, copying fields so later mutation by the caller is not observed.
func NewLogEntry(ts time.Time, msg string, fields map[string]string) LogEntry {
	return LogEntry{Timestamp: ts, Message: msg, Fields: cloneFields(fields)}
}

// Before reports whether e sorts strictly before other by timestamp.
func (e LogEntry) Before(other LogEntry) bool {
	return e.Timestamp.Before(other.Timestamp)
}

// IsZero reports whether the entry carries no data.
func (e LogEntry) IsZero() bool {
	return e.Timestamp.IsZero() && e.Message == "" && len(e.Fields) == 0
}

// Field returns the named payload field.
func (e LogEntry) Field(key string) (string, bool) {
	v, ok := e.Fields[key]
	return v, ok
}

// Clone returns a deep copy of the entry.
func (e LogEntry) Clone() LogEntry {
	return LogEntry{Timestamp: e.Timestamp, Message: e.Message, Fields: cloneFields(e.Fields)}
}

func cloneFields(fields map[string]string) map[string]string {
	if len(fields) == 0 {
		return nil
	}
	return maps.Clone(fields)
}
