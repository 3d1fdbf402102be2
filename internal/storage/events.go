package storage

import "time"

// EventWriter is the interface for writing tool call events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *ToolCallEvent)
	Close()
}

// ToolCallEvent represents a single routed tool call to be persisted.
type ToolCallEvent struct {
	RequestID     string
	ProjectID     string
	SessionID     string
	Timestamp     time.Time
	ToolName      string // protocol name as called
	Action        string // resolved action key, "" when unresolved
	ArgumentsJSON string
	IsError       bool
	ErrorCode     string
	StateBefore   string
	StateAfter    string
	Transport     string
	Metadata      map[string]string
	LatencyMs     float32
}

// NopWriter discards events.
type NopWriter struct{}

func (NopWriter) Write(*ToolCallEvent) {}
func (NopWriter) Close()               {}
