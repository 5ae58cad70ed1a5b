package model

import "time"

// EventState is the terminal state an event reached within a run.
type EventState string

const (
	EventStateSelecting        EventState = "selecting"
	EventStateResolving        EventState = "resolving"
	EventStateGating           EventState = "gating"
	EventStateMerging          EventState = "merging"
	EventStateCleanup          EventState = "cleanup"
	EventStateDone             EventState = "done"
	EventStateNoNewImages      EventState = "no_new_images"
	EventStateNoAcceptedImages EventState = "no_accepted_images"
)

// RejectReason explains why the gate refused an image.
type RejectReason string

const (
	RejectOffTopic     RejectReason = "off_topic"
	RejectTypeMismatch RejectReason = "type_mismatch"
)

// EventResult summarizes one event's pass through the pipeline.
type EventResult struct {
	EventID      string     `json:"event_id"`
	Type         string     `json:"type"`
	State        EventState `json:"state"`
	Selected     int        `json:"selected"`
	Skipped      int        `json:"skipped"`
	Duplicates   int        `json:"duplicates,omitempty"`
	Accepted     int        `json:"accepted"`
	OffTopic     int        `json:"off_topic"`
	TypeMismatch int        `json:"type_mismatch"`
	Placeholders int        `json:"placeholders"`

	// Record totals after the merge, when one happened.
	AverageConfidence float64 `json:"average_confidence,omitempty"`
	Count             int     `json:"count,omitempty"`
}

// BatchResult is what a completed run reports.
type BatchResult struct {
	RunID           string        `json:"run_id"`
	StartedAt       time.Time     `json:"started_at"`
	WatermarkBefore time.Time     `json:"watermark_before"`
	WatermarkAfter  time.Time     `json:"watermark_after"`
	Events          []EventResult `json:"events"`
	RecordsWritten  int           `json:"records_written"`
	DurationMs      int64         `json:"duration_ms"`
}

// Accepted returns the number of images accepted across the batch.
func (b *BatchResult) Accepted() int {
	n := 0
	for _, e := range b.Events {
		n += e.Accepted
	}
	return n
}
