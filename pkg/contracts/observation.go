package contracts

import "time"

// Event is a raw normalized fact. Events carry no severity and no
// verdict; judgment belongs to the reasoning cycle. Created by
// ingestion, never updated, never deleted.
type Event struct {
	EventID    string                 `json:"event_id"`
	Type       string                 `json:"type"`
	WorkflowID string                 `json:"workflow_id,omitempty"`
	Actor      string                 `json:"actor"`
	Resource   string                 `json:"resource,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	ObservedAt time.Time              `json:"observed_at"`
}

// Metric is one numeric sample for a resource. Same lifecycle as
// Event.
type Metric struct {
	MetricID   string    `json:"metric_id"`
	ResourceID string    `json:"resource_id"`
	MetricName string    `json:"metric_name"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
	ObservedAt time.Time `json:"observed_at"`
}

// ObservationSnapshot is the consistent bounded read a reasoning cycle
// works from. Both slices are oldest first and share one boundary:
// records appended after TakenAt are invisible to the cycle.
type ObservationSnapshot struct {
	Events  []Event   `json:"events"`
	Metrics []Metric  `json:"metrics"`
	TakenAt time.Time `json:"taken_at"`
}
