package task

// EventType discriminates the messages a worker process writes to its event
// channel.
type EventType string

const (
	EventLog    EventType = "log"
	EventStatus EventType = "status"
	EventDone   EventType = "done"
)

// Event is the only communication from a worker back to the coordinator.
// It travels as one JSON object per line on the worker's stdout. A worker
// emits zero or more log events, exactly one status event when it starts
// running, and exactly one terminal done event.
type Event struct {
	Type   EventType `json:"type"`
	TaskID string    `json:"task_id"`

	// log
	Message   string `json:"message,omitempty"`
	Level     string `json:"level,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	// status
	Status Status `json:"status,omitempty"`

	// done
	Success      bool     `json:"success,omitempty"`
	Skipped      bool     `json:"skipped,omitempty"`
	FallbackUsed bool     `json:"fallback_used,omitempty"`
	Error        string   `json:"error,omitempty"`
	OutputPath   string   `json:"output_path,omitempty"`
	Metrics      *Metrics `json:"metrics,omitempty"`
}
