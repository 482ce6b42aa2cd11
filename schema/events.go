package schema

// RunEventKind tags the messages a single run emits.
type RunEventKind string

const (
	// RunStarted opens a run's event sequence.
	RunStarted RunEventKind = "RUN_STARTED"
	// RunOutput carries a streamed output line.
	RunOutput RunEventKind = "RUN_OUTPUT"
	// RunFinished terminates a run with its exit code.
	RunFinished RunEventKind = "RUN_FINISHED"
	// RunError terminates a run with an error message.
	RunError RunEventKind = "RUN_ERROR"
)

// RunEvent is broadcast on a project's channel. Every run emits exactly one
// RunStarted, zero or more RunOutput, and exactly one terminal event.
type RunEvent struct {
	Kind        RunEventKind `json:"kind"`
	ProjectID   ProjectID    `json:"project_id"`
	SessionID   SessionID    `json:"session_id,omitempty"`
	TriggeredBy UserID       `json:"triggered_by"`
	Output      string       `json:"output,omitempty"`
	ExitCode    *int         `json:"exit_code,omitempty"`
	Message     string       `json:"message,omitempty"`
}

// Terminal reports whether the event ends a run's sequence.
func (e RunEvent) Terminal() bool {
	return e.Kind == RunFinished || e.Kind == RunError
}
