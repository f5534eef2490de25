package core

import "time"

// RunStatus represents the overall status of a test run.
type RunStatus string

// Run status constants. Transitions are monotone:
// queued -> running -> (passed | failed).
const (
	RunStatusQueued  RunStatus = "queued"
	RunStatusRunning RunStatus = "running"
	RunStatusPassed  RunStatus = "passed"
	RunStatusFailed  RunStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusPassed || s == RunStatusFailed
}

// StepStatus represents the status of an individual lifecycle step.
type StepStatus string

// Step status constants.
const (
	StepStatusPending StepStatus = "pending"
	StepStatusRunning StepStatus = "running"
	StepStatusPassed  StepStatus = "passed"
	StepStatusFailed  StepStatus = "failed"
)

// Done reports whether the step has finished, successfully or not.
func (s StepStatus) Done() bool {
	return s == StepStatusPassed || s == StepStatusFailed
}

// Step is one named phase of a run's lifecycle. The step list is fixed at
// run creation; indices are contiguous from 0.
type Step struct {
	Name      string     `json:"name"`
	Index     int        `json:"index"`
	Status    StepStatus `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	// Duration in seconds, set when the step ends.
	Duration *float64 `json:"duration,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// RunSummary is the list-view projection of a run: everything a dashboard
// needs for a row, without steps or logs.
type RunSummary struct {
	ID        string     `json:"id"`
	Connector string     `json:"connector"`
	Status    RunStatus  `json:"status"`
	Progress  float64    `json:"progress"`
	AssetLogo string     `json:"asset_logo,omitempty"`
	AssetGif  string     `json:"asset_gif,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// RunDetail is the single-run projection: summary plus the full step list
// and the buffered log tail.
type RunDetail struct {
	RunSummary
	ConfigRef string   `json:"config"`
	Steps     []Step   `json:"steps"`
	LogsTail  []string `json:"logs_tail"`
}
