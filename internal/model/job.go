package model

import "time"

// JobScope distinguishes a single-plan refresh from a batch.
type JobScope string

const (
	ScopeSingle JobScope = "single"
	ScopeBatch  JobScope = "batch"
)

// JobStatus is the lifecycle status of a refresh job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether s is a final status.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// RefreshJob tracks one refresh effort (a fallback extraction or a batch).
type RefreshJob struct {
	ID        string    `json:"id"`
	Scope     JobScope  `json:"scope"`
	Source    Source    `json:"source"`
	PlanIDs   []string  `json:"plan_ids"`
	Status    JobStatus `json:"status"`
	Scraped   int       `json:"scraped"`
	Updated   int       `json:"updated"`
	Failed    int       `json:"failed"`
	Conflicts int       `json:"conflicts"`
	Error     string    `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// CheckSeverity grades a quality check finding.
type CheckSeverity string

const (
	SeverityError   CheckSeverity = "error"
	SeverityWarning CheckSeverity = "warning"
)

// CheckDetail is one finding of the quality gate.
type CheckDetail struct {
	Check    string        `json:"check"`
	Field    string        `json:"field,omitempty"`
	Severity CheckSeverity `json:"severity"`
	Message  string        `json:"message"`
}

// QualityCheckResult is an append-only audit record of one gate evaluation.
type QualityCheckResult struct {
	ID         string        `json:"id"`
	PlanID     string        `json:"plan_id"`
	JobID      string        `json:"job_id,omitempty"`
	Source     Source        `json:"source"`
	Passed     bool          `json:"passed"`
	Confidence float64       `json:"confidence"`
	Details    []CheckDetail `json:"details,omitempty"`
	CheckedAt  time.Time     `json:"checked_at"`
}

// Errors returns the error-severity details.
func (r *QualityCheckResult) Errors() []CheckDetail {
	var out []CheckDetail
	for _, d := range r.Details {
		if d.Severity == SeverityError {
			out = append(out, d)
		}
	}
	return out
}
