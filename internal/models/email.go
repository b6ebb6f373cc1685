package models

import "time"

type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusProcessing JobStatus = "PROCESSING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
	StatusCanceled   JobStatus = "CANCELED"
)

// transitions lists the statuses reachable from each status. Terminal
// statuses have no entry.
var transitions = map[JobStatus][]JobStatus{
	StatusPending:    {StatusProcessing, StatusCanceled},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s JobStatus) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Predecessors returns the statuses from which to is reachable in one step.
func Predecessors(to JobStatus) []JobStatus {
	var out []JobStatus
	for _, from := range []JobStatus{StatusPending, StatusProcessing} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

type EmailJob struct {
	ID          string    `json:"id"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	Recipients  []string  `json:"recipients"`
	ScheduledAt time.Time `json:"scheduledAt"`

	Status     JobStatus  `json:"status"`
	Attempts   int        `json:"attempts"`
	SentAt     *time.Time `json:"sentAt,omitempty"`
	FailedAt   *time.Time `json:"failedAt,omitempty"`
	CanceledAt *time.Time `json:"canceledAt,omitempty"`
	Error      string     `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// JobPatch is a partial update applied atomically to one job. Nil fields are
// left untouched. When ExpectStatus is non-empty the update only applies if
// the stored status is one of them.
type JobPatch struct {
	Status       *JobStatus
	SentAt       *time.Time
	FailedAt     *time.Time
	CanceledAt   *time.Time
	Error        *string
	AddAttempts  int
	ExpectStatus []JobStatus
}

// Apply copies the patch onto job. It does not check ExpectStatus.
func (p JobPatch) Apply(job *EmailJob) {
	if p.Status != nil {
		job.Status = *p.Status
	}
	if p.SentAt != nil {
		t := *p.SentAt
		job.SentAt = &t
	}
	if p.FailedAt != nil {
		t := *p.FailedAt
		job.FailedAt = &t
	}
	if p.CanceledAt != nil {
		t := *p.CanceledAt
		job.CanceledAt = &t
	}
	if p.Error != nil {
		job.Error = *p.Error
	}
	job.Attempts += p.AddAttempts
}

// Allows reports whether the guard in ExpectStatus admits current.
func (p JobPatch) Allows(current JobStatus) bool {
	if len(p.ExpectStatus) == 0 {
		return true
	}
	for _, s := range p.ExpectStatus {
		if s == current {
			return true
		}
	}
	return false
}

// ListFilter narrows a job listing. Results are always newest first.
type ListFilter struct {
	Status []JobStatus
	Limit  int
}

func (f ListFilter) Matches(job EmailJob) bool {
	if len(f.Status) == 0 {
		return true
	}
	for _, s := range f.Status {
		if job.Status == s {
			return true
		}
	}
	return false
}
