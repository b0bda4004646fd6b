package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus tracks where a job is in its batch lifecycle.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobInStage JobStatus = "in_stage"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// StageOutcome records the result of one stage for one job.
// Exactly one of Result or Error is meaningful, discriminated by OK.
type StageOutcome struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Job is one unit of pipeline work: a single input document flowing
// through the configured stages. A job is owned by at most one stage
// worker at a time; stage ownership is sequential, never concurrent.
type Job struct {
	ID           string                  `json:"id"`
	Path         string                  `json:"path"`
	Status       JobStatus               `json:"status"`
	CurrentStage string                  `json:"current_stage,omitempty"`
	StageResults map[string]StageOutcome `json:"stage_results"`
	Error        string                  `json:"error,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

// NewJob creates a pending job for an input path.
func NewJob(path string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:           uuid.NewString(),
		Path:         path,
		Status:       JobPending,
		StageResults: make(map[string]StageOutcome),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Outcome returns the recorded outcome for a stage, if any.
func (j *Job) Outcome(stage string) (StageOutcome, bool) {
	out, ok := j.StageResults[stage]
	return out, ok
}

// Terminal reports whether the job has finished its batch run.
func (j *Job) Terminal() bool {
	return j.Status == JobDone || j.Status == JobFailed
}

// BatchSummary is the read-only aggregate computed when a run ends.
type BatchSummary struct {
	Total           int            `json:"total"`
	Succeeded       int            `json:"succeeded"`
	Failed          int            `json:"failed"`
	Cancelled       bool           `json:"cancelled,omitempty"`
	FailuresByStage map[string]int `json:"failures_by_stage,omitempty"`
	SampleErrors    []string       `json:"sample_errors,omitempty"`
}

// maxSampleErrors bounds the error sample carried in a summary;
// full detail stays on the persisted jobs.
const maxSampleErrors = 5

// Summarize computes a BatchSummary over a completed set of jobs.
func Summarize(jobs []*Job, cancelled bool) BatchSummary {
	s := BatchSummary{
		Total:           len(jobs),
		Cancelled:       cancelled,
		FailuresByStage: make(map[string]int),
	}
	for _, j := range jobs {
		switch j.Status {
		case JobDone:
			s.Succeeded++
		case JobFailed:
			s.Failed++
			if j.CurrentStage != "" {
				s.FailuresByStage[j.CurrentStage]++
			}
			if j.Error != "" && len(s.SampleErrors) < maxSampleErrors {
				s.SampleErrors = append(s.SampleErrors, j.Error)
			}
		}
	}
	if len(s.FailuresByStage) == 0 {
		s.FailuresByStage = nil
	}
	return s
}
