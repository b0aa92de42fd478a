package queue

import "fmt"

// TaskType distinguishes why a job resume was enqueued.
type TaskType string

const (
	// TaskTypeJobResume asks a worker to resume a job from its last
	// persisted plan/progress — the normal orphan-recovery and
	// peer-handoff path.
	TaskTypeJobResume TaskType = "job_resume"
	// TaskTypeJobReplan asks a worker to replan a job from its original
	// request snapshot (document IDs) rather than resume an existing plan
	// — used when a job has no persisted plan to resume from.
	TaskTypeJobReplan TaskType = "job_replan"
)

// Task is the in-process representation of a dequeued resume/replan
// instruction, named like the teacher's Task for parity but carrying
// this build's job-centric fields instead of issue-event fields.
type Task struct {
	TaskType        TaskType
	JobID           string
	Reason          string
	Attempt         int
	TraceID         string
	TriggerThreadID string
}

func (t Task) String() string {
	return fmt.Sprintf("Task{type=%s job=%s attempt=%d}", t.TaskType, t.JobID, t.Attempt)
}
