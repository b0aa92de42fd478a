package queue_test

import (
	"context"
	"errors"
	"testing"

	"basegraph.app/analysisd/internal/queue"
)

type fakeProducer struct {
	received []queue.ResumeMessage
	err      error
}

func (f *fakeProducer) Enqueue(_ context.Context, msg queue.ResumeMessage) error {
	if f.err != nil {
		return f.err
	}
	f.received = append(f.received, msg)
	return nil
}

func (f *fakeProducer) Close() error { return nil }

func TestJobEnqueuer_TranslatesFromPlanToTaskType(t *testing.T) {
	cases := []struct {
		name     string
		fromPlan bool
		want     queue.TaskType
	}{
		{"resume from plan", true, queue.TaskTypeJobResume},
		{"replan from request snapshot", false, queue.TaskTypeJobReplan},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fp := &fakeProducer{}
			e := queue.JobEnqueuer{Producer: fp}

			if err := e.Enqueue(context.Background(), "job_42", tc.fromPlan); err != nil {
				t.Fatalf("Enqueue returned error: %v", err)
			}
			if len(fp.received) != 1 {
				t.Fatalf("producer received %d messages, want 1", len(fp.received))
			}
			got := fp.received[0]
			if got.JobID != "job_42" {
				t.Errorf("JobID = %q, want job_42", got.JobID)
			}
			if got.TaskType != tc.want {
				t.Errorf("TaskType = %q, want %q", got.TaskType, tc.want)
			}
		})
	}
}

func TestJobEnqueuer_PropagatesProducerError(t *testing.T) {
	wantErr := errors.New("stream unavailable")
	fp := &fakeProducer{err: wantErr}
	e := queue.JobEnqueuer{Producer: fp}

	err := e.Enqueue(context.Background(), "job_1", true)
	if !errors.Is(err, wantErr) {
		t.Fatalf("Enqueue error = %v, want %v", err, wantErr)
	}
}
