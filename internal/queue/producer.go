package queue

import (
	"context"
	"fmt"
	"log/slog"

	"basegraph.app/analysisd/common/logger"
	"github.com/redis/go-redis/v9"
)

// ResumeMessage asks a consumer to resume or replan one job — published
// through JobEnqueuer whenever the job manager's TriggerResume runs (orphan
// recovery, a new job with an inline plan, the analyze flow).
type ResumeMessage struct {
	JobID    string
	TaskType TaskType
	Reason   string
	TraceID  *string
	Attempt  int
}

type Producer interface {
	Enqueue(ctx context.Context, msg ResumeMessage) error
	Close() error
}

type redisProducer struct {
	client *redis.Client
	stream string
}

func NewRedisProducer(client *redis.Client, stream string) Producer {
	return &redisProducer{
		client: client,
		stream: stream,
	}
}

func (p *redisProducer) Enqueue(ctx context.Context, msg ResumeMessage) error {
	jobID := msg.JobID
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		JobID:     &jobID,
		Component: "analysisd.queue.producer",
	})

	attempt := msg.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	taskType := msg.TaskType
	if taskType == "" {
		taskType = TaskTypeJobResume
	}

	fields := map[string]any{
		"task_type": string(taskType),
		"job_id":    msg.JobID,
		"reason":    msg.Reason,
		"attempt":   attempt,
	}

	traceIDStr := ""
	if msg.TraceID != nil && *msg.TraceID != "" {
		fields["trace_id"] = *msg.TraceID
		traceIDStr = *msg.TraceID
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: fields,
	}).Err(); err != nil {
		return fmt.Errorf("enqueue resume message (stream=%s): %w", p.stream, err)
	}

	slog.InfoContext(ctx, "enqueued job resume",
		"task_type", taskType,
		"job_id", msg.JobID,
		"attempt", attempt,
		"trace_id", traceIDStr,
		"stream", p.stream)
	return nil
}

func (p *redisProducer) Close() error {
	return p.client.Close()
}

// JobEnqueuer adapts a Producer to jobmanager.Enqueuer's narrower
// (jobID, fromPlan) shape, translating fromPlan into the TaskType a
// consumer dispatches on.
type JobEnqueuer struct {
	Producer Producer
}

func (e JobEnqueuer) Enqueue(ctx context.Context, jobID string, fromPlan bool) error {
	taskType := TaskTypeJobReplan
	if fromPlan {
		taskType = TaskTypeJobResume
	}
	return e.Producer.Enqueue(ctx, ResumeMessage{JobID: jobID, TaskType: taskType})
}
