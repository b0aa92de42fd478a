package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within
// a context. Fields flow through context enrichment, enabling zero-touch
// logging where execution context (job id, phase number, engine key, ...) is
// automatically included in every log statement made during that job's run.
type LogFields struct {
	JobID      *string // Opaque job identifier
	PlanID     *string // Plan identifier bound to the job
	PhaseNum   *float64 // Phase number (float — allows decimal insertions like 1.5)
	EngineKey  *string // Capability engine key
	PassNumber *int    // Pass number within the engine
	WorkKey    *string // Per-work iteration key, empty for non-per-work phases
	Component  string  // Component name (OTel semantic convention style, e.g. "analysisd.phaserunner")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
// Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

// mergeFields merges two LogFields, preferring non-nil/non-empty values from 'new'.
func mergeFields(existing, new LogFields) LogFields {
	result := existing

	if new.JobID != nil {
		result.JobID = new.JobID
	}
	if new.PlanID != nil {
		result.PlanID = new.PlanID
	}
	if new.PhaseNum != nil {
		result.PhaseNum = new.PhaseNum
	}
	if new.EngineKey != nil {
		result.EngineKey = new.EngineKey
	}
	if new.PassNumber != nil {
		result.PassNumber = new.PassNumber
	}
	if new.WorkKey != nil {
		result.WorkKey = new.WorkKey
	}
	if new.Component != "" {
		result.Component = new.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{JobID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
// Useful for logging potentially long strings like prompts or error messages.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
