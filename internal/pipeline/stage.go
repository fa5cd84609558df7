package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// Stage is a named phase of the pipeline at which a failure can occur.
type Stage string

// The closed stage set. New stages must be added here so they cannot
// silently bypass retryability classification.
const (
	StageFeedFetch    Stage = "feed_fetch"
	StageFeedParse    Stage = "feed_parse"
	StageContentFetch Stage = "content_fetch"
	StageLLMRequest   Stage = "llm_request"
	StageLLMParse     Stage = "llm_parse"
	StageDBWrite      Stage = "db_write"
	StageUnknown      Stage = "unknown"
)

// Valid reports whether s is a member of the stage enum.
func (s Stage) Valid() bool {
	switch s {
	case StageFeedFetch, StageFeedParse, StageContentFetch,
		StageLLMRequest, StageLLMParse, StageDBWrite, StageUnknown:
		return true
	default:
		return false
	}
}

// ParseStage maps free text onto the enum, falling back to StageUnknown.
func ParseStage(raw string) Stage {
	s := Stage(raw)
	if s.Valid() {
		return s
	}
	return StageUnknown
}

// DefaultRetryable is the per-stage retry policy: parse stages are
// deterministic (same input, same failure) and never retryable; the
// network and storage stages are transient by default.
func (s Stage) DefaultRetryable() bool {
	switch s {
	case StageFeedFetch, StageContentFetch, StageLLMRequest, StageDBWrite:
		return true
	default:
		return false
	}
}

const (
	maxErrorClassLen   = 96
	maxErrorMessageLen = 500
)

// StageError classifies a pipeline failure with its stage and retry hint.
type StageError struct {
	Stage     Stage
	Class     string
	Retryable bool
	Err       error
}

// NewStageError wraps err with a stage classification.
func NewStageError(stage Stage, class string, retryable bool, err error) *StageError {
	if !stage.Valid() {
		stage = StageUnknown
	}
	return &StageError{
		Stage:     stage,
		Class:     truncate(class, maxErrorClassLen),
		Retryable: retryable,
		Err:       err,
	}
}

// Stagef builds a StageError from a formatted message with the stage's
// default retryability.
func Stagef(stage Stage, class string, format string, args ...any) *StageError {
	return NewStageError(stage, class, stage.DefaultRetryable(), fmt.Errorf(format, args...))
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Failure converts any error into a FailureRecord. Unclassified errors land
// in StageUnknown with retryable=false so operators treat them as bugs, not
// transient noise.
func Failure(err error, elapsed time.Duration, now time.Time) FailureRecord {
	rec := FailureRecord{
		Stage:        StageUnknown,
		ErrorClass:   "error",
		ErrorMessage: truncate(errText(err), maxErrorMessageLen),
		ElapsedMs:    elapsed.Milliseconds(),
		Retryable:    false,
		CreatedAt:    now,
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		rec.Stage = stageErr.Stage
		rec.ErrorClass = stageErr.Class
		rec.Retryable = stageErr.Retryable
	}
	return rec
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	msg := err.Error()
	if msg == "" {
		return "unknown error"
	}
	return msg
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
