package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a job failure for clients.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation_error"
	KindEnvironmentNotReady ErrorKind = "environment_not_ready"
	KindStageFailed         ErrorKind = "stage_failed"
	KindTrainingFailed      ErrorKind = "training_failed"
	KindStageTimeout        ErrorKind = "stage_timeout"
	KindArtifactCollision   ErrorKind = "artifact_collision"
	KindCancelled           ErrorKind = "cancelled"
)

// StageFailure is the failure payload of a stage. Every failure recorded on a job
// is a StageFailure; the Stage field says where it happened.
type StageFailure struct {
	Kind   ErrorKind
	Stage  Stage
	Detail string
	Err    error
}

func (e *StageFailure) Error() string {
	return fmt.Sprintf("%s in %s: %s", e.Kind, e.Stage, e.Message())
}

func (e *StageFailure) Unwrap() error { return e.Err }

// Message is the human-readable part shown to clients.
func (e *StageFailure) Message() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return e.Detail + ": " + e.Err.Error()
	case e.Detail != "":
		return e.Detail
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Kind)
}

// NewStageError builds a StageFailure of the given kind.
func NewStageError(kind ErrorKind, stage Stage, detail string, err error) *StageFailure {
	return &StageFailure{Kind: kind, Stage: stage, Detail: detail, Err: err}
}

// ValidationError rejects a submission before any job exists.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

// EnvironmentNotReadyError rejects a submission when the readiness probe fails.
type EnvironmentNotReadyError struct {
	Status EnvironmentStatus
}

func (e *EnvironmentNotReadyError) Error() string {
	if e.Status.Message != "" {
		return "environment not ready: " + e.Status.Message
	}
	return "environment not ready"
}

var (
	// ErrJobNotFound is returned for unknown or retired job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobFinished is returned when cancelling a job in a terminal stage.
	ErrJobFinished = errors.New("job already finished")
)

// StageResult is the tagged outcome of one stage. Output holds the stage
// payload on success: dataset dir, training output dir, or artifact path.
type StageResult struct {
	Stage  Stage
	Output string
	Err    *StageFailure
}

// OK reports whether the stage succeeded.
func (r StageResult) OK() bool { return r.Err == nil }

// Succeeded builds a successful result.
func Succeeded(stage Stage, output string) StageResult {
	return StageResult{Stage: stage, Output: output}
}

// Failed builds a failed result.
func Failed(stage Stage, kind ErrorKind, detail string, err error) StageResult {
	return StageResult{Stage: stage, Err: NewStageError(kind, stage, detail, err)}
}
