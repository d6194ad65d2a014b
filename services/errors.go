package services

import (
	"context"
	"errors"
	"fmt"
)

// Stage names a step of the pipeline.
type Stage string

const (
	StageRetrieval  Stage = "retrieval"
	StageGeneration Stage = "generation"
)

var (
	ErrRetrievalFailed   = errors.New("retrieval failed")
	ErrGenerationFailed  = errors.New("generation failed")
	ErrMalformedResponse = errors.New("malformed response")
	ErrNoContextFound    = errors.New("no context found for question")
	ErrCancelled         = errors.New("request cancelled")
	ErrEmptyQuestion     = errors.New("question is empty")
)

// UpstreamError is returned when a backend call fails. StatusCode and Body
// are set when the backend answered with a non-success status; StatusCode is
// zero for transport failures and for malformed success responses.
type UpstreamError struct {
	Stage      Stage
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Stage)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d, body: %s", e.StatusCode, e.Body)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() []error {
	errs := []error{e.stageErr()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func (e *UpstreamError) stageErr() error {
	if e.Stage == StageGeneration {
		return ErrGenerationFailed
	}
	return ErrRetrievalFailed
}

// Malformed reports whether the backend answered 2xx with an unusable body.
func (e *UpstreamError) Malformed() bool {
	return errors.Is(e.Err, ErrMalformedResponse)
}

// maxErrorBody bounds the upstream body kept on an UpstreamError.
const maxErrorBody = 1 << 20

func statusError(stage Stage, code int, body []byte) error {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &UpstreamError{Stage: stage, StatusCode: code, Body: string(body)}
}

func malformed(stage Stage, format string, args ...any) error {
	return &UpstreamError{
		Stage: stage,
		Err:   fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, args...)),
	}
}

func transportError(stage Stage, err error) error {
	return &UpstreamError{Stage: stage, Err: err}
}

func cancelled(cause error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

// contextDone turns err into a cancellation when ctx has been withdrawn.
func contextDone(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return cancelled(ctxErr)
	}
	return err
}
