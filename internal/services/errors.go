package services

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned for a missing, malformed or rejected bearer token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidPayload is returned when a submission body is not a JSON object.
	ErrInvalidPayload = errors.New("invalid payload")
)

// PushStage names the step of a push that failed.
type PushStage string

const (
	StageCollect  PushStage = "collect"
	StageEncode   PushStage = "encode"
	StageSend     PushStage = "send"
	StageResponse PushStage = "response"
)

// PushError describes a failed delivery attempt.
type PushError struct {
	Stage      PushStage
	StatusCode int
	Body       string
	Err        error
}

func (e *PushError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("push %s: status %d: %s", e.Stage, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("push %s: status %d", e.Stage, e.StatusCode)
	default:
		return fmt.Sprintf("push %s: %v", e.Stage, e.Err)
	}
}

func (e *PushError) Unwrap() error {
	return e.Err
}
