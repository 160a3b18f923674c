package domain

import (
	"errors"
	"fmt"
)

var (
	ErrTrunkUnavailable    = errors.New("trunk unavailable")
	ErrRoomCreationFailed  = errors.New("room creation failed")
	ErrDispatchFailed      = errors.New("agent dispatch failed")
	ErrCallPlacementFailed = errors.New("call placement failed")
	ErrProcessSpawnFailed  = errors.New("process spawn failed")
	ErrProcessNotFound     = errors.New("process not found")
	ErrTimeout             = errors.New("timeout")
	ErrInvalidCallRequest  = errors.New("invalid call request")
)

// Stage names an orchestration step.
type Stage string

const (
	StageTrunk    Stage = "trunk"
	StageRoom     Stage = "room"
	StageDispatch Stage = "dispatch"
	StageCall     Stage = "call"
	StageDeploy   Stage = "deploy"
)

// StageError records which orchestration stage produced an error.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError wraps err with the stage that produced it. A nil err yields nil.
func NewStageError(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf returns the stage attached to err, if any.
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}

// TimeoutError is returned when a bounded wait expires.
type TimeoutError struct {
	Stage string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout waiting for %s", e.Stage)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}
