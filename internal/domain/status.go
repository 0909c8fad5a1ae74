package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the pipeline stage a job is in.
type Status string

const (
	StatusInput                   Status = "INPUT"
	StatusPendingScriptReview     Status = "PENDING_SCRIPT_REVIEW"
	StatusScriptReadyForReview    Status = "SCRIPT_READY_FOR_REVIEW"
	StatusPendingImageGen         Status = "PENDING_IMAGE_GEN"
	StatusImagesReadyForReview    Status = "IMAGES_READY_FOR_REVIEW"
	StatusPendingVoiceGen         Status = "PENDING_VOICE_GEN"
	StatusVoicesReadyForReview    Status = "VOICES_READY_FOR_REVIEW"
	StatusPendingAnimation        Status = "PENDING_ANIMATION"
	StatusAnimationReadyForReview Status = "ANIMATION_READY_FOR_REVIEW"
	StatusPendingLipSync          Status = "PENDING_LIP_SYNC"
	StatusLipSyncReadyForReview   Status = "LIP_SYNC_READY_FOR_REVIEW"
	StatusPendingRendering        Status = "PENDING_RENDERING"
	StatusCompleted               Status = "COMPLETED"
	StatusFailedScriptGen         Status = "FAILED_SCRIPT_GEN"
	StatusFailedImageGen          Status = "FAILED_IMAGE_GEN"
	StatusFailedVoiceGen          Status = "FAILED_VOICE_GEN"
	StatusFailedAnimation         Status = "FAILED_ANIMATION"
	StatusFailedLipSync           Status = "FAILED_LIP_SYNC"
	StatusFailedRendering         Status = "FAILED_RENDERING"
)

// InitialStatus is the status every job is created with: the first stage
// after the brief has been captured.
const InitialStatus = StatusPendingScriptReview

var allStatuses = []Status{
	StatusInput,
	StatusPendingScriptReview,
	StatusScriptReadyForReview,
	StatusPendingImageGen,
	StatusImagesReadyForReview,
	StatusPendingVoiceGen,
	StatusVoicesReadyForReview,
	StatusPendingAnimation,
	StatusAnimationReadyForReview,
	StatusPendingLipSync,
	StatusLipSyncReadyForReview,
	StatusPendingRendering,
	StatusCompleted,
	StatusFailedScriptGen,
	StatusFailedImageGen,
	StatusFailedVoiceGen,
	StatusFailedAnimation,
	StatusFailedLipSync,
	StatusFailedRendering,
}

// Statuses returns every status in pipeline order.
func Statuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, raw)
	}
	return s, nil
}

func (s Status) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s Status) IsFailure() bool {
	return strings.HasPrefix(string(s), "FAILED_")
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted
}

func (s Status) String() string {
	return string(s)
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: status must be a string", ErrInvalidInput)
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Stage is one generation step of the pipeline.
type Stage string

const (
	StageScript    Stage = "script"
	StageImage     Stage = "image"
	StageVoice     Stage = "voice"
	StageAnimation Stage = "animation"
	StageLipSync   Stage = "lip_sync"
	StageRendering Stage = "rendering"
)

type stageStatuses struct {
	pending Status
	ready   Status
	failed  Status
}

var stageOrder = []Stage{StageScript, StageImage, StageVoice, StageAnimation, StageLipSync, StageRendering}

var stageTable = map[Stage]stageStatuses{
	StageScript:    {StatusPendingScriptReview, StatusScriptReadyForReview, StatusFailedScriptGen},
	StageImage:     {StatusPendingImageGen, StatusImagesReadyForReview, StatusFailedImageGen},
	StageVoice:     {StatusPendingVoiceGen, StatusVoicesReadyForReview, StatusFailedVoiceGen},
	StageAnimation: {StatusPendingAnimation, StatusAnimationReadyForReview, StatusFailedAnimation},
	StageLipSync:   {StatusPendingLipSync, StatusLipSyncReadyForReview, StatusFailedLipSync},
	StageRendering: {StatusPendingRendering, StatusCompleted, StatusFailedRendering},
}

func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

func ParseStage(raw string) (Stage, error) {
	st := Stage(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := stageTable[st]; !ok {
		return "", fmt.Errorf("%w: unknown stage %q", ErrInvalidInput, raw)
	}
	return st, nil
}

func (st Stage) PendingStatus() Status { return stageTable[st].pending }

// ReadyStatus is the status a successful run of the stage lands in. For
// rendering that is COMPLETED; every other stage waits for review.
func (st Stage) ReadyStatus() Status { return stageTable[st].ready }

func (st Stage) FailedStatus() Status { return stageTable[st].failed }

// Next returns the stage that follows st, or false after rendering.
func (st Stage) Next() (Stage, bool) {
	for i, candidate := range stageOrder {
		if candidate == st && i+1 < len(stageOrder) {
			return stageOrder[i+1], true
		}
	}
	return "", false
}

// StageOf reports which stage a status belongs to. INPUT belongs to none.
func StageOf(s Status) (Stage, bool) {
	for _, st := range stageOrder {
		row := stageTable[st]
		if s == row.pending || s == row.ready || s == row.failed {
			return st, true
		}
	}
	return "", false
}

// PendingStage reports the stage a status is waiting on, if it is a pending
// status.
func PendingStage(s Status) (Stage, bool) {
	st, ok := StageOf(s)
	if !ok || st.PendingStatus() != s {
		return "", false
	}
	return st, true
}

// CanTransition reports whether from -> to is an edge of the pipeline.
// Rewriting the same status is always allowed.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	if from == StatusInput {
		return to == InitialStatus
	}

	st, ok := StageOf(from)
	if !ok {
		return false
	}
	switch from {
	case st.PendingStatus():
		return to == st.ReadyStatus() || to == st.FailedStatus()
	case st.FailedStatus():
		return to == st.PendingStatus()
	case st.ReadyStatus():
		if from == StatusCompleted {
			return false
		}
		if to == st.PendingStatus() {
			return true
		}
		next, ok := st.Next()
		return ok && to == next.PendingStatus()
	}
	return false
}

func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// NextAfterReview returns the status a job moves to when its review status
// is approved.
func NextAfterReview(s Status) (Status, error) {
	st, ok := StageOf(s)
	if !ok || st.ReadyStatus() != s || s == StatusCompleted {
		return "", fmt.Errorf("%w: %s is not awaiting review", ErrInvalidTransition, s)
	}
	next, ok := st.Next()
	if !ok {
		return "", fmt.Errorf("%w: %s has no following stage", ErrInvalidTransition, s)
	}
	return next.PendingStatus(), nil
}
