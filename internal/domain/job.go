package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type InputScenario struct {
	VideoTitle      string `json:"videoTitle"`
	ScenarioDetails string `json:"scenarioDetails"`
	Characters      string `json:"characters"`
}

// Outputs accumulates pipeline artifacts. Fields are filled in as stages
// complete and are never cleared by a later stage.
type Outputs struct {
	Script            string   `json:"script,omitempty"`
	Images            []string `json:"images,omitempty"`
	AudioURLs         []string `json:"audioUrls,omitempty"`
	BaseAnimationURLs []string `json:"baseAnimationUrls,omitempty"`
	LipSyncURLs       []string `json:"lipSyncUrls,omitempty"`
	FinalVideoURL     string   `json:"finalVideoUrl,omitempty"`
}

type Job struct {
	ID             string        `json:"id"`
	OwnerID        *string       `json:"user_id"`
	Status         Status        `json:"status"`
	InputScenario  InputScenario `json:"input_scenario"`
	CurrentOutputs Outputs       `json:"current_outputs"`
	ErrorMessage   *string       `json:"error_message"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// NewJob is what a caller hands the store on creation. ID and timestamps are
// assigned by the store.
type NewJob struct {
	OwnerID       *string
	Status        Status
	InputScenario InputScenario
}

// JobUpdate carries any subset of the mutable field groups. Nil fields are
// left untouched.
type JobUpdate struct {
	Status            *Status  `json:"status,omitempty"`
	Outputs           *Outputs `json:"current_outputs,omitempty"`
	ErrorMessage      *string  `json:"error_message,omitempty"`
	ClearErrorMessage bool     `json:"clear_error_message,omitempty"`
}

func (u JobUpdate) IsEmpty() bool {
	return u.Status == nil && u.Outputs == nil && u.ErrorMessage == nil && !u.ClearErrorMessage
}

func (u JobUpdate) Validate() error {
	if u.IsEmpty() {
		return fmt.Errorf("%w: update has no fields", ErrInvalidInput)
	}
	if u.Status != nil && !u.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, *u.Status)
	}
	if u.ErrorMessage != nil && u.ClearErrorMessage {
		return fmt.Errorf("%w: error_message cannot be set and cleared together", ErrInvalidInput)
	}
	return nil
}

func (s InputScenario) Validate() error {
	var missing []string
	if strings.TrimSpace(s.VideoTitle) == "" {
		missing = append(missing, "videoTitle")
	}
	if strings.TrimSpace(s.ScenarioDetails) == "" {
		missing = append(missing, "scenarioDetails")
	}
	if strings.TrimSpace(s.Characters) == "" {
		missing = append(missing, "characters")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s required", ErrInvalidInput, strings.Join(missing, ", "))
	}
	return nil
}

func (o Outputs) IsEmpty() bool {
	return o.Script == "" &&
		len(o.Images) == 0 &&
		len(o.AudioURLs) == 0 &&
		len(o.BaseAnimationURLs) == 0 &&
		len(o.LipSyncURLs) == 0 &&
		o.FinalVideoURL == ""
}

// Merge returns a copy of o with every non-empty field of delta applied.
// Empty fields in delta never clear what o already holds.
func (o Outputs) Merge(delta Outputs) Outputs {
	out := o.Clone()
	if delta.Script != "" {
		out.Script = delta.Script
	}
	if len(delta.Images) > 0 {
		out.Images = cloneStrings(delta.Images)
	}
	if len(delta.AudioURLs) > 0 {
		out.AudioURLs = cloneStrings(delta.AudioURLs)
	}
	if len(delta.BaseAnimationURLs) > 0 {
		out.BaseAnimationURLs = cloneStrings(delta.BaseAnimationURLs)
	}
	if len(delta.LipSyncURLs) > 0 {
		out.LipSyncURLs = cloneStrings(delta.LipSyncURLs)
	}
	if delta.FinalVideoURL != "" {
		out.FinalVideoURL = delta.FinalVideoURL
	}
	return out
}

func (o Outputs) Clone() Outputs {
	return Outputs{
		Script:            o.Script,
		Images:            cloneStrings(o.Images),
		AudioURLs:         cloneStrings(o.AudioURLs),
		BaseAnimationURLs: cloneStrings(o.BaseAnimationURLs),
		LipSyncURLs:       cloneStrings(o.LipSyncURLs),
		FinalVideoURL:     o.FinalVideoURL,
	}
}

// Clone returns a deep copy so callers can hand jobs across goroutines.
func (j Job) Clone() Job {
	out := j
	out.CurrentOutputs = j.CurrentOutputs.Clone()
	if j.OwnerID != nil {
		owner := *j.OwnerID
		out.OwnerID = &owner
	}
	if j.ErrorMessage != nil {
		msg := *j.ErrorMessage
		out.ErrorMessage = &msg
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// ErrInvalidTransition is returned by ValidateTransition for edges the
// pipeline does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")
