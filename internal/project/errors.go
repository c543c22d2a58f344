package project

import (
	"errors"
	"fmt"
	"strings"
)

// ErrProjectNotEmpty is returned by Create when the target directory already has content.
var ErrProjectNotEmpty = errors.New("project directory is not empty")

// ErrNoProject is returned by Open when the root or its process table is absent.
var ErrNoProject = errors.New("project does not exist")

// ConfigurationMissingError reports a participant with no usable configuration document.
type ConfigurationMissingError struct {
	Participant string
	Tried       []string
}

func (e *ConfigurationMissingError) Error() string {
	if len(e.Tried) == 0 {
		return fmt.Sprintf("participant %s has no configuration document", e.Participant)
	}
	return fmt.Sprintf("participant %s has no configuration document (tried %s)", e.Participant, strings.Join(e.Tried, ", "))
}

// UnknownParticipantError reports a participant absent from the process table.
type UnknownParticipantError struct {
	Participant string
}

func (e *UnknownParticipantError) Error() string {
	return fmt.Sprintf("participant %s is not in the process table", e.Participant)
}

// ParticipantError attaches the participant to a configuration failure.
type ParticipantError struct {
	Participant string
	Err         error
}

func (e *ParticipantError) Error() string {
	return fmt.Sprintf("participant %s: %v", e.Participant, e.Err)
}

func (e *ParticipantError) Unwrap() error { return e.Err }
