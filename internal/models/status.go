package models

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalTransition is returned for any status move the machine does not allow.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrAlreadyProcessed is returned when a reset is requested for a Processed row.
	ErrAlreadyProcessed = errors.New("response already processed")
)

// ResponseStatus is the shredding state of a SurveyResponse.
type ResponseStatus string

const (
	ResponsePending    ResponseStatus = "Pending"
	ResponseProcessing ResponseStatus = "Processing"
	ResponseProcessed  ResponseStatus = "Processed"
	ResponseError      ResponseStatus = "Error"
)

func (s ResponseStatus) Valid() bool {
	switch s {
	case ResponsePending, ResponseProcessing, ResponseProcessed, ResponseError:
		return true
	}
	return false
}

// Advance moves a row forward along Pending -> Processing -> {Processed | Error}.
func (s ResponseStatus) Advance(next ResponseStatus) (ResponseStatus, error) {
	switch {
	case s == ResponsePending && next == ResponseProcessing:
	case s == ResponseProcessing && (next == ResponseProcessed || next == ResponseError):
	default:
		return s, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s, next)
	}
	return next, nil
}

// Reset is the reprocess transition. Error and Pending rows go back to
// Pending; Processed rows are refused with ErrAlreadyProcessed.
func (s ResponseStatus) Reset() (ResponseStatus, error) {
	switch s {
	case ResponseError, ResponsePending:
		return ResponsePending, nil
	case ResponseProcessed:
		return s, ErrAlreadyProcessed
	}
	return s, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s, ResponsePending)
}

// Reclaim returns a Processing row whose lease expired to Pending.
func (s ResponseStatus) Reclaim() (ResponseStatus, error) {
	if s != ResponseProcessing {
		return s, fmt.Errorf("%w: reclaim from %s", ErrIllegalTransition, s)
	}
	return ResponsePending, nil
}

// ParticipantStatus is one-way: Enrolled -> Withdrawn.
type ParticipantStatus string

const (
	ParticipantEnrolled  ParticipantStatus = "Enrolled"
	ParticipantWithdrawn ParticipantStatus = "Withdrawn"
)

// Withdraw is idempotent for already-withdrawn participants.
func (s ParticipantStatus) Withdraw() (ParticipantStatus, error) {
	switch s {
	case ParticipantEnrolled, ParticipantWithdrawn:
		return ParticipantWithdrawn, nil
	}
	return s, fmt.Errorf("%w: withdraw from %q", ErrIllegalTransition, s)
}

// ForwardingMode selects how processed responses reach a partner endpoint.
type ForwardingMode string

const (
	ForwardingDisabled ForwardingMode = "Disabled"
	ForwardingBasic    ForwardingMode = "Basic"
	ForwardingOAuth    ForwardingMode = "OAuth"
)

func ParseForwardingMode(s string) (ForwardingMode, error) {
	switch ForwardingMode(s) {
	case ForwardingDisabled, ForwardingBasic, ForwardingOAuth:
		return ForwardingMode(s), nil
	case "":
		return ForwardingDisabled, nil
	}
	return "", fmt.Errorf("unknown forwarding type %q", s)
}

// Enabled reports whether the mode delivers anything.
func (m ForwardingMode) Enabled() bool {
	return m == ForwardingBasic || m == ForwardingOAuth
}

// MarkResult is the outcome of a conditional token allocation.
type MarkResult int

const (
	MarkOK MarkResult = iota
	MarkAlreadyUsed
	MarkNotFound
)

func (r MarkResult) String() string {
	switch r {
	case MarkOK:
		return "ok"
	case MarkAlreadyUsed:
		return "already_used"
	case MarkNotFound:
		return "not_found"
	}
	return "unknown"
}
