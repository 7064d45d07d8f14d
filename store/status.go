package store

import (
	"strings"

	merrors "github.com/hrygo/agentmemory/internal/errors"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusSubmitted ConversationStatus = "SUBMITTED"
	StatusWorking   ConversationStatus = "WORKING"
	StatusCompleted ConversationStatus = "COMPLETED"
	StatusCanceled  ConversationStatus = "CANCELED"
	StatusFailed    ConversationStatus = "FAILED"
)

func (s ConversationStatus) String() string {
	return string(s)
}

// IsValid reports whether s is one of the known statuses.
func (s ConversationStatus) IsValid() bool {
	switch s {
	case StatusSubmitted, StatusWorking, StatusCompleted, StatusCanceled, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible from s.
func (s ConversationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCanceled || s == StatusFailed
}

// rank orders statuses along the forward direction of the machine.
func (s ConversationStatus) rank() int {
	switch s {
	case StatusSubmitted:
		return 0
	case StatusWorking:
		return 1
	default:
		return 2
	}
}

// CheckTransition validates moving a conversation from one status to another.
// Moves only go forward. Re-asserting the current non-terminal status is
// allowed and changes nothing. Terminal statuses never change.
func CheckTransition(from, to ConversationStatus) error {
	if !to.IsValid() {
		return merrors.Validation("unknown status %q", to)
	}
	if from.IsTerminal() {
		return merrors.InvalidTransition("conversation is %s and cannot move to %s", from, to)
	}
	if from == to {
		return nil
	}
	if to.rank() <= from.rank() {
		return merrors.InvalidTransition("cannot move conversation from %s back to %s", from, to)
	}
	return nil
}

// ParseStatus parses a status name, ignoring case.
func ParseStatus(name string) (ConversationStatus, error) {
	status := ConversationStatus(strings.ToUpper(strings.TrimSpace(name)))
	if !status.IsValid() {
		return "", merrors.Validation("unknown status %q", name)
	}
	return status, nil
}
