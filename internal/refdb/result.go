package refdb

import (
	"fmt"
	"strings"
)

// Result is the outcome of a single reference update or of one command of a batch.
type Result int

const (
	// NotAttempted is the state of a command before it has been executed.
	NotAttempted Result = iota
	// LockFailure means the reference could not be locked, or its current value did not
	// match the expected old value.
	LockFailure
	// NoChange means the reference already had the requested value.
	NoChange
	// New means the reference did not exist and has been created.
	New
	// Forced means the reference was moved without checking ancestry, or deleted.
	Forced
	// FastForward means the old value is an ancestor of the new one.
	FastForward
	// Rejected means the update is not a fast-forward and was not forced.
	Rejected
	// RejectedCurrentBranch means the reference is the current branch and cannot be deleted.
	RejectedCurrentBranch
	// IOFailure means the update failed with an environment error.
	IOFailure
	// Renamed means the reference has been renamed.
	Renamed
	// RejectedMissingObject means the new object does not exist in the object store.
	RejectedMissingObject
	// RejectedOtherReason means the command was rejected for a reason given in its message.
	RejectedOtherReason
)

var resultNames = [...]string{
	NotAttempted:          "NOT_ATTEMPTED",
	LockFailure:           "LOCK_FAILURE",
	NoChange:              "NO_CHANGE",
	New:                   "NEW",
	Forced:                "FORCED",
	FastForward:           "FAST_FORWARD",
	Rejected:              "REJECTED",
	RejectedCurrentBranch: "REJECTED_CURRENT_BRANCH",
	IOFailure:             "IO_FAILURE",
	Renamed:               "RENAMED",
	RejectedMissingObject: "REJECTED_MISSING_OBJECT",
	RejectedOtherReason:   "REJECTED_OTHER_REASON",
}

// String returns the upper-case name of the result.
func (r Result) String() string {
	if r < 0 || int(r) >= len(resultNames) {
		return fmt.Sprintf("Result(%d)", int(r))
	}
	return resultNames[r]
}

// Value returns the lower-case form used on the wire.
func (r Result) Value() string {
	return strings.ToLower(r.String())
}

// ParseResult parses the name of a result in any case.
func ParseResult(s string) (Result, error) {
	for i, name := range resultNames {
		if strings.EqualFold(name, s) {
			return Result(i), nil
		}
	}
	return NotAttempted, fmt.Errorf("unknown result %q", s)
}

// MarshalText encodes the result in its wire form.
func (r Result) MarshalText() ([]byte, error) {
	if r < 0 || int(r) >= len(resultNames) {
		return nil, fmt.Errorf("invalid result %d", int(r))
	}
	return []byte(r.Value()), nil
}

// UnmarshalText decodes a result in any case.
func (r *Result) UnmarshalText(text []byte) error {
	parsed, err := ParseResult(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// IsSuccess tells whether the reference has the requested value after the update.
func (r Result) IsSuccess() bool {
	switch r {
	case NoChange, New, Forced, FastForward, Renamed:
		return true
	default:
		return false
	}
}
