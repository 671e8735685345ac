package versionmgr

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"

	"github.com/timmoreton/castle/internal/stringutil"
)

// maxErrorMsgLen bounds the length of a persistence adapter's underlying
// error text folded into an *Error, so a verbose driver error doesn't blow
// up log lines or CLI output.
const maxErrorMsgLen = 256

// Code classifies a recoverable error surfaced to callers.
type Code int

const (
	// CodeUnknown is an unclassified error.
	CodeUnknown Code = iota
	// CodeNotFound means the referenced version id is unknown.
	CodeNotFound
	// CodeInvalidArgument means a request argument was malformed.
	CodeInvalidArgument
	// CodeBusy means the version is already attached.
	CodeBusy
	// CodeOverLimit means the live-version cap has been reached.
	CodeOverLimit
	// CodeOutOfMemory means record allocation failed.
	CodeOutOfMemory
	// CodePersistence means the persistence adapter returned an error.
	CodePersistence
	// CodeRuleViolation means a snapshot/clone creation rule was violated.
	CodeRuleViolation
)

func (c Code) String() string {
	switch c {
	case CodeNotFound:
		return "NotFound"
	case CodeInvalidArgument:
		return "InvalidArgument"
	case CodeBusy:
		return "Busy"
	case CodeOverLimit:
		return "OverLimit"
	case CodeOutOfMemory:
		return "OutOfMemory"
	case CodePersistence:
		return "PersistenceError"
	case CodeRuleViolation:
		return "RuleViolation"
	default:
		return "Unknown"
	}
}

// sentinel returns the errdefs class Code unwraps to, so callers can use
// errdefs.Is*/errors.Is against either this package's Code or the
// underlying errdefs sentinel.
func (c Code) sentinel() error {
	switch c {
	case CodeNotFound:
		return errdefs.ErrNotFound
	case CodeInvalidArgument:
		return errdefs.ErrInvalidArgument
	case CodeBusy:
		return errdefs.ErrConflict
	case CodeOverLimit, CodeOutOfMemory:
		return errdefs.ErrResourceExhausted
	case CodePersistence:
		return errdefs.ErrUnavailable
	case CodeRuleViolation:
		return errdefs.ErrFailedPrecondition
	default:
		return errdefs.ErrUnknown
	}
}

// Error is returned by every Manager operation that can fail with a
// recoverable, caller-surfaced condition.
type Error struct {
	Code Code
	Op   string
	ID   VersionID
	Msg  string
}

func newError(code Code, op string, id VersionID, msg string) *Error {
	return &Error{Code: code, Op: op, ID: id, Msg: stringutil.TruncateOutput([]byte(msg), maxErrorMsgLen)}
}

func (e *Error) Error() string {
	if e.ID == InvalidVersionID {
		return fmt.Sprintf("versionmgr: %s: %s (%s)", e.Op, e.Msg, e.Code)
	}
	return fmt.Sprintf("versionmgr: %s: version %d: %s (%s)", e.Op, e.ID, e.Msg, e.Code)
}

// Unwrap exposes the matching errdefs sentinel so errors.Is(err,
// errdefs.ErrNotFound) keeps working for callers that don't know about
// this package's Code type.
func (e *Error) Unwrap() error { return e.Code.sentinel() }

// IsCode reports whether err is (or wraps) an *Error with the given code.
func IsCode(err error, code Code) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Code == code
	}
	return false
}
