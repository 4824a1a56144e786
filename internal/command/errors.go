package command

import (
	"errors"
	"fmt"

	"bizdesk/api/internal/treeindex"
)

var (
	ErrInvalidNesting = errors.New("invalid nesting")
	ErrCycleDetected  = errors.New("cycle detected")
	ErrNotFound       = errors.New("block not found")
	ErrDuplicateID    = treeindex.ErrDuplicateID
	ErrValidation     = errors.New("payload validation failed")

	ErrAlreadyApplied = errors.New("command already applied")
	ErrNotApplied     = errors.New("command not applied")
)

type ErrorKind string

const (
	KindInvalidNesting ErrorKind = "INVALID_NESTING"
	KindCycleDetected  ErrorKind = "CYCLE_DETECTED"
	KindNotFound       ErrorKind = "NOT_FOUND"
	KindDuplicateID    ErrorKind = "DUPLICATE_ID"
	KindValidation     ErrorKind = "VALIDATION"
)

var kindSentinels = map[ErrorKind]error{
	KindInvalidNesting: ErrInvalidNesting,
	KindCycleDetected:  ErrCycleDetected,
	KindNotFound:       ErrNotFound,
	KindDuplicateID:    ErrDuplicateID,
	KindValidation:     ErrValidation,
}

// StructuralError rejects a command before it touches the document.
type StructuralError struct {
	Kind    ErrorKind
	Command string
	BlockID string
	Message string
	Err     error
}

func (e *StructuralError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Command, e.BlockID, e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StructuralError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error kind, so callers can write
// errors.Is(err, command.ErrInvalidNesting).
func (e *StructuralError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

func structural(kind ErrorKind, cmd, blockID, format string, args ...any) *StructuralError {
	return &StructuralError{Kind: kind, Command: cmd, BlockID: blockID, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the structural kind of err, or "" when err is not a
// structural rejection.
func KindOf(err error) ErrorKind {
	var se *StructuralError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
