package engine

import (
	"errors"
	"fmt"
	"strings"

	"gateline/internal/db"
)

// Kind classifies engine errors by how a caller should recover.
type Kind string

const (
	// KindValidation: malformed input, fix it and resubmit.
	KindValidation Kind = "validation"
	// KindOrderViolation: out-of-sequence transition, refetch state first.
	KindOrderViolation Kind = "order_violation"
	// KindPreconditionNotMet: something is outstanding, see Reasons.
	KindPreconditionNotMet Kind = "precondition_not_met"
	// KindConcurrencyConflict: lost a race on the directive version, retry.
	KindConcurrencyConflict Kind = "concurrency_conflict"
	// KindTerminalState: the directive is completed or cancelled. Not retryable.
	KindTerminalState Kind = "terminal_state_violation"
)

// Error is the structured error returned by engine operations.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Reasons []string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if len(e.Reasons) > 0 {
		msg += ": " + strings.Join(e.Reasons, "; ")
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code when the target names one, otherwise on Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" {
		return t.Code == e.Code
	}
	return t.Kind == e.Kind
}

// ErrorCode returns the most specific code for an engine error.
func (e *Error) ErrorCode() string {
	if e.Code != "" {
		return e.Code
	}
	return string(e.Kind)
}

var (
	ErrValidation           = &Error{Kind: KindValidation}
	ErrOrderViolation       = &Error{Kind: KindOrderViolation}
	ErrPreconditionNotMet   = &Error{Kind: KindPreconditionNotMet}
	ErrConcurrencyConflict  = &Error{Kind: KindConcurrencyConflict}
	ErrTerminalState        = &Error{Kind: KindTerminalState}
	ErrOutOfOrderTransition = &Error{Kind: KindOrderViolation, Code: "out_of_order_transition"}
	ErrCheckpointOrder      = &Error{Kind: KindOrderViolation, Code: "checkpoint_order_violation"}
	ErrHandoffAccepted      = &Error{Kind: KindOrderViolation, Code: "handoff_already_accepted"}
	ErrHandoffNotAccepted   = &Error{Kind: KindPreconditionNotMet, Code: "handoff_not_accepted"}
	ErrAlreadyTerminal      = &Error{Kind: KindTerminalState, Code: "directive_already_terminal"}
)

func newError(kind Kind, code, msg string, reasons ...string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Reasons: reasons}
}

func validationError(format string, args ...any) *Error {
	return newError(KindValidation, "", fmt.Sprintf(format, args...))
}

func conflictError(directiveID string) *Error {
	return newError(KindConcurrencyConflict, "", fmt.Sprintf("directive %s was modified concurrently; reload and retry", directiveID))
}

func terminalError(directiveID, status string) *Error {
	return newError(KindTerminalState, ErrAlreadyTerminal.Code, fmt.Sprintf("directive %s is %s", directiveID, status))
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// translateStoreError maps guard trigger aborts and lock contention to engine errors.
func translateStoreError(err error) error {
	if err == nil {
		return nil
	}
	var ee *Error
	if errors.As(err, &ee) {
		return err
	}
	msg := err.Error()
	reason := func(prefix string) string {
		i := strings.Index(msg, prefix)
		return strings.TrimSpace(msg[i+len(prefix):])
	}
	switch {
	case strings.Contains(msg, "completion_guard:"):
		return &Error{Kind: KindPreconditionNotMet, Message: "store rejected completion", Reasons: []string{reason("completion_guard:")}, Err: err}
	case strings.Contains(msg, "terminal_state_violation:"):
		return &Error{Kind: KindTerminalState, Code: ErrAlreadyTerminal.Code, Message: reason("terminal_state_violation:"), Err: err}
	case strings.Contains(msg, "phase_order:"):
		return &Error{Kind: KindOrderViolation, Code: ErrOutOfOrderTransition.Code, Message: reason("phase_order:"), Err: err}
	case strings.Contains(msg, "checkpoint_order:"):
		return &Error{Kind: KindOrderViolation, Code: ErrCheckpointOrder.Code, Message: reason("checkpoint_order:"), Err: err}
	case strings.Contains(msg, "UNIQUE constraint failed: handoffs"):
		return &Error{Kind: KindConcurrencyConflict, Message: "handoff submitted concurrently; reload and retry", Err: err}
	case db.IsBusy(err):
		return &Error{Kind: KindConcurrencyConflict, Message: "store busy; retry", Err: err}
	}
	return err
}
