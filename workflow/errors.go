package workflow

import (
	"errors"
	"fmt"
)

// Kind is the closed failure taxonomy shared by bus payloads, audit
// details and CLI output. Foreign faults (OS, adapter) are translated
// at the boundary; raw errors never cross it.
type Kind string

// Failure kinds.
const (
	KindInvalidTransition Kind = "InvalidTransition"
	KindFileNotFound      Kind = "FileNotFound"
	KindTargetExists      Kind = "TargetExists"
	KindLockTimeout       Kind = "LockTimeout"
	KindLockStale         Kind = "LockStale"
	KindMoveFailed        Kind = "MoveFailed"
	KindSchemaInvalid     Kind = "SchemaInvalid"
	KindStepTimeout       Kind = "StepTimeout"
	KindStepFailed        Kind = "StepFailed"
	KindRollbackFailed    Kind = "RollbackFailed"
	KindBusOverflow       Kind = "BusOverflow"
	KindHealthTimeout     Kind = "HealthTimeout"
	KindIntegrityBroken   Kind = "IntegrityBroken"
	KindCredentialMissing Kind = "CredentialMissing"
)

// Retryable reports whether a failure of this kind may be retried with
// backoff. Step failures are handled by the rollback strategy, not the
// transition retry loop.
func (k Kind) Retryable() bool {
	switch k {
	case KindLockTimeout, KindMoveFailed:
		return true
	}
	return false
}

// Error is a classified workflow failure.
type Error struct {
	Kind Kind
	Op   string
	Stem string
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Stem != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Stem)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, op, stem string, err error) *Error {
	return &Error{Kind: kind, Op: op, Stem: stem, Err: err}
}

// KindOf extracts the failure kind from an error chain ("" if the error
// was never classified).
func KindOf(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return ""
}

// Retryable reports whether the error chain carries a retryable kind.
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}

// asError returns the classified error in the chain, wrapping foreign
// errors as MoveFailed so nothing unclassified crosses the boundary.
func asError(op, stem string, err error) *Error {
	var we *Error
	if errors.As(err, &we) {
		return we
	}
	return E(KindMoveFailed, op, stem, err)
}
