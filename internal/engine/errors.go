package engine

import (
	"errors"
	"fmt"
)

// Code categorizes engine errors.
type Code string

const (
	// CodeRegistrationFailed indicates extension setup could not complete;
	// the registration transaction was rolled back entirely.
	CodeRegistrationFailed Code = "REGISTRATION_FAILED"

	// CodeCommitFailed indicates the durable commit failed after the
	// changeset was staged; nothing was published and the snapshot is
	// unchanged.
	CodeCommitFailed Code = "COMMIT_FAILED"

	// CodeMutationDuringEnumeration indicates a write was attempted while an
	// enumeration over the database was in progress. The enclosing
	// transaction is rolled back.
	CodeMutationDuringEnumeration Code = "MUTATION_DURING_ENUMERATION"

	// CodeReadOnly indicates a write was attempted on a read-only transaction.
	CodeReadOnly Code = "READ_ONLY_TRANSACTION"

	// CodeTransactionInvalid indicates a transaction was used after its
	// enclosing operation completed.
	CodeTransactionInvalid Code = "TRANSACTION_INVALID"

	// CodeConnectionClosed indicates the connection has been closed.
	CodeConnectionClosed Code = "CONNECTION_CLOSED"

	// CodeDatabaseClosed indicates the database has been closed.
	CodeDatabaseClosed Code = "DATABASE_CLOSED"

	// CodeUnknownExtension indicates no extension is registered under the
	// requested name.
	CodeUnknownExtension Code = "UNKNOWN_EXTENSION"

	// CodeLongLivedReadActive indicates the operation is incompatible with a
	// pinned long-lived read transaction on this connection.
	CodeLongLivedReadActive Code = "LONG_LIVED_READ_ACTIVE"
)

// Error is a structured engine error.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Extension names the extension involved, if any.
	Extension string

	// Key names the affected key, if any.
	Key string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Extension != "" {
		msg += fmt.Sprintf(" (extension=%s)", e.Extension)
	}
	if e.Key != "" {
		msg += fmt.Sprintf(" (key=%s)", e.Key)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func codeOf(err error) (Code, bool) {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Code, true
	}
	return "", false
}

// IsCommitFailure reports whether err is a durable-commit failure.
func IsCommitFailure(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeCommitFailed
}

// IsRegistrationFailure reports whether err is an extension setup failure.
func IsRegistrationFailure(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeRegistrationFailed
}

// IsMutationDuringEnumeration reports whether err is a
// mutation-during-enumeration protocol violation.
func IsMutationDuringEnumeration(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeMutationDuringEnumeration
}
