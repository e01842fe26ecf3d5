package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("disk full")
	err := &Error{
		Code:      CodeCommitFailed,
		Message:   "commit failed",
		Extension: "search",
		Key:       "k1",
		Err:       cause,
	}

	assert.Equal(t,
		"COMMIT_FAILED: commit failed (extension=search) (key=k1): disk full",
		err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestErrorHelpers(t *testing.T) {
	commit := &Error{Code: CodeCommitFailed, Message: "commit failed"}
	assert.True(t, IsCommitFailure(commit))
	assert.True(t, IsCommitFailure(fmt.Errorf("wrapped: %w", commit)))
	assert.False(t, IsCommitFailure(errors.New("plain")))
	assert.False(t, IsCommitFailure(nil))

	assert.True(t, IsRegistrationFailure(&Error{Code: CodeRegistrationFailed}))
	assert.False(t, IsRegistrationFailure(commit))

	assert.True(t, IsMutationDuringEnumeration(&Error{Code: CodeMutationDuringEnumeration}))
	assert.False(t, IsMutationDuringEnumeration(commit))
}
