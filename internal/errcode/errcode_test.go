package errcode

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"code only", New(NotFound, "", "", nil), "NOT_FOUND"},
		{"with stage", New(WriteFailure, "applying", "", nil), "applying: WRITE_FAILURE"},
		{"full", New(ParseError, "checking", ".mindlayer/project.json", io.ErrUnexpectedEOF),
			"checking: PARSE_ERROR .mindlayer/project.json: unexpected EOF"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_IsMatchesCodeThroughWrapping(t *testing.T) {
	base := New(NetworkFailure, "checking", "", io.EOF)
	wrapped := fmt.Errorf("fetching release: %w", base)

	assert.True(t, errors.Is(wrapped, New(NetworkFailure, "", "", nil)))
	assert.False(t, errors.Is(wrapped, New(MalformedResponse, "", "", nil)))
	assert.True(t, errors.Is(wrapped, io.EOF), "cause stays reachable")
	assert.True(t, Is(wrapped, NetworkFailure))
	assert.Equal(t, NetworkFailure, CodeOf(wrapped))
}

func TestCodeOf_PlainError(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(errors.New("boom")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestWithStage_KeepsExistingStage(t *testing.T) {
	e := New(WriteFailure, "", "a.json", nil)
	tagged := e.WithStage("applying")
	assert.Equal(t, "applying", tagged.Stage)
	assert.Equal(t, "", e.Stage, "original is not mutated")

	assert.Equal(t, "applying", tagged.WithStage("verifying").Stage)
}
