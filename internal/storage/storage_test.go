package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type temporaryErr struct{ temp bool }

func (e *temporaryErr) Error() string   { return "boom" }
func (e *temporaryErr) IsTemporary() bool { return e.temp }

func TestIsTemporary_NilError(t *testing.T) {
	assert.False(t, IsTemporary(nil))
}

func TestIsTemporary_DelegatesToErrorType(t *testing.T) {
	assert.True(t, IsTemporary(&temporaryErr{temp: true}))
	assert.False(t, IsTemporary(&temporaryErr{temp: false}))
}

func TestIsTemporary_PlainErrorIsFalse(t *testing.T) {
	assert.False(t, IsTemporary(errors.New("plain")))
}

func TestOperationKind_String(t *testing.T) {
	assert.Equal(t, "upload", OpUpload.String())
	assert.Equal(t, "download", OpDownload.String())
	assert.Equal(t, "delete", OpDelete.String())
	assert.Equal(t, "move", OpMove.String())
}

func TestNotFoundError_Message(t *testing.T) {
	err := &NotFoundError{Path: "a/b.txt"}
	assert.Contains(t, err.Error(), "a/b.txt")
}
