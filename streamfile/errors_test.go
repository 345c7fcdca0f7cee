package streamfile

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	err := WrapError(ErrIO, "open part file", "/rx/a.txt.part", fs.ErrPermission)
	assert.Equal(t, "streamfile I/O error: open part file /rx/a.txt.part: permission denied", err.Error())
	assert.ErrorIs(t, err, fs.ErrPermission)

	assert.Equal(t, "streamfile closed: write to closed reassembler", NewError(ErrClosed, "write to closed reassembler").Error())
}

func TestErrorTypes(t *testing.T) {
	wrapped := fmt.Errorf("receiving: %w", WrapError(ErrLink, "dial", "host:1", errors.New("refused")))

	assert.True(t, IsLink(wrapped))
	assert.False(t, IsIO(wrapped))
	assert.False(t, IsConfig(wrapped))
	assert.False(t, IsClosed(wrapped))
	assert.False(t, IsLink(errors.New("plain")))
	assert.False(t, IsLink(nil))
}

func TestErrorTypeString(t *testing.T) {
	assert.Equal(t, "config error", ErrConfig.String())
	assert.Equal(t, "link error", ErrLink.String())
	assert.Equal(t, "unknown error", ErrorType(42).String())
}
