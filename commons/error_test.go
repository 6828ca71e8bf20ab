package commons

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/xerrors"
)

func TestErrorTypes(t *testing.T) {
	unreadable := NewSourceUnreadableError("a.jpg", os.ErrNotExist)
	assert.True(t, IsSourceUnreadableError(unreadable))
	assert.False(t, IsDecodeFailedError(unreadable))
	assert.True(t, errors.Is(unreadable, os.ErrNotExist))
	assert.Contains(t, unreadable.Error(), "a.jpg")

	decodeFailed := NewDecodeFailedError("b.jpg", 4, errors.New("unexpected EOF"))
	assert.True(t, IsDecodeFailedError(decodeFailed))
	assert.False(t, IsSourceUnreadableError(decodeFailed))

	var decodeFailedErr *DecodeFailedError
	assert.True(t, errors.As(decodeFailed, &decodeFailedErr))
	assert.Equal(t, 4, decodeFailedErr.SampleSize)

	diskErr := NewDiskIOError("/tmp/x", os.ErrPermission)
	assert.True(t, IsDiskIOError(diskErr))
	assert.True(t, errors.Is(diskErr, os.ErrPermission))

	corruption := NewDiskCorruptionError("key", "bad checksum")
	assert.True(t, IsDiskCorruptionError(corruption))
	assert.False(t, IsDiskIOError(corruption))
}

func TestWrappedErrorTypes(t *testing.T) {
	wrapped := xerrors.Errorf("decode stage: %w", NewDecodeFailedError("c.png", 1, nil))
	assert.True(t, IsDecodeFailedError(wrapped))
	assert.False(t, IsSourceUnreadableError(wrapped))
}
