package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutputBufferKeepsTail(t *testing.T) {
	t.Parallel()

	b := NewOutputBuffer(8)
	_, _ = b.Write([]byte("hello"))
	assert.Equal(t, "hello", b.String())
	assert.False(t, b.Truncated())

	_, _ = b.Write([]byte(" world"))
	assert.Equal(t, "lo world", b.String())
	assert.Equal(t, 8, b.Len())
	assert.True(t, b.Truncated())

	b.Reset()
	assert.Equal(t, "", b.String())
	assert.Equal(t, 0, b.Len())
}

func TestOutputBufferExactFill(t *testing.T) {
	t.Parallel()

	b := NewOutputBuffer(4)
	_, _ = b.Write([]byte("abcd"))
	assert.Equal(t, "abcd", b.String())
	assert.False(t, b.Truncated())
}
