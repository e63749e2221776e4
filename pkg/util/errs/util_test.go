package errs

import (
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSilent(t *testing.T) {
	err := NewSilentErr("bad packet from %s", "192.0.2.1")
	assert.True(t, IsSilent(err))
	assert.True(t, IsSilent(fmt.Errorf("recv: %w", err)))
	assert.False(t, IsSilent(errors.New("loud")))
	assert.Nil(t, WrapSilent(nil))
	assert.ErrorIs(t, WrapSilent(io.ErrUnexpectedEOF), io.ErrUnexpectedEOF)
}

func TestIsConnClosedErr(t *testing.T) {
	assert.True(t, IsConnClosedErr(fmt.Errorf("read: %w", net.ErrClosed)))
	assert.True(t, IsConnClosedErr(io.EOF))
	assert.False(t, IsConnClosedErr(nil))
	assert.False(t, IsConnClosedErr(errors.New("timeout")))
}
