package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidName(t *testing.T) {
	for _, n := range []string{"default", "inner-tunnel", "a", "auth.1812"} {
		assert.True(t, ValidName(n), n)
	}
	for _, n := range []string{"", "-x", "x-", "with space", string(make([]byte, 64))} {
		assert.False(t, ValidName(n), n)
	}
}

func TestValidModuleName(t *testing.T) {
	for _, n := range []string{"radius", "radius_udp", "tacacs2"} {
		assert.True(t, ValidModuleName(n), n)
	}
	for _, n := range []string{"", "Radius", "1radius", "radius-udp"} {
		assert.False(t, ValidModuleName(n), n)
	}
}

func TestValidHostPort(t *testing.T) {
	assert.NoError(t, ValidHostPort("0.0.0.0:8080"))
	assert.Error(t, ValidHostPort("8080"))
}
