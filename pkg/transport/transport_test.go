package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskSupportsGrid(t *testing.T) {
	masks := []Mask{MaskNone, MaskTCP, MaskUDP, MaskDual}
	requests := []Transport{None, TCP, UDP}
	for _, m := range masks {
		for _, r := range requests {
			want := uint32(m)&uint32(r) != 0
			assert.Equal(t, want, m.Supports(r), "mask=%s requested=%s", m, r)
		}
	}
}

func TestDualInvariant(t *testing.T) {
	assert.True(t, MaskDual.Dual())
	assert.Equal(t, MaskTCP|MaskUDP, MaskDual)
	assert.False(t, MaskTCP.Dual())
	assert.False(t, MaskUDP.Dual())

	assert.True(t, MaskDual.Supports(TCP))
	assert.True(t, MaskDual.Supports(UDP))
	assert.False(t, MaskDual.Supports(None))
	assert.Equal(t, []Transport{TCP, UDP}, MaskDual.Transports())
}

func TestBitValues(t *testing.T) {
	// Same numbering as 1 << IPPROTO_TCP and 1 << IPPROTO_UDP.
	assert.EqualValues(t, 64, TCP)
	assert.EqualValues(t, 131072, UDP)
	assert.True(t, MaskDual.Valid())
	assert.False(t, Mask(1).Valid())
}

func TestParse(t *testing.T) {
	tr, err := Parse("UDP")
	require.NoError(t, err)
	assert.Equal(t, UDP, tr)

	_, err = Parse("sctp")
	assert.Error(t, err)

	m, err := ParseMask("dual")
	require.NoError(t, err)
	assert.Equal(t, MaskDual, m)
	assert.Equal(t, "dual", m.String())

	_, err = ParseMask("quic")
	assert.Error(t, err)
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name      string
		declared  Mask
		tlsCap    bool
		requested Transport
		tls       bool
		ok        bool
	}{
		{"udp on udp", MaskUDP, false, UDP, false, true},
		{"tcp on udp", MaskUDP, false, TCP, false, false},
		{"tls not capable", MaskTCP, false, TCP, true, false},
		{"tls capable", MaskTCP, true, TCP, true, true},
		{"dual none", MaskDual, true, None, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(tt.declared, tt.tlsCap, tt.requested, tt.tls)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var unsupported *UnsupportedError
			require.True(t, errors.As(err, &unsupported))
			assert.Equal(t, tt.tls && tt.declared.Supports(tt.requested), unsupported.TLS)
		})
	}
}
