package conf

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
name: default
protocol: radius
recv:
  Access-Request:
    default: accept
listen:
  - name: auth
    transport: udp
    port: 1812
    mandatory: yes
  - name: acct
    transport: udp
    port: "1813"
`

func TestParseTree(t *testing.T) {
	root, err := Parse("server", []byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "server", root.Name())
	assert.Equal(t, "default", root.Name2())
	assert.Equal(t, "server default", root.Path())
	assert.Equal(t, []string{"listen", "name", "protocol", "recv"}, root.Keys())

	v, ok := root.Value("protocol")
	assert.True(t, ok)
	assert.Equal(t, "radius", v)

	_, ok = root.Value("recv")
	assert.False(t, ok, "subsections have no scalar value")

	listens := root.Sections("listen")
	require.Len(t, listens, 2)
	assert.Equal(t, "auth", listens[0].Name2())
	assert.Equal(t, "server default > listen[0] auth", listens[0].Path())
	assert.True(t, Bool(listens[0], "mandatory", false))
	assert.False(t, Bool(listens[1], "mandatory", false))

	// Lookups are case-insensitive since viper lower-cases keys.
	ar := root.Section("recv").Section("access-request")
	require.NotNil(t, ar)
	v, _ = ar.Value("default")
	assert.Equal(t, "accept", v)

	assert.Nil(t, root.Section("missing"))
}

func TestDecode(t *testing.T) {
	root, err := Parse("server", []byte(sample))
	require.NoError(t, err)

	var l struct {
		Name      string `conf:"name"`
		Port      int    `conf:"port"`
		Transport string `conf:"transport"`
	}
	require.NoError(t, root.Sections("listen")[1].Decode(&l))
	assert.Equal(t, 1813, l.Port)
	assert.Equal(t, "acct", l.Name)

	var bad struct {
		Port int `conf:"port"`
	}
	s := FromValue("listen", map[string]any{"port": "not-a-port"})
	err = s.Decode(&bad)
	var confErr *Error
	require.True(t, errors.As(err, &confErr))
	assert.Equal(t, "listen", confErr.Path)
}

func TestFromViperValues(t *testing.T) {
	s := FromValue("server", map[string]any{
		"name": "inner",
		"listen": []any{
			map[any]any{"name": "a", "cleanup_delay": "2s"},
		},
	})
	require.NotNil(t, s)
	l := s.Section("listen")
	require.NotNil(t, l)
	d, err := Duration(l, "cleanup_delay", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)

	d, err = Duration(l, "missing", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	assert.Nil(t, FromValue("x", "scalar"))
	assert.Empty(t, Empty("x").Keys())
}
