package version

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBanner(t *testing.T) {
	b := Banner()
	assert.True(t, strings.HasPrefix(b, "radiusd/"+String()+" ("), b)
	assert.Contains(t, b, runtime.GOOS+"/"+runtime.GOARCH)

	defer func(v string) { version = v }(version)
	version = ""
	assert.True(t, strings.HasPrefix(Banner(), "radiusd/dirty"))
}
