package version

import (
	"runtime"
	"strings"
)

// version is the current version of radiusd.
// Set using -ldflags "-X github.com/tekesan/freeradius-server/pkg/version.version=v1.2.3"
var version string = "unknown"

func String() string {
	return version
}

// Banner returns the line logged on startup.
func Banner() string {
	s := strings.Builder{}
	s.WriteString("radiusd/")
	if v := String(); v != "" {
		s.WriteString(v)
	} else {
		s.WriteString("dirty")
	}
	s.WriteString(" (")
	s.WriteString(runtime.Version())
	s.WriteString(" ")
	s.WriteString(runtime.GOOS)
	s.WriteString("/")
	s.WriteString(runtime.GOARCH)
	s.WriteString(")")
	return s.String()
}
