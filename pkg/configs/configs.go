// Package configs provides embedded default configuration files.
package configs

import _ "embed"

// Embedded configuration files for the `radiusd config` command.

//go:embed radiusd.yml
var DefaultConfigBytes []byte

//go:embed radiusd-minimal.yml
var MinimalConfigBytes []byte
