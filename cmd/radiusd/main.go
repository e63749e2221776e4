package main

import (
	"github.com/tekesan/freeradius-server/pkg/cmd/radiusd"
)

func main() {
	radiusd.Execute()
}
