package main

import (
	"github.com/dagobah-org/dagobah/cmd"
	"github.com/dagobah-org/dagobah/internal/build"
)

var version = "dev"

func main() {
	if version != "" {
		build.Version = version
	}
	cmd.Execute()
}
