package main

import (
	"github.com/kmnops/kmn-agent/cmd"
)

func main() {
	// All parsing, configuration, and dispatch happens in the cmd package.
	cmd.Execute()
}
