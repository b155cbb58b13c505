package main

import (
	"os"

	"github.com/psantana5/scopekit/cmd/scopekit/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
