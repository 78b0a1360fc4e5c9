// Package main is the entry point for the livefeed client.
// This is a thin wrapper around the cli package.
package main

import (
	"os"

	"github.com/zot/livefeed/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
