// Package cli provides the command-line interface for livefeed.
// It exports Run() and RunWithHooks() to allow extension by wrapper projects.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

// Version is reported by --version.
var Version = "0.1.0"

// Hooks allows extending the CLI with additional commands.
type Hooks struct {
	// Commands are appended after the built-in ones.
	Commands []*cli.Command

	// CustomVersion returns version info to append (optional).
	CustomVersion func() string
}

// Run executes the CLI with the given arguments (without the program name).
// Returns exit code (0 = success, non-zero = error).
func Run(args []string) int {
	return RunWithHooks(args, nil)
}

// RunWithHooks executes the CLI with extension hooks.
func RunWithHooks(args []string, hooks *Hooks) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := NewApp(os.Stdout, os.Stderr, hooks)
	if err := app.RunContext(ctx, append([]string{app.Name}, args...)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// NewApp builds the command tree writing to stdout and stderr.
func NewApp(stdout, stderr io.Writer, hooks *Hooks) *cli.App {
	version := Version
	if hooks != nil && hooks.CustomVersion != nil {
		version += " " + hooks.CustomVersion()
	}
	app := &cli.App{
		Name:      "livefeed",
		Usage:     "real-time feed sync client",
		Version:   version,
		Writer:    stdout,
		ErrWriter: stderr,
		Flags:     globalFlags(),
		Commands: []*cli.Command{
			watchCommand(),
			inspectCommand(),
			shareCommand(),
		},
	}
	if hooks != nil {
		app.Commands = append(app.Commands, hooks.Commands...)
	}
	return app
}
