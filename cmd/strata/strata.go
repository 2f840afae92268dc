package main

import (
	"log/slog"
	"os"

	charmlog "github.com/charmbracelet/log"

	"github.com/strataforge/strata/internal"
	"github.com/strataforge/strata/internal/cli"
)

// The entry point for the strata CLI.
//
// Initializes logging and executes the root command. If any error occurs
// during execution, it exits with a non-zero code.
func main() {
	slog.SetDefault(logger())

	slog.Debug("build", "version", internal.VersionString())

	if err := cli.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// Creates a logger seeded from build-time linker flags.
//
// The logger is reconfigured after flag parsing via cli.Execute.
func logger() *slog.Logger {
	handler := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		Level:  logLevel(),
		Prefix: internal.Name,
	})
	return slog.New(handler)
}

// Returns the log level derived from build-time linker flags.
func logLevel() charmlog.Level {
	if internal.IsDebug() {
		return charmlog.DebugLevel
	}
	if internal.IsQuiet() {
		return charmlog.WarnLevel
	}
	return charmlog.InfoLevel
}
