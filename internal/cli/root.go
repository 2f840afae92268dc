package cli

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	charmlog "github.com/charmbracelet/log"

	"github.com/strataforge/strata/internal"
)

// Represents the root command for the strata CLI.
var RootCmd struct {
	Quiet   bool       `short:"q" help:"Suppress informational output."`
	Verbose bool       `short:"v" help:"Enable verbose output."`
	Debug   bool       `short:"d" help:"Enable debug output."`
	Build   BuildCmd   `cmd:"" help:"Build an image from a recipe."`
	Cache   CacheCmd   `cmd:"" help:"Inspect or prune the layer store."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("A layered image builder.\n\nBuilds container images from declarative recipes, reusing cached layers whose inputs are unchanged."),
		kong.UsageOnError(),
		kong.Vars{
			"version": internal.VersionString(),
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Configures the global logger based on CLI flags.
func configureLogger() {
	handler, ok := slog.Default().Handler().(*charmlog.Logger)
	if !ok {
		return // Not a charm handler, nothing to configure
	}

	debug := RootCmd.Debug || internal.IsDebug()
	quiet := RootCmd.Quiet || internal.IsQuiet()

	if debug {
		handler.SetLevel(charmlog.DebugLevel)
	} else if quiet {
		handler.SetLevel(charmlog.WarnLevel)
	} else {
		handler.SetLevel(charmlog.InfoLevel)
	}

	handler.SetReportTimestamp(RootCmd.Verbose)
	handler.SetReportCaller(debug)
}
