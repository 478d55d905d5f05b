// Command pagerctl inspects, recovers and copies pagecore database files.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"

	pcerrors "github.com/FocuswithJustin/pagecore/core/errors"
	"github.com/FocuswithJustin/pagecore/internal/config"
	"github.com/FocuswithJustin/pagecore/internal/logging"
)

const version = "0.1.0"

// CLI defines the command-line interface for pagerctl.
type CLI struct {
	// Global flags
	config.Config `embed:""`

	Info     InfoCmd     `cmd:"" help:"Show the database header and companion files"`
	Journal  JournalCmd  `cmd:"" help:"Dump the rollback journal"`
	Recover  RecoverCmd  `cmd:"" help:"Roll back a hot journal"`
	Digest   DigestCmd   `cmd:"" help:"BLAKE3 digest of every page and of the whole image"`
	Snapshot SnapshotCmd `cmd:"" help:"Online backup into a compressed image"`
	Stats    StatsCmd    `cmd:"" help:"Read every page and print cache metrics"`
	Version  VersionCmd  `cmd:"" help:"Print version information"`
}

func newParser(cli *CLI, opts ...kong.Option) (*kong.Kong, error) {
	opts = append([]kong.Option{
		kong.Name("pagerctl"),
		kong.Description("Inspect and maintain pagecore database files"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	}, opts...)
	return kong.New(cli, opts...)
}

func main() {
	// Variables from .env fill in for unset PAGECORE_* variables.
	if err := config.Load(""); err != nil {
		fmt.Fprintf(os.Stderr, "pagerctl: %v\n", err)
		os.Exit(1)
	}

	var cli CLI
	parser, err := newParser(&cli)
	if err != nil {
		panic(err)
	}
	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	ctx.FatalIfErrorf(cli.Config.InitLogging())
	if err := runCommand(context.Background(), ctx, &cli.Config); err != nil {
		fmt.Fprintf(os.Stderr, "pagerctl: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// runCommand runs the selected command under a fresh operation ID. The
// command receives a logger carrying that ID.
func runCommand(parent context.Context, kctx *kong.Context, cfg *config.Config) error {
	ctx := logging.WithOperationID(parent, uuid.NewString())
	start := time.Now()
	logging.DebugContext(ctx, "command started", "command", kctx.Command())

	err := kctx.Run(cfg, logging.LoggerFromContext(ctx))
	switch {
	case err == nil:
		logging.InfoContext(ctx, "command finished", "command", kctx.Command(), "elapsed", time.Since(start))
	case errors.Is(err, pcerrors.ErrBusy):
		logging.WarnContext(ctx, "database busy", "command", kctx.Command(), "error", err)
	default:
		logging.ErrorContext(ctx, "command failed", "command", kctx.Command(), "error", err)
	}
	return err
}
