package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rpsota/rpsota/internal/config"
	"github.com/rpsota/rpsota/internal/logging"
	"github.com/rpsota/rpsota/internal/version"
)

// globalFlags holds double-dash flags parsed from the arguments before
// dispatch. rest contains the remaining arguments with global flags stripped.
type globalFlags struct {
	version bool
	verbose bool
	config  string
	rest    []string
}

// parseGlobalFlags extracts double-dash flags from args and returns the
// parsed values plus remaining args. Supports --flag and --flag=value forms.
func parseGlobalFlags(args []string) globalFlags {
	var g globalFlags
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--version":
			g.version = true
		case arg == "--verbose":
			g.verbose = true
		case arg == "--config" && i+1 < len(args):
			i++
			g.config = args[i]
		case strings.HasPrefix(arg, "--config="):
			g.config, _ = strings.CutPrefix(arg, "--config=")
		default:
			g.rest = append(g.rest, arg)
		}
	}
	return g
}

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer) error
}

var commands = []command{
	{"serve", "serve an image to TCP (and QUIC) clients", runServe},
	{"host", "serve an image to a module over a serial port", runHost},
	{"fetch", "download an image from an image source", runFetch},
	{"fetch-uart", "download an image over a serial port (fetch -mode uart)", runFetchUART},
	{"inspect", "print an image's header and chunk layout", runInspect},
	{"pack", "prepend an RPS header to a raw firmware binary", runPack},
	{"history", "list sessions recorded in a journal", runHistory},
	{"ports", "list serial ports", runPorts},
	{"config", "print the effective configuration", runConfig},
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: rpsota [--config file] [--verbose] <command> [flags] [args]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-11s %s\n", c.name, c.usage)
	}
	fmt.Fprintf(w, "  %-11s %s\n", "version", "print version and exit")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "flags:")
	fmt.Fprintln(w, "  --config <file>  YAML configuration (RPSOTA_* variables override it)")
	fmt.Fprintln(w, "  --verbose        debug logging")
	fmt.Fprintln(w, "  --version        print version and exit")
}

func main() {
	gf := parseGlobalFlags(os.Args[1:])

	if gf.version || (len(gf.rest) > 0 && gf.rest[0] == "version") {
		fmt.Printf("rpsota %s (%s)\n", version.VERSION, version.Commit)
		os.Exit(0)
	}
	if len(gf.rest) == 0 {
		usage(os.Stderr)
		os.Exit(1)
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == gf.rest[0] {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "rpsota: unknown command %q\n\n", gf.rest[0])
		usage(os.Stderr)
		os.Exit(1)
	}

	cfg, err := config.Load(gf.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rpsota: %v\n", err)
		os.Exit(1)
	}
	if gf.verbose {
		cfg.Log.Level = "debug"
	}
	if _, err := logging.Setup(os.Stderr, cfg.Log.Level); err != nil {
		fmt.Fprintf(os.Stderr, "rpsota: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = cmd.run(ctx, cfg, gf.rest[1:], os.Stdout)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "rpsota %s: %v\n", cmd.name, err)
		stop()
		os.Exit(1)
	}
}
