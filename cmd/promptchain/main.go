package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"promptchain/internal/version"
)

const (
	exitOK      = 0
	exitUsage   = 1
	exitInvalid = 2
	exitFailed  = 3
)

// commandIO is everything a command touches outside its arguments.
type commandIO struct {
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
	environ []string
	signals <-chan os.Signal
}

func main() {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	os.Exit(run(context.Background(), os.Args[1:], commandIO{
		stdin:   os.Stdin,
		stdout:  os.Stdout,
		stderr:  os.Stderr,
		environ: os.Environ(),
		signals: signals,
	}))
}

func run(ctx context.Context, args []string, cio commandIO) int {
	if len(args) == 0 {
		printUsage(cio.stderr)
		return exitUsage
	}
	switch args[0] {
	case "run":
		return runWorkflowCommand(ctx, args[1:], cio)
	case "send":
		return runSendCommand(ctx, args[1:], cio)
	case "schema":
		return runSchemaCommand(args[1:], cio)
	case "validate":
		return runValidateCommand(args[1:], cio)
	case "version", "--version", "-v":
		fmt.Fprintln(cio.stdout, version.GetVersionInfo().String())
		return exitOK
	case "help", "--help", "-h":
		printUsage(cio.stdout)
		return exitOK
	default:
		fmt.Fprintf(cio.stderr, "unknown command %q\n\n", args[0])
		printUsage(cio.stderr)
		return exitUsage
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage: promptchain <command> [options]")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Run multi-stage prompt workflows against a multi-model chat backend")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Commands:")
	writeOption(out, "run", "Run a workflow over a transcript")
	writeOption(out, "send", "Send a single query to one or more models")
	writeOption(out, "schema", "Print the JSON Schema of workflow definition files")
	writeOption(out, "validate", "Validate the settings file and workflow definition files")
	writeOption(out, "version", "Print version and exit")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Run 'promptchain <command> --help' for command options.")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Exit codes:")
	fmt.Fprintln(out, "  0  Success")
	fmt.Fprintln(out, "  1  Usage error")
	fmt.Fprintln(out, "  2  Invalid settings or workflow definition")
	fmt.Fprintln(out, "  3  Backend or run failure")
}

func writeOption(out io.Writer, name, desc string) {
	fmt.Fprintf(out, "  %-16s %s\n", name, desc)
}
