package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"promptchain/internal/definition"
	"promptchain/internal/schema"
)

func runSchemaCommand(args []string, cio commandIO) int {
	fs := flag.NewFlagSet("promptchain schema", flag.ContinueOnError)
	fs.SetOutput(cio.stderr)
	list := fs.Bool("list", false, "list registered schema names")
	if ok, code := parseFlags(fs, args, nil, printSchemaHelp, cio.stdout); !ok {
		return code
	}
	if *list {
		names := schema.Names()
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintln(cio.stdout, name)
		}
		return exitOK
	}
	payload, err := definition.SchemaJSON()
	if err != nil {
		fmt.Fprintf(cio.stderr, "generate schema: %v\n", err)
		return exitFailed
	}
	if _, err := fmt.Fprintln(cio.stdout, string(payload)); err != nil {
		return exitFailed
	}
	return exitOK
}

// runValidateCommand checks the settings file and then each definition file
// given as an argument. Without arguments every definition in the
// definitions directory is checked.
func runValidateCommand(args []string, cio commandIO) int {
	fs := flag.NewFlagSet("promptchain validate", flag.ContinueOnError)
	fs.SetOutput(cio.stderr)
	common := addCommonFlags(fs)
	if ok, code := parseFlags(fs, args, common, printValidateHelp, cio.stdout); !ok {
		return code
	}

	settings, configPath, err := common.loadSettings(cio.environ, nil)
	if err != nil {
		fmt.Fprintf(cio.stderr, "settings %s: %v\n", configPath, err)
		return exitInvalid
	}
	logger := newLogger(settings, cio.stderr)
	if _, err := os.Stat(configPath); configPath != "" && err == nil {
		fmt.Fprintf(cio.stdout, "ok  %s\n", configPath)
	}

	failed := 0
	check := func(name string, data []byte, readErr error) {
		if readErr == nil {
			_, readErr = definition.Decode(data)
		}
		if readErr != nil {
			failed++
			fmt.Fprintf(cio.stdout, "bad %s: %v\n", name, readErr)
			return
		}
		fmt.Fprintf(cio.stdout, "ok  %s\n", name)
	}

	if fs.NArg() > 0 {
		for _, path := range fs.Args() {
			data, err := os.ReadFile(path)
			check(path, data, err)
		}
	} else if settings.Workflow.DefinitionsDir != "" {
		repo := definition.NewDirectoryRepository(settings.Workflow.DefinitionsDir, logger)
		ids, err := repo.List()
		if err != nil {
			fmt.Fprintf(cio.stderr, "list definitions: %v\n", err)
			return exitFailed
		}
		for _, id := range ids {
			_, err := repo.Load(id)
			if err != nil {
				failed++
				fmt.Fprintf(cio.stdout, "bad %s: %v\n", id, err)
				continue
			}
			fmt.Fprintf(cio.stdout, "ok  %s\n", id)
		}
	}
	if failed > 0 {
		return exitInvalid
	}
	return exitOK
}

func printSchemaHelp(out io.Writer) {
	fmt.Fprintln(out, "Usage: promptchain schema [--list]")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Print the JSON Schema of workflow definition files")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	writeOption(out, "--list", "list registered schema names")
}

func printValidateHelp(out io.Writer) {
	fmt.Fprintln(out, "Usage: promptchain validate [options] [definition.workflow.yaml ...]")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Validate the settings file and workflow definitions. Without arguments every")
	fmt.Fprintln(out, "definition in the definitions directory is checked.")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	printCommonOptions(out)
}
