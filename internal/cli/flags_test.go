package cli

import (
	"flag"
	"io"
	"testing"
)

func TestHelpFlag(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	flags := AddHelpVersionFlags(fs, "", "")

	if err := fs.Parse([]string{"-h"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !flags.Help {
		t.Fatalf("expected help flag set")
	}
}

func TestVersionFlag(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	flags := AddHelpVersionFlags(fs, "", "")

	if err := fs.Parse([]string{"--version"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !flags.Version {
		t.Fatalf("expected version flag set")
	}
}

func TestKeyValuesFlag(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	values := KeyValues{}
	fs.Var(values, "set", "")

	if err := fs.Parse([]string{"--set", "TONE=warm", "--set", "STYLE_GUIDE=a=b", "--set", "TONE=formal"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if values["TONE"] != "formal" || values["STYLE_GUIDE"] != "a=b" {
		t.Fatalf("unexpected values %v", values)
	}
	if values.String() != "STYLE_GUIDE=a=b,TONE=formal" {
		t.Fatalf("unexpected string %q", values.String())
	}
	if err := fs.Parse([]string{"--set", "novalue"}); err == nil {
		t.Fatalf("expected error for missing separator")
	}
}

func TestStringListFlag(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var models StringList
	fs.Var(&models, "model", "")

	if err := fs.Parse([]string{"--model", "gpt-4o, gemini-2.5-pro", "--model", "", "--model", "claude"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(models) != 3 || models[2] != "claude" {
		t.Fatalf("unexpected models %v", models)
	}
}
