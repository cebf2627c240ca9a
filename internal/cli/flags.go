package cli

import (
	"errors"
	"flag"
	"fmt"
	"sort"
	"strings"
)

const (
	defaultHelpDesc    = "Show help"
	defaultVersionDesc = "Print version and exit"
)

type HelpVersionFlags struct {
	Help    bool
	Version bool
}

func AddHelpVersionFlags(fs *flag.FlagSet, helpDesc, versionDesc string) *HelpVersionFlags {
	if fs == nil {
		return &HelpVersionFlags{}
	}
	if helpDesc == "" {
		helpDesc = defaultHelpDesc
	}
	if versionDesc == "" {
		versionDesc = defaultVersionDesc
	}
	flags := &HelpVersionFlags{}
	fs.BoolVar(&flags.Help, "help", false, helpDesc)
	fs.BoolVar(&flags.Help, "h", false, helpDesc)
	fs.BoolVar(&flags.Version, "version", false, versionDesc)
	fs.BoolVar(&flags.Version, "v", false, versionDesc)
	return flags
}

var errMissingSeparator = errors.New("expected KEY=VALUE")

// KeyValues collects repeated KEY=VALUE flags. A later key wins.
type KeyValues map[string]string

func (kv KeyValues) String() string {
	if len(kv) == 0 {
		return ""
	}
	keys := make([]string, 0, len(kv))
	for key := range kv {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+"="+kv[key])
	}
	return strings.Join(parts, ",")
}

func (kv KeyValues) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("%w, got %q", errMissingSeparator, value)
	}
	kv[key] = val
	return nil
}

// StringList collects a flag that may repeat or carry comma separated
// values, dropping blanks.
type StringList []string

func (l *StringList) String() string {
	return strings.Join(*l, ",")
}

func (l *StringList) Set(value string) error {
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*l = append(*l, part)
		}
	}
	return nil
}
