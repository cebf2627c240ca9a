package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"promptchain/internal/cli"
	"promptchain/internal/config"
	"promptchain/internal/logging"
	"promptchain/internal/store"
	"promptchain/internal/version"
)

const (
	configEnvVar    = "PROMPTCHAIN_CONFIG"
	appDirName      = "promptchain"
	configFileName  = "config.toml"
	definitionsName = "workflows"
)

// commonFlags are accepted by every command that talks to the backend.
type commonFlags struct {
	configPath  string
	logLevel    string
	storeDriver string
	storePath   string
	apiBase     string
	metrics     bool
	helpVersion *cli.HelpVersionFlags
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	flags := &commonFlags{}
	fs.StringVar(&flags.configPath, "config", "", "Settings file (env: PROMPTCHAIN_CONFIG, default: <config dir>/promptchain/config.toml)")
	fs.StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warning, error")
	fs.StringVar(&flags.storeDriver, "store", "", "Result store driver: memory, file, sqlite")
	fs.StringVar(&flags.storePath, "store-path", "", "Result store location")
	fs.StringVar(&flags.apiBase, "api-base", "", "Backend API base URL")
	fs.BoolVar(&flags.metrics, "metrics", false, "Print counters in Prometheus text format on exit")
	flags.helpVersion = cli.AddHelpVersionFlags(fs, "Show this help message", "Print version and exit")
	return flags
}

// overrides turns explicit flags into settings keys layered over the file
// and the environment.
func (c *commonFlags) overrides() map[string]any {
	out := map[string]any{}
	set := func(key, value string) {
		if value = strings.TrimSpace(value); value != "" {
			out[key] = value
		}
	}
	set("log.level", c.logLevel)
	set("store.driver", c.storeDriver)
	set("store.path", c.storePath)
	set("backend.api_base", c.apiBase)
	return out
}

// resolveConfigPath picks the flag, then PROMPTCHAIN_CONFIG, then the user
// config directory.
func (c *commonFlags) resolveConfigPath(environ []string) string {
	if path := strings.TrimSpace(c.configPath); path != "" {
		return path
	}
	if path := lookupEnv(environ, configEnvVar); path != "" {
		return path
	}
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return ""
	}
	return filepath.Join(dir, appDirName, configFileName)
}

func (c *commonFlags) loadSettings(environ []string, extra map[string]any) (config.Settings, string, error) {
	overrides := c.overrides()
	for key, value := range extra {
		overrides[key] = value
	}
	path := c.resolveConfigPath(environ)
	settings, err := config.Load(path, environ, overrides)
	if err != nil {
		return config.Settings{}, path, err
	}
	return withDefaultPaths(settings, path), path, nil
}

// withDefaultPaths places the result store and the definitions directory
// next to the settings file when the settings leave them empty.
func withDefaultPaths(settings config.Settings, configPath string) config.Settings {
	base := ""
	if configPath != "" {
		base = filepath.Dir(configPath)
	}
	if settings.Store.Path == "" && base != "" {
		switch settings.Store.Driver {
		case store.DriverFile:
			settings.Store.Path = filepath.Join(base, "results.json")
		case store.DriverSQLite:
			settings.Store.Path = filepath.Join(base, "results.db")
		}
	}
	if settings.Workflow.DefinitionsDir == "" && base != "" {
		settings.Workflow.DefinitionsDir = filepath.Join(base, definitionsName)
	}
	return settings
}

func newLogger(settings config.Settings, out io.Writer) *logging.Logger {
	return logging.NewWithOutput(logging.NewHistory(logging.DefaultHistory), settings.Log.Level, out)
}

func lookupEnv(environ []string, name string) string {
	for i := len(environ) - 1; i >= 0; i-- {
		key, value, ok := strings.Cut(environ[i], "=")
		if ok && key == name {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// exitCodeFor maps setup errors onto exit codes.
func exitCodeFor(err error, errOut io.Writer) int {
	fmt.Fprintln(errOut, err.Error())
	if errors.Is(err, config.ErrInvalidSettings) {
		return exitInvalid
	}
	return exitFailed
}

// parseFlags reports whether the command should go on, and the exit code to
// use when it should not.
func parseFlags(fs *flag.FlagSet, args []string, common *commonFlags, usage func(io.Writer), out io.Writer) (bool, int) {
	fs.Usage = func() { usage(fs.Output()) }
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return false, exitOK
		}
		return false, exitUsage
	}
	if common != nil && common.helpVersion.Help {
		fs.Usage()
		return false, exitOK
	}
	if common != nil && common.helpVersion.Version {
		fmt.Fprintln(out, version.GetVersionInfo().String())
		return false, exitOK
	}
	return true, exitOK
}

func printCommonOptions(out io.Writer) {
	writeOption(out, "--config PATH", "Settings file (env: PROMPTCHAIN_CONFIG)")
	writeOption(out, "--log-level LEVEL", "debug, info, warning or error")
	writeOption(out, "--store DRIVER", "memory, file or sqlite")
	writeOption(out, "--store-path PATH", "Result store location")
	writeOption(out, "--api-base URL", "Backend API base URL")
	writeOption(out, "--metrics", "Print counters on exit")
	writeOption(out, "--help", "Show this help message")
}

// syncWriter serializes writes from the logger and the progress printer.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
