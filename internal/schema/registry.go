package schema

import (
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
)

// Provider builds the schema registered under a name.
type Provider func() *jsonschema.Schema

type entry struct {
	provider Provider
	built    *jsonschema.Schema
}

var (
	mu      sync.Mutex
	entries = map[string]*entry{}
)

// Register installs or replaces the provider for name. A replaced provider
// drops any schema built from the previous one.
func Register(name string, provider Provider) error {
	name = normalizeName(name)
	if name == "" {
		return fmt.Errorf("schema name is required for registration")
	}
	if provider == nil {
		return fmt.Errorf("schema provider is required")
	}
	mu.Lock()
	entries[name] = &entry{provider: provider}
	mu.Unlock()
	return nil
}

// Resolve returns the schema for name, building it on first use.
func Resolve(name string) (*jsonschema.Schema, error) {
	name = normalizeName(name)
	if name == "" {
		return nil, fmt.Errorf("schema name is required for lookup")
	}
	mu.Lock()
	defer mu.Unlock()
	e, ok := entries[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", name)
	}
	if e.built == nil {
		e.built = e.provider()
	}
	return e.built, nil
}

// Names lists registered schema names.
func Names() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	return names
}

// ClearCache forgets built schemas; providers stay registered.
func ClearCache() {
	mu.Lock()
	for _, e := range entries {
		e.built = nil
	}
	mu.Unlock()
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
