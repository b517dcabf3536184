// Package secrets resolves opaque secret paths to values. Values are
// re-read on every fetch so rotation never requires a restart.
package secrets

import (
	"fmt"
	"os"
	"strings"
)

// Store resolves a secret by its opaque path.
type Store interface {
	Fetch(path string) (string, error)
}

// EnvStore resolves "env:NAME" paths from the process environment.
type EnvStore struct{}

func (EnvStore) Fetch(path string) (string, error) {
	name := strings.TrimPrefix(path, "env:")
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("secrets: %s not set", name)
	}
	return v, nil
}

// FileStore resolves "file:/run/secrets/x" paths from mounted files,
// trimming trailing whitespace the way orchestrators append it.
type FileStore struct{}

func (FileStore) Fetch(path string) (string, error) {
	name := strings.TrimPrefix(path, "file:")
	data, err := os.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("secrets: read %s: %w", name, err)
	}
	return strings.TrimRight(string(data), "\r\n "), nil
}

// Resolver routes a path to the store matching its scheme. Paths without
// a scheme are treated as environment variable names.
type Resolver struct {
	env  EnvStore
	file FileStore
}

// NewResolver returns the default scheme router.
func NewResolver() *Resolver { return &Resolver{} }

func (r *Resolver) Fetch(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "file:"):
		return r.file.Fetch(path)
	case strings.HasPrefix(path, "env:"):
		return r.env.Fetch(path)
	default:
		return r.env.Fetch("env:" + path)
	}
}

// Provider adapts one fixed path to the func() (string, error) shape the
// HTTP and directory clients take for per-request credential fetch.
func (r *Resolver) Provider(path string) func() (string, error) {
	return func() (string, error) { return r.Fetch(path) }
}
