package admin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// EnvStore reads and writes the worker's .env file under the Cyrus home.
// Writes are whole-file: read, merge, write-temp, rename.
type EnvStore struct {
	path string
	mu   sync.Mutex
}

func NewEnvStore(home string) *EnvStore {
	return &EnvStore{path: filepath.Join(home, ".env")}
}

// Path returns the backing file location.
func (e *EnvStore) Path() string { return e.path }

// Load parses the .env file. A missing file yields an empty map.
func (e *EnvStore) Load() (map[string]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadLocked()
}

func (e *EnvStore) loadLocked() (map[string]string, error) {
	vars := make(map[string]string)
	data, err := os.ReadFile(e.path)
	if err != nil {
		if os.IsNotExist(err) {
			return vars, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", e.path, err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)
		vars[strings.TrimSpace(key)] = value
	}
	return vars, nil
}

// Set merges the given variables into the file atomically.
func (e *EnvStore) Set(vars map[string]string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	existing, err := e.loadLocked()
	if err != nil {
		return err
	}
	for k, v := range vars {
		existing[k] = v
	}

	keys := make([]string, 0, len(existing))
	for k := range existing {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%q\n", k, existing[k])
	}

	if err := os.MkdirAll(filepath.Dir(e.path), 0o755); err != nil {
		return fmt.Errorf("failed to create env directory: %w", err)
	}
	tmp := e.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, e.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", e.path, err)
	}
	return nil
}
