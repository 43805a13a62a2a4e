// Package agent implements the fleet-side process: it maintains a
// session to the control plane, reports host state, and executes
// validated operator commands.
package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateID returns the persistent agent identity, generating and
// saving a fresh UUID on first run. The file holds the id on a single
// line and is readable by the owner only.
func LoadOrCreateID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read identity file %s: %w", path, err)
	}

	id := uuid.NewString()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create identity dir: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write identity file %s: %w", path, err)
	}
	return id, nil
}
