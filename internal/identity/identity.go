// Package identity manages the agent's persisted UUID: generated once
// on first start and reused across restarts and reconnects, since it
// is the registry's key for this agent.
package identity

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/opsfleet/controlplane/internal/opserr"
)

// LoadOrCreate reads the agent id from path, or generates a fresh
// UUID v4 and writes it to path (creating parent directories as
// needed) if the file does not exist or is empty.
func LoadOrCreate(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			if _, parseErr := uuid.Parse(id); parseErr != nil {
				return "", opserr.Wrap(opserr.KindConfig, "client id file contains an invalid UUID", parseErr)
			}
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", opserr.Wrap(opserr.KindConfig, "reading client id file", err)
	}

	id := uuid.NewString()
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", opserr.Wrap(opserr.KindConfig, "creating client id directory", err)
		}
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", opserr.Wrap(opserr.KindConfig, "writing client id file", err)
	}
	return id, nil
}
