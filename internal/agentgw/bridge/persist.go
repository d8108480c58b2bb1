package bridge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type persistedSession struct {
	Player          string `json:"player,omitempty"`
	Session         string `json:"session,omitempty"`
	LastConnectedAt string `json:"last_connected_at,omitempty"`
}

// LoadCredentials reads a YAML map of agent id to credential.
func LoadCredentials(path string) (map[string]Credential, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]Credential
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	for id, c := range m {
		if c.Player == "" || c.Token == "" {
			return nil, fmt.Errorf("credentials %s: player and token are required", id)
		}
	}
	return m, nil
}

func loadStateFile(path string) (map[string]persistedSession, error) {
	if path == "" {
		return map[string]persistedSession{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]persistedSession{}, nil
		}
		return nil, err
	}
	var m map[string]persistedSession
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	if m == nil {
		m = map[string]persistedSession{}
	}
	return m, nil
}

func writeFileAtomic(path string, b []byte) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
