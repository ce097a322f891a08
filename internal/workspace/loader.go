// Package workspace resolves workspace ids to connection configuration.
// A workspace is one SAP system environment (inventory plus connection
// settings); its config is the minimum a test step needs to reach it.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the resolved configuration for a workspace. InventoryPath is
// mandatory; a workspace without it cannot run anything.
type Config struct {
	InventoryPath string            `json:"inventory_path"`
	ExtraVars     map[string]string `json:"extra_vars,omitempty"`
	SID           string            `json:"sid,omitempty"`
	HAEnabled     bool              `json:"ha_enabled,omitempty"`
}

// Loader resolves a workspace's configuration. Implementations may read
// files, call a vault, or both; the worker only sees this contract.
type Loader interface {
	Load(workspaceID string) (Config, error)
}

// DirLoader reads <dir>/<workspace_id>.json files.
type DirLoader struct {
	dir string
}

func NewDirLoader(dir string) *DirLoader {
	return &DirLoader{dir: dir}
}

func (l *DirLoader) Load(workspaceID string) (Config, error) {
	if strings.ContainsAny(workspaceID, "/\\") || workspaceID == "" {
		return Config{}, fmt.Errorf("invalid workspace id %q", workspaceID)
	}

	path := filepath.Join(l.dir, workspaceID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("workspace %s: %w", workspaceID, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("workspace %s: parse config: %w", workspaceID, err)
	}
	if cfg.InventoryPath == "" {
		return Config{}, fmt.Errorf("workspace %s: inventory_path is required", workspaceID)
	}
	return cfg, nil
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(workspaceID string) (Config, error)

func (f LoaderFunc) Load(workspaceID string) (Config, error) {
	return f(workspaceID)
}
