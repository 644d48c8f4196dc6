package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment variables that override default locations.
const (
	EnvConfigPath = "DEPLOYGATE_CONFIG_PATH"
	EnvHome       = "DEPLOYGATE_HOME"
	EnvWorkspace  = "DEPLOYGATE_WORKSPACE"
)

// Defaults are the locations used when the config file does not say
// otherwise, and where the config file itself lives.
type Defaults struct {
	ConfigPath    string
	BaseDir       string
	LogDir        string
	WorkspaceRoot string
}

// ResolveDefaults computes Defaults from the environment. Each location is
// taken from its DEPLOYGATE_* variable when set, then from the matching XDG
// directory, then from the home directory. The workspace falls back to the
// current directory.
func ResolveDefaults() (Defaults, error) {
	var d Defaults

	configPath, err := fromEnvOrXDG(EnvConfigPath, "XDG_CONFIG_HOME", ".config", "deploygate.toml")
	if err != nil {
		return Defaults{}, err
	}
	d.ConfigPath = configPath

	baseDir, err := fromEnvOrXDG(EnvHome, "XDG_DATA_HOME", filepath.Join(".local", "share"), "deploygate")
	if err != nil {
		return Defaults{}, err
	}
	d.BaseDir = baseDir
	d.LogDir = filepath.Join(baseDir, "log")

	workspace := os.Getenv(EnvWorkspace)
	if workspace == "" {
		if workspace, err = os.Getwd(); err != nil {
			return Defaults{}, fmt.Errorf("getting current directory: %w", err)
		}
	}
	if d.WorkspaceRoot, err = filepath.Abs(workspace); err != nil {
		return Defaults{}, fmt.Errorf("resolving workspace %q: %w", workspace, err)
	}
	return d, nil
}

// fromEnvOrXDG returns $env, else $xdgEnv/name, else ~/homeRel/name.
func fromEnvOrXDG(env, xdgEnv, homeRel, name string) (string, error) {
	if path := os.Getenv(env); path != "" {
		return path, nil
	}
	if dir := os.Getenv(xdgEnv); filepath.IsAbs(dir) {
		return filepath.Join(dir, name), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, homeRel, name), nil
}
