// Package config resolves the proxy's startup configuration from defaults,
// an optional .env file, and an optional YAML file, the way the teacher's
// internal/config/config.go layers godotenv over os.Getenv.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kanti-proxy/backend/internal/model"
)

const (
	DefaultIPCPort   = 9090
	DefaultProxyPort = 8080
)

// Flags are the resolved startup options, sourced from CLI flags in
// cmd/kanti-proxy/main.go after env/file overlays are applied.
type Flags struct {
	DataDir   string
	IPCPort   int
	ProxyPort int
}

// DefaultDataDir mirrors the original implementation's
// getDefaultDataDir: $HOME/.kanti, falling back to ./data.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".kanti")
}

// LoadDotEnv loads a .env file if present. A missing file is not an error;
// godotenv.Load already returns a plain error in that case which we ignore,
// matching the teacher's best-effort use of it.
func LoadDotEnv(path string) {
	if path == "" {
		path = ".env"
	}
	_ = godotenv.Load(path)
}

// EnvOverride applies KANTI_DATA_DIR / KANTI_IPC_PORT / KANTI_PROXY_PORT
// environment overrides onto flags
// already parsed from the CLI, so .env files can supply the same knobs the
// teacher's config.go read via os.Getenv.
func EnvOverride(f *Flags) {
	if v := os.Getenv("KANTI_DATA_DIR"); v != "" {
		f.DataDir = v
	}
	if v := os.Getenv("KANTI_IPC_PORT"); v != "" {
		if n, err := parsePort(v); err == nil {
			f.IPCPort = n
		}
	}
	if v := os.Getenv("KANTI_PROXY_PORT"); v != "" {
		if n, err := parsePort(v); err == nil {
			f.ProxyPort = n
		}
	}
}

func parsePort(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

// DefaultProxyConfig returns the ProxyConfig the original implementation
// starts with: interception on, scope filtering off, no custom headers.
func DefaultProxyConfig(port int) model.ProxyConfig {
	return model.ProxyConfig{
		Port:            port,
		SSLInterception: true,
		CustomHeaders:   map[string]string{},
		SaveOnlyInScope: false,
		InScope:         []string{},
		OutOfScope:      []string{},
	}
}

// LoadYAMLProxyConfig reads a YAML-encoded ProxyConfig from path, merging
// it onto base. Unknown YAML fields are ignored per spec §9's "Dynamic
// config" note — yaml.v3's struct-targeted Unmarshal already does this.
func LoadYAMLProxyConfig(path string, base model.ProxyConfig) (model.ProxyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config file: %w", err)
	}

	cfg := base.Clone()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}
