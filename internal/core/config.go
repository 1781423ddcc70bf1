package core

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/testnode/internal/launcher"
)

// ConfigDir resolves $XDG_CONFIG_HOME/testnode or ~/.config/testnode.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "testnode")
}

// DefaultConfigPath is the config file used when --config is not given.
func DefaultConfigPath() string { return filepath.Join(ConfigDir(), "config.yaml") }

// LoadConfig reads YAML configuration from a path. If path is empty the
// default path is used and a missing file yields the defaults.
func LoadConfig(path string) (launcher.Config, error) {
	var cfg launcher.Config
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	f, err := os.Open(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			cfg.Defaults()
			fillPaths(&cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.Defaults()
	fillPaths(&cfg)
	return cfg, nil
}

// fillPaths points unset files at the config directory.
func fillPaths(cfg *launcher.Config) {
	dir := ConfigDir()
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(dir, "runs.db")
	}
	if cfg.Remote.KeyPath == "" {
		cfg.Remote.KeyPath = filepath.Join(dir, "id_ed25519")
	}
	if cfg.Remote.KnownHosts == "" {
		cfg.Remote.KnownHosts = filepath.Join(dir, "known_hosts")
	}
}

// WriteConfig writes cfg as YAML, refusing to overwrite an existing file.
func WriteConfig(path string, cfg launcher.Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create config: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// LoadEnvFile reads KEY=VALUE lines for the node environment, for example
// BOOT_NODES or RUST_LOG. Blank lines and lines starting with # are
// ignored, an `export ` prefix is dropped and matching quotes around the
// value are removed. An empty path yields an empty map.
func LoadEnvFile(path string) (map[string]string, error) {
	out := map[string]string{}
	if path == "" {
		return out, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			return nil, fmt.Errorf("env file %s:%d: expected KEY=VALUE", path, lineNo)
		}
		k := strings.TrimSpace(line[:i])
		v := strings.TrimSpace(line[i+1:])
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		out[k] = v
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	return out, nil
}
