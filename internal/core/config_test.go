package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/3cpo-dev/testnode/internal/launcher"
)

func TestLoadConfigMissingDefault(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkDir != "testdir" || cfg.Image != "nearprotocol/nearcore" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Store.Path != filepath.Join(ConfigDir(), "runs.db") {
		t.Fatalf("store path %s", cfg.Store.Path)
	}
}

func TestLoadConfigExplicitMissing(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}

func TestWriteAndLoadConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	var cfg launcher.Config
	cfg.Image = "example/neard:1.2"
	cfg.Readiness.Probe = "log"
	cfg.Readiness.Timeout = 90 * time.Second
	cfg.Remote.Host = "10.0.0.5"
	if err := WriteConfig(path, cfg); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteConfig(path, cfg); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Image != "example/neard:1.2" || got.Readiness.Probe != "log" || got.Readiness.Timeout != 90*time.Second {
		t.Fatalf("round trip lost values: %+v", got)
	}
	if got.Remote.Port != 22 || got.Container.Name != "nearcore" {
		t.Fatalf("defaults not filled: %+v", got)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.env")
	content := "# boot nodes for the test net\nexport BOOT_NODES=\"ed25519:abc@1.2.3.4:24567\"\n\nRUST_LOG='info'\nEMPTY=\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	env, err := LoadEnvFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if env["BOOT_NODES"] != "ed25519:abc@1.2.3.4:24567" || env["RUST_LOG"] != "info" {
		t.Fatalf("unexpected env %v", env)
	}
	if v, ok := env["EMPTY"]; !ok || v != "" {
		t.Fatalf("empty value lost")
	}

	bad := filepath.Join(t.TempDir(), "bad.env")
	if err := os.WriteFile(bad, []byte("NOEQUALS\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadEnvFile(bad); err == nil {
		t.Fatalf("expected parse error")
	}
	if env, err := LoadEnvFile(""); err != nil || len(env) != 0 {
		t.Fatalf("empty path should yield empty env")
	}
}
