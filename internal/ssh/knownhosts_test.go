package ssh

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestKnownHostsAppend(t *testing.T) {
	dir := t.TempDir()
	kh := filepath.Join(dir, "ssh", "known_hosts")
	pub, err := GenerateEd25519Keypair(filepath.Join(dir, "host_key"))
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if err := AppendKnownHost(kh, "10.0.0.7:2222", pub); err != nil {
		t.Fatalf("append known host: %v", err)
	}
	b, err := os.ReadFile(kh)
	if err != nil {
		t.Fatalf("read known_hosts: %v", err)
	}
	if !strings.HasPrefix(string(b), "[10.0.0.7]:2222 ssh-ed25519 ") {
		t.Fatalf("unexpected known_hosts line %q", b)
	}

	cb, err := LoadKnownHostsCallback(kh)
	if err != nil {
		t.Fatalf("load callback: %v", err)
	}
	signer, err := LoadPrivateKeySigner(filepath.Join(dir, "host_key"))
	if err != nil {
		t.Fatal(err)
	}
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.7"), Port: 2222}
	if err := cb("10.0.0.7:2222", addr, signer.PublicKey()); err != nil {
		t.Fatalf("known key rejected: %v", err)
	}
	if err := cb("10.0.0.8:2222", &net.TCPAddr{IP: net.ParseIP("10.0.0.8"), Port: 2222}, signer.PublicKey()); err == nil {
		t.Fatalf("unknown host accepted")
	}
}

func TestKnownHostsAppendPinsOnce(t *testing.T) {
	dir := t.TempDir()
	kh := filepath.Join(dir, "known_hosts")
	pub, err := GenerateEd25519Keypair(filepath.Join(dir, "host_key"))
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	other, err := GenerateEd25519Keypair(filepath.Join(dir, "other_key"))
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := AppendKnownHost(kh, "node.example", pub); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	b, err := os.ReadFile(kh)
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(b), "\n"); n != 1 {
		t.Fatalf("expected one known_hosts line, got %d: %q", n, b)
	}

	if err := AppendKnownHost(kh, "node.example:22", other); !errors.Is(err, ErrHostKeyChanged) {
		t.Fatalf("expected changed host key error, got %v", err)
	}
	if err := AppendKnownHost(kh, "node.example:2222", other); err != nil {
		t.Fatalf("other port is a different host: %v", err)
	}
}
