package ssh

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/testnode/internal/ssh/sshtest"
)

func newTestClient(t *testing.T) (*Client, string) {
	t.Helper()
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_ed25519")
	if _, err := GenerateEd25519Keypair(keyPath); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	signer, err := LoadPrivateKeySigner(keyPath)
	if err != nil {
		t.Fatalf("load signer: %v", err)
	}
	srv, err := sshtest.NewServer(signer.PublicKey())
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	kh := filepath.Join(dir, "known_hosts")
	if err := AppendKnownHost(kh, srv.Addr, srv.AuthorizedHostKey()); err != nil {
		t.Fatalf("known hosts: %v", err)
	}
	cb, err := LoadKnownHostsCallback(kh)
	if err != nil {
		t.Fatalf("known hosts callback: %v", err)
	}
	return &Client{Addr: srv.Addr, User: "tester", Signer: signer, KnownHosts: cb, Timeout: 5 * time.Second}, dir
}

func TestRunCommand(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	cli, err := Dial(ctx, c)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	out, err := RunCommand(ctx, cli, "echo hello; echo oops >&2")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "hello") || !strings.Contains(out, "oops") {
		t.Fatalf("unexpected output %q", out)
	}
	if _, err := RunCommand(ctx, cli, "exit 3"); err == nil {
		t.Fatalf("expected error for non-zero exit")
	}
}

func TestFileOps(t *testing.T) {
	c, dir := newTestClient(t)
	ctx := context.Background()
	cli, err := Dial(ctx, c)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	remote := filepath.Join(dir, "remote", "testdir")
	if err := os.MkdirAll(filepath.Join(remote, "data", "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(remote, "data", "nested", "old.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ResetDir(cli, remote); err != nil {
		t.Fatalf("reset: %v", err)
	}
	entries, err := os.ReadDir(remote)
	if err != nil {
		t.Fatalf("remote dir missing after reset: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty dir, got %d entries", len(entries))
	}

	local := filepath.Join(dir, "neard")
	if err := os.WriteFile(local, []byte("#!/bin/sh\necho neard\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(dir, "remote", "bin", "neard")
	if err := PushFile(ctx, cli, local, target, 0o755); err != nil {
		t.Fatalf("push: %v", err)
	}
	st, err := os.Stat(target)
	if err != nil {
		t.Fatalf("pushed file missing: %v", err)
	}
	if st.Mode().Perm() != 0o755 {
		t.Fatalf("unexpected mode %v", st.Mode())
	}
	sum, err := Checksum(local)
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyRemoteChecksum(ctx, cli, target, sum); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := VerifyRemoteChecksum(ctx, cli, target, strings.Repeat("0", 64)); err == nil {
		t.Fatalf("expected checksum mismatch")
	}

	data, err := ReadFile(cli, target)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "#!/bin/sh\necho neard\n" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestDialRejectsUnknownHostKey(t *testing.T) {
	c, dir := newTestClient(t)
	other, err := sshtest.NewServer(c.Signer.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()

	// record the client key in place of the server's host key
	kh := filepath.Join(dir, "other_known_hosts")
	if err := AppendKnownHost(kh, other.Addr, string(xssh.MarshalAuthorizedKey(c.Signer.PublicKey()))); err != nil {
		t.Fatal(err)
	}
	cb, err := LoadKnownHostsCallback(kh)
	if err != nil {
		t.Fatal(err)
	}
	c.Addr = other.Addr
	c.KnownHosts = cb
	if _, err := Dial(context.Background(), c); err == nil {
		t.Fatalf("expected host key mismatch")
	}
}

func TestScanHostKey(t *testing.T) {
	srv, err := sshtest.NewServer(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	key, err := ScanHostKey(context.Background(), srv.Addr, 5*time.Second)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if string(xssh.MarshalAuthorizedKey(key)) != srv.AuthorizedHostKey() {
		t.Fatalf("scanned key does not match server key")
	}
}
