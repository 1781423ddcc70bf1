package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/3cpo-dev/testnode/internal/launcher"
	"github.com/3cpo-dev/testnode/internal/node"
	gssh "github.com/3cpo-dev/testnode/internal/ssh"
	"github.com/3cpo-dev/testnode/internal/ssh/sshtest"
	"github.com/3cpo-dev/testnode/internal/stubnode"
)

const stubEnv = "TESTNODE_STUB_NODE"

func TestMain(m *testing.M) {
	if os.Getenv(stubEnv) == "1" {
		os.Exit(stubnode.Main(os.Args[1:], os.Stdout, os.Stderr))
	}
	os.Exit(m.Run())
}

// newRemote starts an in-process SSH server and a launcher configured to
// reach it with a fresh key and known_hosts file.
func newRemote(t *testing.T) (*Launcher, launcher.Config) {
	t.Helper()
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_ed25519")
	if _, err := gssh.GenerateEd25519Keypair(keyPath); err != nil {
		t.Fatal(err)
	}
	signer, err := gssh.LoadPrivateKeySigner(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	srv, err := sshtest.NewServer(signer.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })
	kh := filepath.Join(dir, "known_hosts")
	if err := gssh.AppendKnownHost(kh, srv.Addr, srv.AuthorizedHostKey()); err != nil {
		t.Fatal(err)
	}

	host, port, _ := net.SplitHostPort(srv.Addr)
	var cfg launcher.Config
	cfg.Remote.Host = host
	cfg.Remote.Port, _ = strconv.Atoi(port)
	cfg.Remote.User = "tester"
	cfg.Remote.KeyPath = keyPath
	cfg.Remote.KnownHosts = kh
	cfg.Remote.Binary = os.Args[0]
	cfg.Remote.StopGrace = 2 * time.Second
	return New(cfg), cfg
}

func TestRemoteLaunch(t *testing.T) {
	l, _ := newRemote(t)
	workDir := filepath.Join(t.TempDir(), "testdir")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(workDir, "stale"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	rc, err := node.NewRunConfig(node.Options{
		Mode:         node.ModeRemote,
		WorkDir:      workDir,
		BinaryArgs:   node.UnitTestArgs(),
		Env:          map[string]string{stubEnv: "1"},
		ReadyTimeout: 20 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := l.Prepare(ctx, rc); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := os.Stat(filepath.Join(workDir, "stale")); !os.IsNotExist(err) {
		t.Fatalf("stale file survived prepare: %v", err)
	}

	h, err := l.Launch(ctx, rc)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	defer h.Stop(context.Background())

	data, err := os.ReadFile(filepath.Join(workDir, stubnode.InitArgsFile))
	if err != nil {
		t.Fatal(err)
	}
	var args []string
	if err := json.Unmarshal(data, &args); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(args, node.UnitTestArgs()) {
		t.Fatalf("init args %q", args)
	}

	if err := node.NewWaiter(rc.ReadyTimeout()).Wait(ctx, h, node.HTTPProbe{}); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("remote node did not exit")
	}
	if h.IsRunning() {
		t.Fatalf("handle still running after stop")
	}
}

func TestRemoteMissingHost(t *testing.T) {
	l := New(launcher.Config{})
	rc, err := node.NewRunConfig(node.Options{Mode: node.ModeRemote, WorkDir: "testdir"})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Prepare(context.Background(), rc); !errors.Is(err, node.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestWithEnv(t *testing.T) {
	rc, err := node.NewRunConfig(node.Options{Mode: node.ModeRemote, WorkDir: "testdir", Env: map[string]string{"B": "2", "A": "1"}})
	if err != nil {
		t.Fatal(err)
	}
	got := withEnv(node.Command{Path: "neard", Args: []string{"run"}}, rc)
	want := "env A=1 B=2 neard run"
	if got.String() != want {
		t.Fatalf("got %q, want %q", got.String(), want)
	}
}

func TestKillToleratesVanishedPid(t *testing.T) {
	l, _ := newRemote(t)
	cli, err := l.dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	session, err := cli.NewSession()
	if err != nil {
		t.Fatal(err)
	}
	if err := session.Start("sleep 5"); err != nil {
		t.Fatal(err)
	}
	// the recorded pid is already gone, so both TERM and KILL fail
	proc := &process{
		cli:     cli,
		session: session,
		host:    "test",
		pid:     "2147483646",
		grace:   10 * time.Millisecond,
		exited:  make(chan struct{}),
	}
	go func() { proc.finish(session.Wait()) }()

	if err := proc.Kill(context.Background()); err != nil {
		t.Fatalf("kill of a vanished node should succeed, got %v", err)
	}
	select {
	case <-proc.Exited():
	default:
		t.Fatal("process not marked exited")
	}
}
