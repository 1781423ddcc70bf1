package node

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeProcess stands in for a launched node.
type fakeProcess struct {
	id      string
	exited  chan struct{}
	once    sync.Once
	kills   int32
	killErr error
	exitErr error
	// block, when set, holds Kill until closed
	block chan struct{}
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{id: "fake-1", exited: make(chan struct{})}
}

func (p *fakeProcess) ID() string              { return p.id }
func (p *fakeProcess) Exited() <-chan struct{} { return p.exited }
func (p *fakeProcess) ExitErr() error          { return p.exitErr }

func (p *fakeProcess) Kill(ctx context.Context) error {
	atomic.AddInt32(&p.kills, 1)
	if p.block != nil {
		<-p.block
	}
	p.exit()
	return p.killErr
}

func (p *fakeProcess) exit() { p.once.Do(func() { close(p.exited) }) }

func newTestHandle(p *fakeProcess) *Handle {
	return NewHandle(HandleOptions{Mode: ModeLocal, WorkDir: "testdir", Process: p})
}

func TestPrepareWorkspaceClearsExistingTree(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "testdir")
	if err := os.MkdirAll(filepath.Join(dir, "data", "nested"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "data", "nested", "LOCK"), nil, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := PrepareWorkspace(dir); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty workspace, got %d entries", len(entries))
	}
}

func TestPrepareWorkspaceCreatesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	if err := PrepareWorkspace(dir); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	st, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !st.IsDir() {
		t.Fatalf("expected a directory")
	}
}

func TestPrepareWorkspaceReplacesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "testdir")
	if err := os.WriteFile(path, []byte("not a dir"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := PrepareWorkspace(path); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if st, err := os.Stat(path); err != nil || !st.IsDir() {
		t.Fatalf("expected directory at %s", path)
	}
}

func TestPrepareWorkspaceRejectsUnsafePaths(t *testing.T) {
	for _, p := range []string{"", "/", ".", "  "} {
		err := PrepareWorkspace(p)
		if !errors.Is(err, ErrConfig) {
			t.Errorf("path %q: expected ErrConfig, got %v", p, err)
		}
	}
}

func TestNewRunConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"no mode", Options{WorkDir: "testdir"}},
		{"no workdir", Options{Mode: ModeLocal}},
		{"container without image", Options{Mode: ModeContainer, WorkDir: "testdir"}},
		{"nul arg", Options{Mode: ModeLocal, WorkDir: "testdir", BinaryArgs: []string{"a\x00b"}}},
		{"bad env", Options{Mode: ModeLocal, WorkDir: "testdir", Env: map[string]string{"A=B": "c"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRunConfig(tt.opts)
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
			var verr ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError in chain, got %v", err)
			}
		})
	}
}

func TestRunConfigIsImmutable(t *testing.T) {
	args := UnitTestArgs()
	env := map[string]string{"BOOT_NODES": ""}
	cfg, err := NewRunConfig(Options{Mode: ModeLocal, WorkDir: "testdir", BinaryArgs: args, Env: env})
	if err != nil {
		t.Fatalf("new run config: %v", err)
	}
	args[0] = "--changed"
	env["EXTRA"] = "1"
	got := cfg.BinaryArgs()
	got[1] = "--changed-too"

	if !reflect.DeepEqual(cfg.BinaryArgs(), UnitTestArgs()) {
		t.Fatalf("binary args mutated: %v", cfg.BinaryArgs())
	}
	if _, ok := cfg.Env()["EXTRA"]; ok {
		t.Fatalf("env mutated")
	}
	if cfg.ReadyTimeout() != DefaultReadyTimeout {
		t.Fatalf("expected default timeout, got %s", cfg.ReadyTimeout())
	}
}

func TestInitCommandKeepsArgsVerbatim(t *testing.T) {
	cfg, err := NewRunConfig(Options{Mode: ModeLocal, WorkDir: "testdir", BinaryArgs: UnitTestArgs()})
	if err != nil {
		t.Fatalf("new run config: %v", err)
	}
	cmd := InitCommand("./target/debug/neard", cfg.WorkDir(), cfg)
	want := []string{"--home", "testdir", "init", "--chain-id=", "--test-seed=alice.near", "--account-id=test.near", "--fast"}
	if !reflect.DeepEqual(cmd.Args, want) {
		t.Fatalf("init args = %q, want %q", cmd.Args, want)
	}
	if err := cmd.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestRunCommand(t *testing.T) {
	cfg, err := NewRunConfig(Options{Mode: ModeLocal, WorkDir: "testdir", Verbose: true, BootNodes: "ed25519:abc@1.2.3.4:24567"})
	if err != nil {
		t.Fatalf("new run config: %v", err)
	}
	cmd := RunCommand("neard", "testdir", cfg)
	want := []string{"--home", "testdir", "--verbose", "", "run", "--boot-nodes=ed25519:abc@1.2.3.4:24567"}
	if !reflect.DeepEqual(cmd.Args, want) {
		t.Fatalf("run args = %q, want %q", cmd.Args, want)
	}
}

func TestBuildCommandAndDefaultBinary(t *testing.T) {
	cfg, _ := NewRunConfig(Options{Mode: ModeLocal, WorkDir: "testdir", Release: true})
	cmd := BuildCommand("", "", cfg)
	if cmd.String() != "cargo build --release -p neard" {
		t.Fatalf("unexpected build command %q", cmd.String())
	}
	if got := DefaultBinary(cfg, "/src/nearcore"); got != "/src/nearcore/target/release/neard" {
		t.Fatalf("unexpected binary %q", got)
	}
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"":                 "''",
		"--chain-id=":      "--chain-id=",
		"testdir":          "testdir",
		"a b":              "'a b'",
		"it's":             `'it'"'"'s'`,
		"$(rm -rf /)":      "'$(rm -rf /)'",
		"alice.near@x:1,2": "alice.near@x:1,2",
	}
	for in, want := range tests {
		if got := ShellQuote(in); got != want {
			t.Errorf("ShellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHandleStopIsIdempotent(t *testing.T) {
	p := newFakeProcess()
	h := newTestHandle(p)
	if !h.IsRunning() {
		t.Fatalf("expected running handle")
	}
	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if n := atomic.LoadInt32(&p.kills); n != 1 {
		t.Fatalf("expected one kill, got %d", n)
	}
	if h.IsRunning() {
		t.Fatalf("expected stopped handle")
	}
}

func TestHandleStopReportsKillFailure(t *testing.T) {
	p := newFakeProcess()
	p.killErr = errors.New("permission denied")
	h := newTestHandle(p)
	err := h.Stop(context.Background())
	if !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
	if again := h.Stop(context.Background()); again != err {
		t.Fatalf("second stop returned %v, want cached %v", again, err)
	}
}

func TestHandleConcurrentStopWaitsForKill(t *testing.T) {
	p := newFakeProcess()
	p.block = make(chan struct{})
	p.killErr = errors.New("kill failed")
	h := newTestHandle(p)

	first := make(chan error, 1)
	go func() { first <- h.Stop(context.Background()) }()
	for atomic.LoadInt32(&p.kills) == 0 {
		time.Sleep(time.Millisecond)
	}
	second := make(chan error, 1)
	go func() { second <- h.Stop(context.Background()) }()
	select {
	case err := <-second:
		t.Fatalf("second stop returned before the kill finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(p.block)
	err1, err2 := <-first, <-second
	if !errors.Is(err1, ErrIO) || err2 != err1 {
		t.Fatalf("expected both callers to see %v, got %v", err1, err2)
	}
	if n := atomic.LoadInt32(&p.kills); n != 1 {
		t.Fatalf("expected one kill, got %d", n)
	}
}

func TestHandleExitedProcessIsNotRunning(t *testing.T) {
	p := newFakeProcess()
	h := newTestHandle(p)
	p.exit()
	if h.IsRunning() {
		t.Fatalf("expected not running after exit")
	}
	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("stop after exit: %v", err)
	}
}

func TestDialAddr(t *testing.T) {
	tests := []struct {
		listen, host, want string
	}{
		{"0.0.0.0:3030", "", "127.0.0.1:3030"},
		{"0.0.0.0:3030", "10.0.0.5", "10.0.0.5:3030"},
		{"127.0.0.1:3031", "10.0.0.5", "10.0.0.5:3031"},
		{"192.168.1.2:3030", "", "192.168.1.2:3030"},
	}
	for _, tt := range tests {
		got, err := DialAddr(tt.listen, tt.host)
		if err != nil {
			t.Fatalf("DialAddr(%q): %v", tt.listen, err)
		}
		if got != tt.want {
			t.Errorf("DialAddr(%q, %q) = %q, want %q", tt.listen, tt.host, got, tt.want)
		}
	}
}

func TestReadHomeConfig(t *testing.T) {
	dir := t.TempDir()
	hc, err := ReadHomeConfig(dir)
	if err != nil {
		t.Fatalf("read missing config: %v", err)
	}
	if port, _ := hc.RPCPort(); port != 3030 {
		t.Fatalf("expected default rpc port, got %d", port)
	}

	body := `{"chain_id":"test-chain-x","rpc":{"addr":"0.0.0.0:4040"},"network":{"addr":"0.0.0.0:25000"}}`
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	hc, err = ReadHomeConfig(dir)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if port, _ := hc.NetworkPort(); port != 25000 {
		t.Fatalf("expected network port 25000, got %d", port)
	}
	if hc.ChainID != "test-chain-x" {
		t.Fatalf("unexpected chain id %q", hc.ChainID)
	}
}
