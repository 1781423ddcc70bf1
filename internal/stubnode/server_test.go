package stubnode

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestStatus tests the status endpoint
func TestStatus(t *testing.T) {
	srv := &Server{Version: "test", ChainID: "test-chain-abc", AccountID: "test.near"}
	mux := http.NewServeMux()
	srv.routes(mux)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	mux.ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("status %d", rr.Code)
	}
	var resp StatusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Version.Version != "test" {
		t.Fatalf("version mismatch")
	}
	if resp.ChainID != "test-chain-abc" {
		t.Fatalf("chain id mismatch: %s", resp.ChainID)
	}
	if len(resp.Validators) != 1 || resp.Validators[0].AccountID != "test.near" {
		t.Fatalf("unexpected validators %+v", resp.Validators)
	}
	if resp.SyncInfo.LatestBlockHeight != 1 {
		t.Fatalf("expected height 1, got %d", resp.SyncInfo.LatestBlockHeight)
	}
}

// TestInitWritesHome tests the init subcommand
func TestInitWritesHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "testdir")
	args := []string{"--home", home, "init", "--chain-id=", "--test-seed=alice.near", "--account-id=test.near", "--fast"}
	var stdout, stderr bytes.Buffer
	if code := Main(args, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code %d: %s", code, stderr.String())
	}

	var hc homeConfig
	readJSON(t, filepath.Join(home, "config.json"), &hc)
	if !strings.HasPrefix(hc.ChainID, "test-chain-") {
		t.Fatalf("expected generated test chain id, got %q", hc.ChainID)
	}
	if !hc.Fast {
		t.Fatalf("expected fast mode recorded")
	}

	var vk keyFile
	readJSON(t, filepath.Join(home, "validator_key.json"), &vk)
	if vk.AccountID != "test.near" || !strings.HasPrefix(vk.PublicKey, "ed25519:") {
		t.Fatalf("unexpected validator key %+v", vk)
	}
	again, _ := newKey("test.near", "alice.near")
	if again.PublicKey != vk.PublicKey {
		t.Fatalf("seeded key is not deterministic")
	}

	var recorded []string
	readJSON(t, filepath.Join(home, InitArgsFile), &recorded)
	if !reflect.DeepEqual(recorded, args[3:]) {
		t.Fatalf("recorded args %q, want %q", recorded, args[3:])
	}
}

// TestRunServesStatus tests the run loop
func TestRunServesStatus(t *testing.T) {
	home := t.TempDir()
	if err := writeHome(home, initOptions{AccountID: "test.near", Seed: "alice.near"}); err != nil {
		t.Fatalf("write home: %v", err)
	}
	var hc homeConfig
	readJSON(t, filepath.Join(home, "config.json"), &hc)

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- run(ctx, home, out) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get("http://" + hc.RPC.Addr + "/status")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("stub never served /status: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), ReadyLine) {
		t.Fatalf("ready line not printed: %q", out.String())
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("parse %s: %v", path, err)
	}
}
