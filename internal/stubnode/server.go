package stubnode

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/3cpo-dev/testnode/internal/telemetry"
)

// Server answers the RPC endpoints a real node exposes for health checks.
type Server struct {
	Version   string
	ChainID   string
	AccountID string
	Addr      string

	height atomic.Uint64
	srv    *http.Server
}

// Routes for the server
func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		_ = r.Body.Close()

		telemetry.CounterGlobal("testnode_stub_status_requests", 1, map[string]string{
			"component": "stubnode",
			"endpoint":  "status",
		})

		resp := StatusResponse{
			Version:  VersionInfo{Version: s.Version, Build: "stub"},
			ChainID:  s.ChainID,
			RPCAddr:  s.Addr,
			SyncInfo: SyncInfo{LatestBlockHeight: s.height.Add(1), LatestBlockTime: time.Now().UTC()},
		}
		if s.AccountID != "" {
			resp.Validators = []Validator{{AccountID: s.AccountID}}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)

		telemetry.TimerGlobal("testnode_stub_request_duration", time.Since(start), map[string]string{
			"component": "stubnode",
			"endpoint":  "status",
		})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_ = r.Body.Close()
		w.WriteHeader(http.StatusOK)
	})
}

// Listen binds the server's address and returns the bound address.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.Addr, err)
	}
	s.Addr = ln.Addr().String()
	mux := http.NewServeMux()
	s.routes(mux)
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return ln, nil
}

// Serve handles requests on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if s.srv == nil {
		return fmt.Errorf("server not listening")
	}
	if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return fmt.Errorf("server not running")
	}
	return s.srv.Shutdown(ctx)
}
