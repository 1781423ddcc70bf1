package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"
)

var errNotReady = errors.New("not ready")

// Probe checks for a readiness signal. Check returns nil once the node is
// ready.
type Probe interface {
	Name() string
	Check(ctx context.Context, h *Handle) error
}

// Notifier is implemented by probes that are pushed the signal instead of
// polling for it.
type Notifier interface {
	Notify(h *Handle) (<-chan struct{}, func())
}

type validator interface {
	Validate() error
}

// HTTPProbe expects a 200 from the node's RPC status endpoint.
type HTTPProbe struct {
	// URL overrides http://<rpc addr>/status.
	URL    string
	Client *http.Client
}

func (p HTTPProbe) Name() string { return "http" }

func (p HTTPProbe) Check(ctx context.Context, h *Handle) error {
	url := p.URL
	if url == "" {
		if h.RPCAddr() == "" {
			return errors.New("node has no rpc address")
		}
		url = "http://" + h.RPCAddr() + "/status"
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// TCPProbe expects the address to accept connections.
type TCPProbe struct {
	// Addr overrides the node's RPC address.
	Addr string
}

func (p TCPProbe) Name() string { return "tcp" }

func (p TCPProbe) Check(ctx context.Context, h *Handle) error {
	addr := p.Addr
	if addr == "" {
		addr = h.RPCAddr()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// LogProbe waits for an output line matching Pattern.
type LogProbe struct {
	Pattern *regexp.Regexp
}

func (p LogProbe) Name() string { return "log" }

func (p LogProbe) Check(context.Context, *Handle) error { return errNotReady }

func (p LogProbe) Validate() error {
	if p.Pattern == nil {
		return errors.New("log probe needs a pattern")
	}
	return nil
}

func (p LogProbe) Notify(h *Handle) (<-chan struct{}, func()) {
	if p.Pattern == nil {
		return nil, func() {}
	}
	return h.matchLine(p.Pattern)
}

// Waiter blocks until a node signals readiness, for at most one window.
type Waiter struct {
	Timeout      time.Duration
	ProbeTimeout time.Duration
	Backoff      Backoff
}

// NewWaiter returns a waiter with the given window and default pacing.
func NewWaiter(timeout time.Duration) *Waiter {
	return &Waiter{Timeout: timeout, ProbeTimeout: 2 * time.Second, Backoff: DefaultBackoff()}
}

// Wait returns nil once probe reports the node ready. It fails with
// ErrTimeout when the window elapses, ErrCanceled when the handle is stopped
// or ctx is done, ErrLaunch when the node exits first and ErrInvalidState
// when the handle was already stopped.
func (w *Waiter) Wait(ctx context.Context, h *Handle, probe Probe) error {
	const op = "wait for readiness"
	if v, ok := probe.(validator); ok {
		if err := v.Validate(); err != nil {
			return newError(ErrConfig, op, err)
		}
	}
	if h.isStopped() {
		return newError(ErrInvalidState, op, errors.New("handle is stopped"))
	}
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	probeTimeout := w.ProbeTimeout
	if probeTimeout <= 0 || probeTimeout > timeout {
		probeTimeout = timeout
	}

	start := time.Now()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	waitCtx, cancel := context.WithDeadline(ctx, start.Add(timeout))
	defer cancel()
	go func() {
		select {
		case <-h.Stopped():
			cancel()
		case <-waitCtx.Done():
		}
	}()

	var notify <-chan struct{}
	if n, ok := probe.(Notifier); ok {
		ch, release := n.Notify(h)
		defer release()
		notify = ch
	}

	for attempt := 0; ; attempt++ {
		pctx, pcancel := context.WithTimeout(waitCtx, probeTimeout)
		err := probe.Check(pctx, h)
		pcancel()
		if err == nil && !h.isStopped() {
			log.Debug().Str("probe", probe.Name()).Dur("elapsed", time.Since(start)).Msg("Node ready")
			return nil
		}
		if err != nil && err != errNotReady {
			log.Trace().Str("probe", probe.Name()).Err(err).Int("attempt", attempt+1).Msg("Node not ready")
		}

		poll := time.NewTimer(w.Backoff.Delay(attempt))
		select {
		case <-notify:
			poll.Stop()
			if h.isStopped() {
				return newError(ErrCanceled, op, errors.New("handle stopped"))
			}
			log.Debug().Str("probe", probe.Name()).Dur("elapsed", time.Since(start)).Msg("Node ready")
			return nil
		case <-h.Stopped():
			poll.Stop()
			return newError(ErrCanceled, op, errors.New("handle stopped"))
		case <-h.Done():
			poll.Stop()
			if h.isStopped() {
				return newError(ErrCanceled, op, errors.New("handle stopped"))
			}
			return newError(ErrLaunch, op, fmt.Errorf("node exited before ready: %v", h.proc.ExitErr()))
		case <-deadline.C:
			poll.Stop()
			return newError(ErrTimeout, op, fmt.Errorf("no readiness signal after %s", timeout))
		case <-ctx.Done():
			poll.Stop()
			return newError(ErrCanceled, op, ctx.Err())
		case <-poll.C:
		}
	}
}
