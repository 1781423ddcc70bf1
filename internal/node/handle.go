package node

import (
	"bufio"
	"context"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Process is the launcher-specific side of a running node.
type Process interface {
	// ID is the pid, container id or remote session id.
	ID() string
	// Kill terminates the node. A node that already exited is not an error.
	Kill(ctx context.Context) error
	// Exited is closed once the node has exited.
	Exited() <-chan struct{}
	// ExitErr is the exit status, valid after Exited is closed.
	ExitErr() error
}

// HandleOptions describes a freshly launched node.
type HandleOptions struct {
	// RunID defaults to a new uuid.
	RunID   string
	Mode    Mode
	WorkDir string
	RPCAddr string
	Verbose bool
	Process Process
}

// Handle is the caller's grip on a launched node. It is valid between a
// successful launch and Stop.
type Handle struct {
	runID     string
	mode      Mode
	workDir   string
	rpcAddr   string
	startedAt time.Time
	verbose   bool
	proc      Process
	lines     *lineWatch

	mu       sync.Mutex
	stopped  bool
	stopCh   chan struct{}
	stopDone chan struct{}
	stopErr  error
}

// NewHandle wraps a started process.
func NewHandle(opts HandleOptions) *Handle {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	return &Handle{
		runID:     opts.RunID,
		mode:      opts.Mode,
		workDir:   opts.WorkDir,
		rpcAddr:   opts.RPCAddr,
		startedAt: time.Now(),
		verbose:   opts.Verbose,
		proc:      opts.Process,
		lines:     newLineWatch(),
		stopCh:    make(chan struct{}),
		stopDone:  make(chan struct{}),
	}
}

type runIDKey struct{}

// WithRunID attaches the id of the run being launched to ctx. Launchers pass
// it on to the handle.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFrom returns the run id attached by WithRunID, or "".
func RunIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

func (h *Handle) RunID() string        { return h.runID }
func (h *Handle) ID() string           { return h.proc.ID() }
func (h *Handle) Mode() Mode           { return h.mode }
func (h *Handle) WorkDir() string      { return h.workDir }
func (h *Handle) RPCAddr() string      { return h.rpcAddr }
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed when the node process exits.
func (h *Handle) Done() <-chan struct{} { return h.proc.Exited() }

// Stopped is closed by the first call to Stop.
func (h *Handle) Stopped() <-chan struct{} { return h.stopCh }

// IsRunning reports whether the node is alive and not stopped.
func (h *Handle) IsRunning() bool {
	h.mu.Lock()
	stopped := h.stopped
	h.mu.Unlock()
	if stopped {
		return false
	}
	select {
	case <-h.proc.Exited():
		return false
	default:
		return true
	}
}

// Stop terminates the node. Later calls wait for the first one to finish and
// return its result. It is safe to call concurrently with a readiness wait.
func (h *Handle) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		select {
		case <-h.stopDone:
		case <-ctx.Done():
			return IOError("stop node", ctx.Err())
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.stopErr
	}
	h.stopped = true
	close(h.stopCh)
	h.mu.Unlock()

	var err error
	if kerr := h.proc.Kill(ctx); kerr != nil {
		err = IOError("stop node", kerr)
	}
	log.Debug().Str("run", h.runID).Str("node", h.proc.ID()).Err(err).Msg("Node stopped")

	h.mu.Lock()
	h.stopErr = err
	h.mu.Unlock()
	close(h.stopDone)
	return err
}

// Wait blocks until the node exits or ctx is done and returns the exit status.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.proc.Exited():
		return h.proc.ExitErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pump reads r line by line into the log and the readiness line watch until
// EOF. Launchers run one pump per output stream.
func (h *Handle) Pump(r io.Reader, stream string) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		h.lines.feed(line)
		ev := log.Debug()
		if h.verbose {
			ev = log.Info()
		}
		ev.Str("node", h.proc.ID()).Str("stream", stream).Msg(line)
	}
	if err := sc.Err(); err != nil && err != io.ErrClosedPipe {
		// keep the writer from blocking once lines can no longer be split
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}

// Tail returns up to n of the most recent output lines.
func (h *Handle) Tail(n int) []string { return h.lines.tail(n) }

func (h *Handle) matchLine(re *regexp.Regexp) (<-chan struct{}, func()) {
	return h.lines.match(re)
}

func (h *Handle) isStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}
