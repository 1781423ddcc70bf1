// Package local launches the node as a child process of the CLI.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/testnode/internal/launcher"
	"github.com/3cpo-dev/testnode/internal/node"
)

type Launcher struct {
	cfg launcher.Config
}

func New(cfg launcher.Config) *Launcher {
	cfg.Defaults()
	return &Launcher{cfg: cfg}
}

func (l *Launcher) Name() node.Mode { return node.ModeLocal }

func (l *Launcher) Prepare(ctx context.Context, rc node.RunConfig) error {
	return node.PrepareWorkspace(rc.WorkDir())
}

// binary resolves the neard path: the run config wins over the config file,
// which wins over cargo's target directory.
func (l *Launcher) binary(rc node.RunConfig) string {
	if rc.Binary() != "" {
		return rc.Binary()
	}
	if l.cfg.Local.Binary != "" {
		return l.cfg.Local.Binary
	}
	return node.DefaultBinary(rc, l.cfg.Local.SourceDir)
}

func (l *Launcher) Launch(ctx context.Context, rc node.RunConfig) (*node.Handle, error) {
	if rc.Build() {
		if err := l.build(ctx, rc); err != nil {
			return nil, err
		}
	}
	bin := l.binary(rc)
	env := append(os.Environ(), rc.EnvList()...)

	initCmd := node.InitCommand(bin, rc.WorkDir(), rc)
	if err := initCmd.Validate(); err != nil {
		return nil, node.ConfigError("init node", err)
	}
	log.Info().Str("cmd", initCmd.String()).Msg("Initialising node home")
	if err := runToCompletion(ctx, initCmd, "", env); err != nil {
		return nil, node.LaunchError("init node", err)
	}

	if vk, err := node.ReadValidatorKey(rc.WorkDir()); err == nil {
		log.Info().Str("account", vk.AccountID).Str("public_key", vk.PublicKey).Msg("Stake for user with public key")
	} else {
		log.Warn().Err(err).Msg("No validator key in node home")
	}

	hc, err := node.ReadHomeConfig(rc.WorkDir())
	if err != nil {
		return nil, node.LaunchError("read node config", err)
	}
	rpcAddr, err := node.DialAddr(hc.RPC.Addr, "")
	if err != nil {
		return nil, node.LaunchError("read node config", err)
	}

	runCmd := node.RunCommand(bin, rc.WorkDir(), rc)
	cmd := exec.Command(runCmd.Path, runCmd.Args...)
	cmd.Env = env
	cmd.WaitDelay = 2 * time.Second
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	log.Info().Str("cmd", runCmd.String()).Msg("Starting node")
	if err := cmd.Start(); err != nil {
		outW.Close()
		errW.Close()
		return nil, node.LaunchError("start node", err)
	}

	proc := &process{cmd: cmd, exited: make(chan struct{}), grace: l.cfg.Local.StopGrace}
	h := node.NewHandle(node.HandleOptions{
		RunID:   node.RunIDFrom(ctx),
		Mode:    node.ModeLocal,
		WorkDir: rc.WorkDir(),
		RPCAddr: rpcAddr,
		Verbose: rc.Verbose(),
		Process: proc,
	})

	var g errgroup.Group
	g.Go(func() error { return h.Pump(outR, "stdout") })
	g.Go(func() error { return h.Pump(errR, "stderr") })
	go func() {
		err := cmd.Wait()
		outW.Close()
		errW.Close()
		if perr := g.Wait(); perr != nil {
			log.Warn().Err(perr).Msg("Reading node output failed")
		}
		proc.finish(err)
	}()
	return h, nil
}

func (l *Launcher) build(ctx context.Context, rc node.RunConfig) error {
	c := node.BuildCommand(l.cfg.Local.Cargo, l.cfg.Local.Package, rc)
	log.Info().Str("cmd", c.String()).Str("profile", rc.Profile()).Msg("Compiling node")
	if err := runToCompletion(ctx, c, l.cfg.Local.SourceDir, nil); err != nil {
		return node.LaunchError("compile node", err)
	}
	return nil
}

// runToCompletion runs a short-lived command and folds the tail of its output
// into the error.
func runToCompletion(ctx context.Context, c node.Command, dir string, env []string) error {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = dir
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", c.Path, err, tail(string(out), 2048))
	}
	log.Debug().Str("cmd", c.Path).Int("output_bytes", len(out)).Msg("Command finished")
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}

type process struct {
	cmd    *exec.Cmd
	grace  time.Duration
	exited chan struct{}

	mu      sync.Mutex
	exitErr error
}

func (p *process) ID() string { return strconv.Itoa(p.cmd.Process.Pid) }

func (p *process) Exited() <-chan struct{} { return p.exited }

func (p *process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *process) finish(err error) {
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	close(p.exited)
}

// Kill sends SIGTERM, waits for the grace period and then SIGKILL.
func (p *process) Kill(ctx context.Context) error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("send SIGTERM: %w", err)
	}

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-p.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	log.Warn().Str("pid", p.ID()).Dur("grace", p.grace).Msg("Node ignored SIGTERM, killing")
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill: %w", err)
	}
	<-p.exited
	return nil
}
