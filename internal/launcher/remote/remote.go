// Package remote launches the node on another host over SSH. The node home
// is reset over SFTP and the node runs in an SSH session.
package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/testnode/internal/launcher"
	"github.com/3cpo-dev/testnode/internal/node"
	gssh "github.com/3cpo-dev/testnode/internal/ssh"
)

type Launcher struct {
	cfg launcher.Config
}

func New(cfg launcher.Config) *Launcher {
	cfg.Defaults()
	return &Launcher{cfg: cfg}
}

func (l *Launcher) Name() node.Mode { return node.ModeRemote }

func (l *Launcher) client() (*gssh.Client, error) {
	r := l.cfg.Remote
	if r.Host == "" {
		return nil, errors.New("remote host is not configured")
	}
	user := r.User
	if user == "" {
		user = os.Getenv("USER")
	}
	signer, err := gssh.LoadPrivateKeySigner(r.KeyPath)
	if err != nil {
		return nil, err
	}
	kh, err := gssh.LoadKnownHostsCallback(r.KnownHosts)
	if err != nil {
		return nil, err
	}
	return &gssh.Client{
		Addr:       net.JoinHostPort(r.Host, strconv.Itoa(r.Port)),
		User:       user,
		Signer:     signer,
		KnownHosts: kh,
		Timeout:    r.Timeout,
		Retries:    r.Retries,
	}, nil
}

func (l *Launcher) dial(ctx context.Context) (*xssh.Client, error) {
	c, err := l.client()
	if err != nil {
		return nil, node.ConfigError("ssh config", err)
	}
	cli, err := gssh.Dial(ctx, c)
	if err != nil {
		return nil, node.IOError("ssh dial "+c.Addr, err)
	}
	return cli, nil
}

// Prepare empties the working directory on the remote host.
func (l *Launcher) Prepare(ctx context.Context, rc node.RunConfig) error {
	cli, err := l.dial(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()
	if err := gssh.ResetDir(cli, rc.WorkDir()); err != nil {
		return node.IOError("prepare remote workspace", err)
	}
	log.Debug().Str("host", l.cfg.Remote.Host).Str("dir", rc.WorkDir()).Msg("Remote workspace ready")
	return nil
}

func (l *Launcher) Launch(ctx context.Context, rc node.RunConfig) (*node.Handle, error) {
	cli, err := l.dial(ctx)
	if err != nil {
		return nil, err
	}
	launched := false
	defer func() {
		if !launched {
			cli.Close()
		}
	}()

	bin := l.cfg.Remote.Binary
	if l.cfg.Remote.PushBinary {
		if err := l.push(ctx, cli, rc); err != nil {
			return nil, err
		}
	}

	initCmd := withEnv(node.InitCommand(bin, rc.WorkDir(), rc), rc)
	if err := initCmd.Validate(); err != nil {
		return nil, node.ConfigError("init node", err)
	}
	log.Info().Str("host", l.cfg.Remote.Host).Str("cmd", initCmd.String()).Msg("Initialising remote node home")
	if out, err := gssh.RunCommand(ctx, cli, initCmd.String()); err != nil {
		return nil, node.LaunchError("init node", fmt.Errorf("%w: %s", err, strings.TrimSpace(out)))
	}

	if data, err := gssh.ReadFile(cli, path.Join(rc.WorkDir(), node.ValidatorKeyFile)); err == nil {
		if vk, err := node.ParseValidatorKey(data); err == nil {
			log.Info().Str("account", vk.AccountID).Str("public_key", vk.PublicKey).Msg("Stake for user with public key")
		}
	}
	data, err := gssh.ReadFile(cli, path.Join(rc.WorkDir(), node.ConfigFile))
	if errors.Is(err, fs.ErrNotExist) {
		data, err = []byte("{}"), nil
	}
	if err != nil {
		return nil, node.LaunchError("read node config", err)
	}
	hc, err := node.ParseHomeConfig(data)
	if err != nil {
		return nil, node.LaunchError("read node config", err)
	}
	rpcAddr, err := node.DialAddr(hc.RPC.Addr, l.cfg.Remote.Host)
	if err != nil {
		return nil, node.LaunchError("read node config", err)
	}

	session, err := cli.NewSession()
	if err != nil {
		return nil, node.LaunchError("start node", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, node.LaunchError("start node", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, node.LaunchError("start node", err)
	}
	runCmd := withEnv(node.RunCommand(bin, rc.WorkDir(), rc), rc)
	log.Info().Str("host", l.cfg.Remote.Host).Str("cmd", runCmd.String()).Msg("Starting remote node")
	// the shell reports its pid and then becomes the node
	if err := session.Start("echo $$; exec " + runCmd.String()); err != nil {
		session.Close()
		return nil, node.LaunchError("start node", err)
	}
	out := bufio.NewReader(stdout)
	line, err := out.ReadString('\n')
	pid := strings.TrimSpace(line)
	if _, perr := strconv.Atoi(pid); err != nil || perr != nil {
		session.Close()
		return nil, node.LaunchError("start node", fmt.Errorf("read remote pid: %q: %v", line, err))
	}

	proc := &process{
		cli:     cli,
		session: session,
		host:    l.cfg.Remote.Host,
		pid:     pid,
		grace:   l.cfg.Remote.StopGrace,
		exited:  make(chan struct{}),
	}
	h := node.NewHandle(node.HandleOptions{
		RunID:   node.RunIDFrom(ctx),
		Mode:    node.ModeRemote,
		WorkDir: rc.WorkDir(),
		RPCAddr: rpcAddr,
		Verbose: rc.Verbose(),
		Process: proc,
	})

	var g errgroup.Group
	g.Go(func() error { return h.Pump(out, "stdout") })
	g.Go(func() error { return h.Pump(stderr, "stderr") })
	go func() {
		err := session.Wait()
		if perr := g.Wait(); perr != nil {
			log.Warn().Err(perr).Msg("Reading remote node output failed")
		}
		proc.finish(err)
	}()
	launched = true
	return h, nil
}

// push uploads the local binary to the remote binary path and checks that
// the copy matches.
func (l *Launcher) push(ctx context.Context, cli *xssh.Client, rc node.RunConfig) error {
	local := rc.Binary()
	if local == "" {
		local = l.cfg.Local.Binary
	}
	if local == "" {
		return node.ConfigError("push binary", errors.New("no local binary to push"))
	}
	sum, err := gssh.Checksum(local)
	if err != nil {
		return node.IOError("push binary", err)
	}
	start := time.Now()
	if err := gssh.PushFile(ctx, cli, local, l.cfg.Remote.Binary, 0o755); err != nil {
		return node.IOError("push binary", err)
	}
	if err := gssh.VerifyRemoteChecksum(ctx, cli, l.cfg.Remote.Binary, sum); err != nil {
		return node.LaunchError("push binary", err)
	}
	log.Info().Str("host", l.cfg.Remote.Host).Str("path", l.cfg.Remote.Binary).Dur("took", time.Since(start)).Msg("Binary pushed")
	return nil
}

// withEnv prefixes c with env(1) so variables reach the node without
// relying on the server accepting SSH env requests.
func withEnv(c node.Command, rc node.RunConfig) node.Command {
	env := rc.EnvList()
	if len(env) == 0 {
		return c
	}
	args := append(env, c.Argv()...)
	return node.Command{Path: "env", Args: args}
}

type process struct {
	cli     *xssh.Client
	session *xssh.Session
	host    string
	pid     string
	grace   time.Duration
	exited  chan struct{}

	mu      sync.Mutex
	exitErr error
}

func (p *process) ID() string { return p.host + ":" + p.pid }

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
	_ = p.cli.Close()
}

// Kill sends SIGTERM to the remote pid, waits for the grace period and then
// sends SIGKILL.
func (p *process) Kill(ctx context.Context) error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	if out, err := gssh.RunCommand(ctx, p.cli, "kill -TERM "+p.pid); err != nil {
		log.Debug().Err(err).Str("output", out).Str("node", p.ID()).Msg("SIGTERM failed")
	}

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-p.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	select {
	case <-p.exited:
		return nil
	default:
	}

	log.Warn().Str("node", p.ID()).Dur("grace", p.grace).Msg("Remote node ignored SIGTERM, killing")
	_, kerr := gssh.RunCommand(context.Background(), p.cli, "kill -KILL "+p.pid)
	if kerr != nil && !p.alive() {
		kerr = nil
	}
	_ = p.session.Close()
	<-p.exited
	if kerr != nil {
		return fmt.Errorf("kill remote node: %w", kerr)
	}
	return nil
}

// alive reports whether the remote pid still exists.
func (p *process) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
	}
	_, err := gssh.RunCommand(context.Background(), p.cli, "kill -0 "+p.pid)
	return err == nil
}
