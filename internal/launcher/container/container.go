// Package container launches the node in a Docker container with the node
// home bind-mounted from the host.
package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/testnode/internal/launcher"
	"github.com/3cpo-dev/testnode/internal/node"
)

// API is the part of the Docker client the launcher uses.
type API interface {
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

type Launcher struct {
	cfg launcher.Config
	api API
}

// New returns a launcher talking to api.
func New(cfg launcher.Config, api API) *Launcher {
	cfg.Defaults()
	return &Launcher{cfg: cfg, api: api}
}

// NewFromEnv connects to the daemon named by DOCKER_HOST and friends.
func NewFromEnv(cfg launcher.Config) (*Launcher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, node.IOError("connect docker", err)
	}
	return New(cfg, cli), nil
}

func (l *Launcher) Name() node.Mode { return node.ModeContainer }

func (l *Launcher) Prepare(ctx context.Context, rc node.RunConfig) error {
	return node.PrepareWorkspace(rc.WorkDir())
}

func (l *Launcher) Launch(ctx context.Context, rc node.RunConfig) (*node.Handle, error) {
	hostDir, err := filepath.Abs(rc.WorkDir())
	if err != nil {
		return nil, node.IOError("resolve workdir", err)
	}
	if err := l.ensureImage(ctx, rc.Image()); err != nil {
		return nil, err
	}
	if err := l.removeContainer(ctx, l.cfg.Container.Name); err != nil {
		return nil, node.LaunchError("remove old container", err)
	}

	bind := hostDir + ":" + l.cfg.Container.Home
	initCmd := node.InitCommand(l.cfg.Container.Binary, l.cfg.Container.Home, rc)
	if err := initCmd.Validate(); err != nil {
		return nil, node.ConfigError("init node", err)
	}
	log.Info().Str("image", rc.Image()).Str("cmd", initCmd.String()).Msg("Initialising node home in container")
	if err := l.runInit(ctx, rc, initCmd, bind); err != nil {
		return nil, node.LaunchError("init node", err)
	}

	if vk, err := node.ReadValidatorKey(hostDir); err == nil {
		log.Info().Str("account", vk.AccountID).Str("public_key", vk.PublicKey).Msg("Stake for user with public key")
	}
	hc, err := node.ReadHomeConfig(hostDir)
	if err != nil {
		return nil, node.LaunchError("read node config", err)
	}
	ports, bindings, err := portMappings(hc)
	if err != nil {
		return nil, node.LaunchError("read node config", err)
	}
	rpcAddr, err := node.DialAddr(hc.RPC.Addr, "")
	if err != nil {
		return nil, node.LaunchError("read node config", err)
	}

	runCmd := node.RunCommand(l.cfg.Container.Binary, l.cfg.Container.Home, rc)
	created, err := l.api.ContainerCreate(ctx, &container.Config{
		Image:        rc.Image(),
		Cmd:          runCmd.Argv(),
		Env:          containerEnv(rc),
		User:         l.user(),
		ExposedPorts: ports,
	}, &container.HostConfig{
		Binds:         []string{bind},
		PortBindings:  bindings,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyMode(l.cfg.Container.Restart)},
	}, nil, nil, l.cfg.Container.Name)
	if err != nil {
		return nil, node.LaunchError("create container", err)
	}
	if err := l.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = l.removeContainer(context.Background(), created.ID)
		return nil, node.LaunchError("start container", err)
	}
	log.Info().Str("container", shortID(created.ID)).Str("name", l.cfg.Container.Name).Str("rpc", rpcAddr).Msg("Node container started")

	proc := &process{api: l.api, id: created.ID, exited: make(chan struct{})}
	h := node.NewHandle(node.HandleOptions{
		RunID:   node.RunIDFrom(ctx),
		Mode:    node.ModeContainer,
		WorkDir: rc.WorkDir(),
		RPCAddr: rpcAddr,
		Verbose: rc.Verbose(),
		Process: proc,
	})
	l.follow(h, proc)
	return h, nil
}

// Remove force-removes a container left running by a detached run.
func (l *Launcher) Remove(ctx context.Context, id string) error {
	if err := l.removeContainer(ctx, id); err != nil {
		return node.IOError("remove container", err)
	}
	return nil
}

// user runs the containers as the invoking user unless configured, so the
// bind-mounted home stays writable from the host.
func (l *Launcher) user() string {
	if l.cfg.Container.User != "" {
		return l.cfg.Container.User
	}
	return fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())
}

func (l *Launcher) ensureImage(ctx context.Context, ref string) error {
	if _, err := l.api.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	log.Info().Str("image", ref).Msg("Pulling image")
	rd, err := l.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return node.LaunchError("pull image", err)
	}
	defer rd.Close()
	if _, err := io.Copy(io.Discard, rd); err != nil {
		return node.LaunchError("pull image", err)
	}
	return nil
}

func (l *Launcher) removeContainer(ctx context.Context, id string) error {
	err := l.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// runInit runs init in a throwaway container and waits for it to exit.
func (l *Launcher) runInit(ctx context.Context, rc node.RunConfig, c node.Command, bind string) error {
	created, err := l.api.ContainerCreate(ctx, &container.Config{
		Image: rc.Image(),
		Cmd:   c.Argv(),
		Env:   rc.EnvList(),
		User:  l.user(),
	}, &container.HostConfig{Binds: []string{bind}}, nil, nil, "")
	if err != nil {
		return fmt.Errorf("create init container: %w", err)
	}
	defer func() {
		if err := l.removeContainer(context.Background(), created.ID); err != nil {
			log.Warn().Err(err).Str("container", shortID(created.ID)).Msg("Failed to remove init container")
		}
	}()

	if err := l.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start init container: %w", err)
	}
	statusCh, errCh := l.api.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return fmt.Errorf("wait for init container: %w", err)
	case status := <-statusCh:
		if status.Error != nil {
			return errors.New(status.Error.Message)
		}
		if status.StatusCode != 0 {
			return fmt.Errorf("init exited with status %d: %s", status.StatusCode, l.logs(ctx, created.ID))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Launcher) logs(ctx context.Context, id string) string {
	rd, err := l.api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: "20"})
	if err != nil {
		return ""
	}
	defer rd.Close()
	var buf bytes.Buffer
	_, _ = stdcopy.StdCopy(&buf, &buf, rd)
	return string(bytes.TrimSpace(buf.Bytes()))
}

// follow streams container output into the handle and closes the process's
// exited channel when the container stops.
func (l *Launcher) follow(h *node.Handle, proc *process) {
	ctx, cancel := context.WithCancel(context.Background())
	proc.cancel = cancel

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	var g errgroup.Group
	g.Go(func() error { return h.Pump(outR, "stdout") })
	g.Go(func() error { return h.Pump(errR, "stderr") })
	g.Go(func() error {
		defer outW.Close()
		defer errW.Close()
		rd, err := l.api.ContainerLogs(ctx, proc.id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
		if err != nil {
			return err
		}
		defer rd.Close()
		_, err = stdcopy.StdCopy(outW, errW, rd)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	go func() {
		if err := g.Wait(); err != nil {
			log.Debug().Err(err).Str("container", shortID(proc.id)).Msg("Log stream ended")
		}
	}()

	go func() {
		statusCh, errCh := l.api.ContainerWait(ctx, proc.id, container.WaitConditionNotRunning)
		select {
		case status := <-statusCh:
			var err error
			if status.Error != nil {
				err = errors.New(status.Error.Message)
			} else if status.StatusCode != 0 {
				err = fmt.Errorf("container exited with status %d", status.StatusCode)
			}
			proc.finish(err)
		case err := <-errCh:
			proc.finish(err)
		}
	}()
}

func containerEnv(rc node.RunConfig) []string {
	env := rc.EnvList()
	if rc.BootNodes() != "" {
		env = append(env, "BOOT_NODES="+rc.BootNodes())
	}
	if rc.TelemetryURL() != "" {
		env = append(env, "TELEMETRY_URL="+rc.TelemetryURL())
	}
	if rc.Verbose() {
		env = append(env, "VERBOSE=1")
	}
	return env
}

// portMappings publishes the RPC and network ports read from config.json on
// all host interfaces.
func portMappings(hc node.HomeConfig) (nat.PortSet, nat.PortMap, error) {
	ports := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, portOf := range []func() (int, error){hc.RPCPort, hc.NetworkPort} {
		n, err := portOf()
		if err != nil {
			return nil, nil, err
		}
		p := strconv.Itoa(n)
		port, err := nat.NewPort("tcp", p)
		if err != nil {
			return nil, nil, err
		}
		ports[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: p}}
	}
	return ports, bindings, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

type process struct {
	api    API
	id     string
	cancel context.CancelFunc
	exited chan struct{}

	once    sync.Once
	mu      sync.Mutex
	exitErr error
}

func (p *process) ID() string { return p.id }

func (p *process) Exited() <-chan struct{} { return p.exited }

func (p *process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *process) finish(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.exited)
	})
}

// Kill force-removes the container and stops following it.
func (p *process) Kill(ctx context.Context) error {
	err := p.api.ContainerRemove(ctx, p.id, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	p.cancel()
	p.finish(nil)
	return nil
}
