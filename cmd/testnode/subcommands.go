package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/testnode/internal/core"
	"github.com/3cpo-dev/testnode/internal/launcher"
	"github.com/3cpo-dev/testnode/internal/launcher/container"
	"github.com/3cpo-dev/testnode/internal/launcher/local"
	"github.com/3cpo-dev/testnode/internal/launcher/remote"
	"github.com/3cpo-dev/testnode/internal/node"
	gssh "github.com/3cpo-dev/testnode/internal/ssh"
	"github.com/3cpo-dev/testnode/internal/telemetry"
)

// stopTimeout bounds the stop issued when the CLI exits.
const stopTimeout = 30 * time.Second

type app struct {
	cfg   launcher.Config
	store *core.Store
	orch  *core.Orchestrator
}

// Resolve config, run history and launchers
func newApp(cmd *cobra.Command) (*app, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return nil, node.ConfigError("load config", err)
	}
	store, err := core.NewStore(cfg.Store.Path)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.Store.Path).Msg("Run history unavailable")
		store = nil
	}
	metrics := telemetry.InitGlobal(cfg.Telemetry.Enabled, 0)

	reg := launcher.NewRegistry()
	reg.Register(local.New(cfg))
	reg.Register(remote.New(cfg))
	if cl, err := container.NewFromEnv(cfg); err != nil {
		log.Warn().Err(err).Msg("Container mode unavailable")
	} else {
		reg.Register(cl)
	}
	return &app{cfg: cfg, store: store, orch: core.NewOrchestrator(reg, store, metrics)}, nil
}

func (a *app) Close() {
	if err := telemetry.Shutdown(); err != nil {
		log.Debug().Err(err).Msg("Telemetry shutdown failed")
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// Flags shared by unittest and start
func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().String("image", node.DefaultImage, "container image")
	cmd.Flags().Bool("release", false, "use the release build of the local binary")
	cmd.Flags().Bool("verbose", false, "stream node output and log at debug level")
	cmd.Flags().Bool("build", false, "build the local binary with cargo before launching")
	cmd.Flags().String("binary", "", "path to the node binary (local and remote push)")
	cmd.Flags().Bool("detach", false, "leave a container node running after it is ready")
	cmd.Flags().Duration("timeout", 0, "readiness window (default from config)")
	cmd.Flags().String("probe", "", "readiness probe: http, tcp or log (default from config)")
	cmd.Flags().String("log-pattern", "", "output line that marks readiness for the log probe")
	cmd.Flags().String("boot-nodes", "", "boot nodes passed to the node")
	cmd.Flags().String("telemetry-url", "", "telemetry url passed to the node")
}

type runRequest struct {
	opts       node.Options
	probe      string
	logPattern string
	detach     bool

	// set when the value came from the command line and beats the config file
	modeSet, workDirSet, imageSet bool
}

func readRunFlags(cmd *cobra.Command, mode node.Mode, modeSet bool, workdir string, args []string) runRequest {
	image, _ := cmd.Flags().GetString("image")
	release, _ := cmd.Flags().GetBool("release")
	verbose, _ := cmd.Flags().GetBool("verbose")
	build, _ := cmd.Flags().GetBool("build")
	binary, _ := cmd.Flags().GetString("binary")
	detach, _ := cmd.Flags().GetBool("detach")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	probe, _ := cmd.Flags().GetString("probe")
	pattern, _ := cmd.Flags().GetString("log-pattern")
	bootNodes, _ := cmd.Flags().GetString("boot-nodes")
	telemetryURL, _ := cmd.Flags().GetString("telemetry-url")
	return runRequest{
		opts: node.Options{
			Mode:         mode,
			Image:        image,
			WorkDir:      workdir,
			Binary:       binary,
			BinaryArgs:   args,
			Release:      release,
			Verbose:      verbose,
			Build:        build,
			BootNodes:    bootNodes,
			TelemetryURL: telemetryURL,
			ReadyTimeout: timeout,
		},
		probe:      probe,
		logPattern: pattern,
		detach:     detach,
		modeSet:    modeSet,
		workDirSet: cmd.Flags().Changed("workdir"),
		imageSet:   cmd.Flags().Changed("image"),
	}
}

// resolve fills what the command line left open from cfg and validates the
// result. It has no side effects.
func (req runRequest) resolve(cfg launcher.Config) (node.RunConfig, node.Probe, error) {
	opts := req.opts
	if !req.modeSet && cfg.Mode != "" {
		opts.Mode = node.Mode(cfg.Mode)
	}
	if !req.workDirSet && cfg.WorkDir != "" {
		opts.WorkDir = cfg.WorkDir
	}
	if !req.imageSet && cfg.Image != "" {
		opts.Image = cfg.Image
	}
	if opts.ReadyTimeout == 0 {
		opts.ReadyTimeout = cfg.Readiness.Timeout
	}
	env, err := core.LoadEnvFile(cfg.EnvFile)
	if err != nil {
		return node.RunConfig{}, nil, node.ConfigError("load env file", err)
	}
	opts.Env = env

	rc, err := node.NewRunConfig(opts)
	if err != nil {
		return node.RunConfig{}, nil, err
	}
	probe, err := newProbe(cfg, req.probe, req.logPattern)
	if err != nil {
		return node.RunConfig{}, nil, err
	}
	if req.detach && rc.Mode() != node.ModeContainer {
		return node.RunConfig{}, nil, node.ConfigError("run", fmt.Errorf("--detach needs container mode, got %s", rc.Mode()))
	}
	return rc, probe, nil
}

// Launch the node and hold it until interrupted
func runNode(cmd *cobra.Command, req runRequest) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	rc, probe, err := req.resolve(a.cfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	start := time.Now()
	h, err := a.orch.Run(ctx, rc, probe)
	if err != nil {
		return err
	}
	telemetry.TimerGlobal("testnode_bootstrap_duration", time.Since(start), map[string]string{"mode": string(rc.Mode())})
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s ready: node %s, rpc http://%s\n", h.RunID(), h.ID(), h.RPCAddr())
	if req.detach {
		fmt.Fprintf(out, "stop it with: testnode stop %s\n", h.RunID())
		return nil
	}

	var exitErr error
	select {
	case <-ctx.Done():
		log.Info().Str("run", h.RunID()).Msg("Interrupted, stopping node")
	case <-h.Done():
		exitErr = h.Wait(ctx)
		log.Warn().Err(exitErr).Str("run", h.RunID()).Msg("Node exited")
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if err := a.orch.Stop(sctx, h); err != nil {
		return err
	}
	if exitErr != nil {
		return node.LaunchError("node exited", exitErr)
	}
	return nil
}

// newProbe builds the readiness probe, preferring flags over the config file.
func newProbe(cfg launcher.Config, kind, pattern string) (node.Probe, error) {
	if kind == "" {
		kind = cfg.Readiness.Probe
	}
	if pattern == "" {
		pattern = cfg.Readiness.LogPattern
	}
	switch kind {
	case "", "http":
		return node.HTTPProbe{}, nil
	case "tcp":
		return node.TCPProbe{}, nil
	case "log":
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, node.ConfigError("readiness probe", err)
		}
		return node.LogProbe{Pattern: re}, nil
	}
	return nil, node.ConfigError("readiness probe", fmt.Errorf("unknown probe %q (http, tcp or log)", kind))
}

// Bootstrap the unittest node
func newUnittestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unittest",
		Short: "Start a fresh single-validator test node in ./testdir",
		Long: "Recreates ./testdir, initialises it with an empty chain id, the alice.near test seed, " +
			"the test.near account and fast block production, then runs the node in a container " +
			"(or locally with --local) until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := node.ModeContainer
			isLocal, _ := cmd.Flags().GetBool("local")
			if isLocal {
				mode = node.ModeLocal
			}
			return runNode(cmd, readRunFlags(cmd, mode, isLocal, node.DefaultWorkDir, node.UnitTestArgs()))
		},
	}
	cmd.Flags().Bool("local", false, "run the node as a local process instead of a container")
	addRunFlags(cmd)
	return cmd
}

// Start a node with custom init arguments
func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start [flags] [-- init args...]",
		Short: "Start a node with any launch mode and init arguments",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, _ := cmd.Flags().GetString("mode")
			workdir, _ := cmd.Flags().GetString("workdir")
			return runNode(cmd, readRunFlags(cmd, node.Mode(mode), cmd.Flags().Changed("mode"), workdir, args))
		},
	}
	cmd.Flags().String("mode", string(node.ModeContainer), "launch mode: local, container or remote")
	cmd.Flags().String("workdir", node.DefaultWorkDir, "node home, recreated on every start")
	addRunFlags(cmd)
	return cmd
}

// List recorded runs
func newLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			asJSON, _ := cmd.Flags().GetBool("json")
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			runs, err := a.orch.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}
			for _, r := range runs {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Mode, r.Status, r.NodeID, r.RPCAddr, r.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to show")
	cmd.Flags().Bool("json", false, "print runs as JSON")
	return cmd
}

// Stop a detached run
func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <run-id>",
		Short: "Stop a node left running with --detach",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			rec, err := a.orch.StopRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopped %s (%s)\n", rec.ID, rec.NodeID)
			return nil
		},
	}
}

// Initialize configuration and SSH material
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config and SSH key. Run this the first time.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = core.DefaultConfigPath()
			}
			var cfg launcher.Config
			cfg.Defaults()
			if err := core.WriteConfig(path, cfg); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return node.IOError("write config", err)
				}
				fmt.Fprintf(out, "config %s exists, keeping it\n", path)
			} else {
				fmt.Fprintf(out, "wrote config %s\n", path)
			}

			loaded, err := core.LoadConfig(path)
			if err != nil {
				return node.ConfigError("load config", err)
			}
			keyPath := loaded.Remote.KeyPath
			if _, err := os.Stat(keyPath); errors.Is(err, os.ErrNotExist) {
				if _, err := gssh.GenerateEd25519Keypair(keyPath); err != nil {
					return node.IOError("generate ssh key", err)
				}
				fmt.Fprintf(out, "generated SSH key %s\n", keyPath)
			} else {
				fmt.Fprintf(out, "SSH key %s exists, keeping it\n", keyPath)
			}
			if err := gssh.EnsureKnownHostsFile(loaded.Remote.KnownHosts); err != nil {
				return node.IOError("prepare known_hosts", err)
			}
			return nil
		},
	}
}

// Record a remote host key
func newTrustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust [host]",
		Short: "Add the remote host's SSH key to known_hosts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return node.ConfigError("load config", err)
			}
			host := cfg.Remote.Host
			if len(args) == 1 {
				host = args[0]
			}
			if host == "" {
				return node.ConfigError("trust", errors.New("no host given and remote.host is not configured"))
			}
			port, _ := cmd.Flags().GetInt("port")
			if port == 0 {
				port = cfg.Remote.Port
			}
			addr := net.JoinHostPort(host, strconv.Itoa(port))
			key, err := gssh.ScanHostKey(cmd.Context(), addr, cfg.Remote.Timeout)
			if err != nil {
				return node.IOError("scan host key", err)
			}
			if err := gssh.AppendKnownHost(cfg.Remote.KnownHosts, addr, string(xssh.MarshalAuthorizedKey(key))); err != nil {
				return node.IOError("update known_hosts", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "trusted %s %s %s\n", addr, key.Type(), xssh.FingerprintSHA256(key))
			return nil
		},
	}
	cmd.Flags().Int("port", 0, "SSH port (default from config)")
	return cmd
}
