package node

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"
)

// Mode selects how the node is launched.
type Mode string

const (
	ModeLocal     Mode = "local"
	ModeContainer Mode = "container"
	ModeRemote    Mode = "remote"
)

// Defaults used by the unittest preset.
const (
	DefaultImage        = "nearprotocol/nearcore"
	DefaultWorkDir      = "testdir"
	DefaultReadyTimeout = 60 * time.Second
)

// UnitTestArgs are the init flags of the unittest preset: empty chain id,
// alice.near test seed, test.near account and fast mode.
func UnitTestArgs() []string {
	return []string{"--chain-id=", "--test-seed=alice.near", "--account-id=test.near", "--fast"}
}

// Options is the mutable input to NewRunConfig.
type Options struct {
	Mode         Mode
	Image        string
	WorkDir      string
	Binary       string
	BinaryArgs   []string
	Release      bool
	Verbose      bool
	Build        bool
	BootNodes    string
	TelemetryURL string
	Env          map[string]string
	ReadyTimeout time.Duration
}

// RunConfig is the validated, immutable description of one node run. It is
// passed by value; accessors hand out copies of the slice and map fields.
type RunConfig struct {
	mode         Mode
	image        string
	workDir      string
	binary       string
	binaryArgs   []string
	release      bool
	verbose      bool
	build        bool
	bootNodes    string
	telemetryURL string
	env          map[string]string
	readyTimeout time.Duration
}

// NewRunConfig validates opts and freezes them into a RunConfig. The mode is
// not checked against the registered launchers here; selection does that.
func NewRunConfig(opts Options) (RunConfig, error) {
	if opts.Mode == "" {
		return RunConfig{}, ConfigError("new run config", ValidationError{Field: "mode", Message: "mode is required"})
	}
	if opts.Mode == ModeContainer && strings.TrimSpace(opts.Image) == "" {
		return RunConfig{}, ConfigError("new run config", ValidationError{Field: "image", Message: "container mode needs an image"})
	}
	if err := validateWorkDir(opts.WorkDir); err != nil {
		return RunConfig{}, ConfigError("new run config", err)
	}
	for _, a := range opts.BinaryArgs {
		if strings.ContainsRune(a, 0) {
			return RunConfig{}, ConfigError("new run config", ValidationError{Field: "args", Value: a, Message: "argument contains NUL"})
		}
	}
	for k := range opts.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return RunConfig{}, ConfigError("new run config", ValidationError{Field: "env", Value: k, Message: "invalid variable name"})
		}
	}
	timeout := opts.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	return RunConfig{
		mode:         opts.Mode,
		image:        opts.Image,
		workDir:      filepath.Clean(opts.WorkDir),
		binary:       opts.Binary,
		binaryArgs:   slices.Clone(opts.BinaryArgs),
		release:      opts.Release,
		verbose:      opts.Verbose,
		build:        opts.Build,
		bootNodes:    opts.BootNodes,
		telemetryURL: opts.TelemetryURL,
		env:          maps.Clone(opts.Env),
		readyTimeout: timeout,
	}, nil
}

func validateWorkDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return ValidationError{Field: "workdir", Message: "working directory is required"}
	}
	clean := filepath.Clean(dir)
	if clean == "/" || clean == "." || clean == ".." {
		return ValidationError{Field: "workdir", Value: dir, Message: "refusing to recreate this directory"}
	}
	return nil
}

func (c RunConfig) Mode() Mode                  { return c.mode }
func (c RunConfig) Image() string               { return c.image }
func (c RunConfig) WorkDir() string             { return c.workDir }
func (c RunConfig) Binary() string              { return c.binary }
func (c RunConfig) BinaryArgs() []string        { return slices.Clone(c.binaryArgs) }
func (c RunConfig) Release() bool               { return c.release }
func (c RunConfig) Verbose() bool               { return c.verbose }
func (c RunConfig) Build() bool                 { return c.build }
func (c RunConfig) BootNodes() string           { return c.bootNodes }
func (c RunConfig) TelemetryURL() string        { return c.telemetryURL }
func (c RunConfig) Env() map[string]string      { return maps.Clone(c.env) }
func (c RunConfig) ReadyTimeout() time.Duration { return c.readyTimeout }

// EnvList renders Env as sorted KEY=VALUE pairs.
func (c RunConfig) EnvList() []string {
	out := make([]string, 0, len(c.env))
	for k, v := range c.env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}

// Profile is the cargo profile the local binary is built with.
func (c RunConfig) Profile() string {
	if c.release {
		return "release"
	}
	return "debug"
}
