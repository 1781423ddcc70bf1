package node

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Command is a program and its argument vector. It is always executed
// directly, never through a shell, except on remote hosts where String
// quotes every argument.
type Command struct {
	Path string
	Args []string
}

// Validate rejects commands that cannot be executed as given.
func (c Command) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return errors.New("command path is empty")
	}
	if strings.ContainsRune(c.Path, 0) {
		return errors.New("command path contains NUL")
	}
	for _, a := range c.Args {
		if strings.ContainsRune(a, 0) {
			return fmt.Errorf("argument %q contains NUL", a)
		}
	}
	return nil
}

// Argv returns Path followed by Args.
func (c Command) Argv() []string {
	return append([]string{c.Path}, c.Args...)
}

// String renders the command with POSIX single quoting.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	for _, a := range c.Argv() {
		parts = append(parts, ShellQuote(a))
	}
	return strings.Join(parts, " ")
}

// ShellQuote quotes s for a POSIX shell. Words made only of safe characters
// are left alone.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=@,+%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// DefaultBinary is the neard path cargo produces for the config's profile.
func DefaultBinary(cfg RunConfig, sourceDir string) string {
	if sourceDir == "" {
		sourceDir = "."
	}
	return filepath.Join(sourceDir, "target", cfg.Profile(), "neard")
}

// BuildCommand compiles the node package with cargo.
func BuildCommand(cargo, pkg string, cfg RunConfig) Command {
	if cargo == "" {
		cargo = "cargo"
	}
	if pkg == "" {
		pkg = "neard"
	}
	args := []string{"build"}
	if cfg.Release() {
		args = append(args, "--release")
	}
	args = append(args, "-p", pkg)
	return Command{Path: cargo, Args: args}
}

// InitCommand initialises the node home. The configured binary args follow
// the init subcommand verbatim and in order.
func InitCommand(binary, home string, cfg RunConfig) Command {
	args := []string{"--home", home, "init"}
	args = append(args, cfg.BinaryArgs()...)
	return Command{Path: binary, Args: args}
}

// RunCommand starts the node from an initialised home.
func RunCommand(binary, home string, cfg RunConfig) Command {
	args := []string{"--home", home}
	if cfg.Verbose() {
		args = append(args, "--verbose", "")
	}
	args = append(args, "run")
	if cfg.TelemetryURL() != "" {
		args = append(args, "--telemetry-url="+cfg.TelemetryURL())
	}
	if cfg.BootNodes() != "" {
		args = append(args, "--boot-nodes="+cfg.BootNodes())
	}
	return Command{Path: binary, Args: args}
}
