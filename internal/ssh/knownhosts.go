package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrHostKeyChanged means known_hosts already pins the host to another key.
var ErrHostKeyChanged = errors.New("host key changed")

// EnsureKnownHostsFile creates path and its directory, leaving an existing
// file untouched.
func EnsureKnownHostsFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create known_hosts dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create known_hosts: %w", err)
	}
	return f.Close()
}

// AppendKnownHost pins the authorized-key text for host, given as host or
// host:port. A host already pinned to the same key is left as is; one pinned
// to a different key of the same type fails with ErrHostKeyChanged and the
// stale line has to be removed by hand.
func AppendKnownHost(path, host, authorizedKey string) error {
	key, _, _, _, err := xssh.ParseAuthorizedKey([]byte(strings.TrimSpace(authorizedKey)))
	if err != nil {
		return fmt.Errorf("parse host key: %w", err)
	}
	check, err := LoadKnownHostsCallback(path)
	if err != nil {
		return err
	}
	err = check(withDefaultPort(host), &net.TCPAddr{IP: net.IPv4zero}, key)
	if err == nil {
		return nil
	}
	var kerr *knownhosts.KeyError
	if !errors.As(err, &kerr) {
		return fmt.Errorf("check known_hosts: %w", err)
	}
	for _, want := range kerr.Want {
		if want.Key.Type() == key.Type() {
			return fmt.Errorf("%s (%s:%d): %w", host, want.Filename, want.Line, ErrHostKeyChanged)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, knownhosts.Line([]string{host}, key)); err != nil {
		return fmt.Errorf("write known_hosts: %w", err)
	}
	return nil
}

func withDefaultPort(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, "22")
}

// LoadKnownHostsCallback returns a callback that only accepts hosts pinned in
// path. An empty file trusts nobody.
func LoadKnownHostsCallback(path string) (xssh.HostKeyCallback, error) {
	if err := EnsureKnownHostsFile(path); err != nil {
		return nil, err
	}
	return knownhosts.New(path)
}
