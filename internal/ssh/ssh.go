// Package ssh wraps golang.org/x/crypto/ssh and pkg/sftp for driving a node
// on a remote host.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
	Dialer     Dialer
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	if c.KnownHosts == nil {
		return nil, errors.New("ssh: known hosts callback required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

// Dial establishes an SSH connection, retrying with a linear backoff.
// The caller is responsible for closing the returned client.
func Dial(ctx context.Context, c *Client) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: c.Timeout}
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		cli, err := dialOnce(ctx, dialer, c.Addr, cfg)
		if err == nil {
			return cli, nil
		}
		lastErr = err
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) {
			// host key mismatches are final
			break
		}
		log.Debug().Err(err).Str("addr", c.Addr).Int("attempt", attempt+1).Msg("SSH dial failed")
		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff * time.Duration(attempt+1)):
			}
		}
	}
	return nil, lastErr
}

func dialOnce(ctx context.Context, dialer Dialer, addr string, cfg *xssh.ClientConfig) (*xssh.Client, error) {
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		conn, chans, reqs, err := xssh.NewClientConn(nc, addr, cfg)
		if err != nil {
			ch <- res{err: err}
			return
		}
		ch <- res{cli: xssh.NewClient(conn, chans, reqs)}
	}()
	select {
	case <-ctx.Done():
		nc.Close()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			nc.Close()
		}
		return r.cli, r.err
	}
}

// RunCommand executes command in a new session and returns its combined
// output. The session is closed when ctx is done.
func RunCommand(ctx context.Context, cli *xssh.Client, command string) (string, error) {
	session, err := cli.NewSession()
	if err != nil {
		return "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	stop := context.AfterFunc(ctx, func() { _ = session.Close() })
	defer stop()
	out, err := session.CombinedOutput(command)
	if ctx.Err() != nil {
		return string(out), ctx.Err()
	}
	if err != nil {
		return string(out), fmt.Errorf("run command: %w", err)
	}
	return string(out), nil
}

// ScanHostKey connects to addr and returns the host key it presents,
// without authenticating.
func ScanHostKey(ctx context.Context, addr string, timeout time.Duration) (xssh.PublicKey, error) {
	var (
		mu  sync.Mutex
		key xssh.PublicKey
	)
	errGotKey := errors.New("host key received")
	cfg := &xssh.ClientConfig{
		User: "testnode",
		HostKeyCallback: func(hostname string, remote net.Addr, k xssh.PublicKey) error {
			mu.Lock()
			key = k
			mu.Unlock()
			return errGotKey
		},
		Timeout: timeout,
	}
	cli, err := dialOnce(ctx, &net.Dialer{Timeout: timeout}, addr, cfg)
	if cli != nil {
		cli.Close()
	}
	mu.Lock()
	defer mu.Unlock()
	if key != nil {
		return key, nil
	}
	if err == nil {
		err = errors.New("server presented no host key")
	}
	return nil, fmt.Errorf("scan host key of %s: %w", addr, err)
}
