package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// PushFile uploads a local file to a remote path via SFTP and applies mode.
func PushFile(ctx context.Context, client *xssh.Client, localPath, remotePath string, mode os.FileMode) error {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	dst, err := sf.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, readerCtx{ctx: ctx, r: src}); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if err := dst.Chmod(mode); err != nil {
		return fmt.Errorf("chmod remote: %w", err)
	}
	return nil
}

// ReadFile reads a whole remote file.
func ReadFile(client *xssh.Client, remotePath string) ([]byte, error) {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	f, err := sf.Open(remotePath)
	if err != nil {
		return nil, fmt.Errorf("open remote: %w", err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

// ResetDir removes dir with everything below it and creates it empty.
func ResetDir(client *xssh.Client, dir string) error {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()

	if _, err := sf.Lstat(dir); err == nil {
		var entries []string
		walker := sf.Walk(dir)
		for walker.Step() {
			if err := walker.Err(); err != nil {
				return fmt.Errorf("walk %s: %w", dir, err)
			}
			entries = append(entries, walker.Path())
		}
		// children come after their parents in walk order
		for i := len(entries) - 1; i >= 0; i-- {
			if err := sf.Remove(entries[i]); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("remove %s: %w", entries[i], err)
			}
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", dir, err)
	}
	if err := sf.MkdirAll(dir); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return nil
}

// Checksum returns the hex SHA256 of a local file.
func Checksum(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyRemoteChecksum compares sha256sum on the remote side with expected.
func VerifyRemoteChecksum(ctx context.Context, client *xssh.Client, remotePath, expected string) error {
	out, err := RunCommand(ctx, client, "sha256sum "+shellQuote(remotePath))
	if err != nil {
		return fmt.Errorf("calculate remote checksum: %w", err)
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return errors.New("empty sha256sum output")
	}
	if fields[0] != expected {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expected, fields[0])
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

type readerCtx struct {
	ctx context.Context
	r   io.Reader
}

func (r readerCtx) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
