package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/zeebo/errs"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SFTPConfig holds SFTP-specific configuration.
type SFTPConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	KeyFile        string
	KnownHostsFile string // empty disables host key verification
	Path           string
	Timeout        time.Duration
}

// SFTPStore implements ObjectStore on a remote directory over SFTP.
type SFTPStore struct {
	conn   *ssh.Client
	client *sftp.Client
	root   string
}

// NewSFTPStore dials the SSH server and opens an SFTP session.
func NewSFTPStore(cfg SFTPConfig) (*SFTPStore, error) {
	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		pem, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read SSH key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("failed to parse SSH key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	conn, err := ssh.Dial("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(port)), &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	})
	if err != nil {
		return nil, classifySFTPError(fmt.Errorf("failed to connect to %s: %w", cfg.Host, err))
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to start SFTP session: %w", err)
	}

	root := cfg.Path
	if root == "" {
		root = "."
	}
	if err := client.MkdirAll(root); err != nil {
		_ = client.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create remote path %s: %w", root, classifySFTPError(err))
	}

	return &SFTPStore{conn: conn, client: client, root: root}, nil
}

// Put implements ObjectStore.Put. Data is written to a temporary name and
// renamed once complete.
func (s *SFTPStore) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	target := path.Join(s.root, key)
	if err := s.client.MkdirAll(path.Dir(target)); err != nil {
		return fmt.Errorf("failed to create %s: %w", path.Dir(target), classifySFTPError(err))
	}

	tmp := target + ".partial"
	f, err := s.client.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, classifySFTPError(err))
	}
	if _, err := f.ReadFrom(body); err != nil {
		_ = f.Close()
		_ = s.client.Remove(tmp)
		return fmt.Errorf("failed to upload %s: %w", key, classifySFTPError(err))
	}
	if err := f.Close(); err != nil {
		_ = s.client.Remove(tmp)
		return fmt.Errorf("failed to finalize %s: %w", key, classifySFTPError(err))
	}
	if err := s.client.PosixRename(tmp, target); err != nil {
		return fmt.Errorf("failed to rename %s: %w", key, classifySFTPError(err))
	}
	return nil
}

// Get implements ObjectStore.Get.
func (s *SFTPStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := s.client.Open(path.Join(s.root, key))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", key, classifySFTPError(err))
	}
	return f, nil
}

// Delete implements ObjectStore.Delete. Emptied parent directories are
// removed as well.
func (s *SFTPStore) Delete(ctx context.Context, key string) error {
	target := path.Join(s.root, key)
	if err := s.client.Remove(target); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, classifySFTPError(err))
	}
	for dir := path.Dir(target); dir != s.root && dir != "." && dir != "/"; dir = path.Dir(dir) {
		if err := s.client.RemoveDirectory(dir); err != nil {
			break
		}
	}
	return nil
}

// List implements ObjectStore.List.
func (s *SFTPStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	walker := s.client.Walk(s.root)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to list %s: %w", s.root, classifySFTPError(err))
		}
		info := walker.Stat()
		if !info.Mode().IsRegular() {
			continue
		}
		key := strings.TrimPrefix(strings.TrimPrefix(walker.Path(), s.root), "/")
		if strings.HasSuffix(key, ".partial") || !strings.HasPrefix(key, prefix) {
			continue
		}
		objects = append(objects, ObjectInfo{
			Key:          key,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
	}
	return objects, nil
}

// Close implements ObjectStore.Close.
func (s *SFTPStore) Close() error {
	return errs.Combine(s.client.Close(), s.conn.Close())
}

func classifySFTPError(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	return err
}
