package export

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SFTPConfig describes an upload destination. Without KeyPath or Password the
// default keys in ~/.ssh are tried.
type SFTPConfig struct {
	Addr      string
	User      string
	KeyPath   string
	Password  string
	RemoteDir string

	// KnownHosts verifies the server key. Host keys are not checked when it
	// is empty.
	KnownHosts string

	Timeout time.Duration
	Logger  *slog.Logger
}

// SFTPUploader copies exported libraries to a remote directory.
type SFTPUploader struct {
	cfg    SFTPConfig
	logger *slog.Logger
}

func NewSFTPUploader(cfg SFTPConfig) (*SFTPUploader, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("sftp: address is required")
	}
	if strings.TrimSpace(cfg.User) == "" {
		return nil, fmt.Errorf("sftp: user is required")
	}
	if cfg.RemoteDir == "" {
		cfg.RemoteDir = "."
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if !strings.Contains(cfg.Addr, ":") {
		cfg.Addr = net.JoinHostPort(cfg.Addr, "22")
	}
	return &SFTPUploader{cfg: cfg, logger: cfg.Logger}, nil
}

// Export uploads the exported files of lib and returns the number of
// libraries sent.
func (u *SFTPUploader) Export(ctx context.Context, lib Library) (int, error) {
	files, count, err := collect(ctx, lib)
	if err != nil {
		return 0, err
	}
	if err := u.Push(ctx, files); err != nil {
		return 0, err
	}
	return count, nil
}

// Push writes files under the remote directory over one connection.
func (u *SFTPUploader) Push(ctx context.Context, files map[string][]byte) error {
	client, err := u.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp session: %w", err)
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(u.cfg.RemoteDir); err != nil {
		return fmt.Errorf("sftp mkdir %s: %w", u.cfg.RemoteDir, err)
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		remotePath := path.Join(u.cfg.RemoteDir, name)
		if err := pushFile(sftpClient, remotePath, files[name], 0o644); err != nil {
			return fmt.Errorf("sftp upload %s: %w", remotePath, err)
		}
		u.logger.Debug("uploaded", "path", remotePath, "bytes", len(files[name]))
	}
	u.logger.Info("libraries uploaded", "addr", u.cfg.Addr, "dir", u.cfg.RemoteDir, "files", len(names))
	return nil
}

func (u *SFTPUploader) dial(ctx context.Context) (*ssh.Client, error) {
	authMethods, err := u.buildAuthMethods()
	if err != nil {
		return nil, err
	}
	hostKey, err := u.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            u.cfg.User,
		Auth:            authMethods,
		HostKeyCallback: hostKey,
		Timeout:         u.cfg.Timeout,
	}

	dialer := net.Dialer{Timeout: u.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", u.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("ssh dial failed: %w", err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, u.cfg.Addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake failed: %w", err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func (u *SFTPUploader) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if u.cfg.KnownHosts == "" {
		u.logger.Warn("sftp host key not verified", "addr", u.cfg.Addr)
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(expandHome(u.cfg.KnownHosts))
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return cb, nil
}

func (u *SFTPUploader) buildAuthMethods() ([]ssh.AuthMethod, error) {
	authMethods := make([]ssh.AuthMethod, 0, 2)
	if keyPath := strings.TrimSpace(u.cfg.KeyPath); keyPath != "" {
		data, err := os.ReadFile(expandHome(keyPath))
		if err != nil {
			return nil, fmt.Errorf("read ssh private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}
	if password := u.cfg.Password; password != "" {
		authMethods = append(authMethods, ssh.Password(password))
	}
	if len(authMethods) > 0 {
		return authMethods, nil
	}

	signer, err := defaultPrivateKeySigner()
	if err != nil {
		return nil, fmt.Errorf("no authentication method provided: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func pushFile(client *sftp.Client, remotePath string, data []byte, perm os.FileMode) error {
	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return err
	}

	file, err := client.Create(remotePath)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return err
	}
	return file.Chmod(perm)
}

func defaultPrivateKeySigner() (ssh.Signer, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		data, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		signer, parseErr := ssh.ParsePrivateKey(data)
		if parseErr != nil {
			continue
		}
		return signer, nil
	}
	return nil, fmt.Errorf("no default private key found")
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
