package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultDialTimeout = 30 * time.Second

// SFTPOptions configures fetching input files from a remote drop zone.
type SFTPOptions struct {
	// Host is the SFTP server hostname.
	Host string

	// Port is the SSH port. Zero means 22.
	Port int

	// Username authenticates the SSH session.
	Username string

	// Password authenticates when no key file is given.
	Password string

	// KeyFile is a path to a private key for key authentication.
	KeyFile string

	// KnownHostsFile pins the server host key. Empty skips verification.
	KnownHostsFile string

	// RemoteDir is the drop directory to fetch input files from.
	RemoteDir string

	// Timeout bounds the SSH dial. Zero means 30s.
	Timeout time.Duration
}

func (o *SFTPOptions) validate() error {
	if o.Host == "" {
		return fmt.Errorf("host is required")
	}
	if o.Username == "" {
		return fmt.Errorf("username is required")
	}
	if o.Password == "" && o.KeyFile == "" {
		return fmt.Errorf("either a password or a key file is required")
	}
	if o.RemoteDir == "" {
		return fmt.Errorf("remote directory is required")
	}
	return nil
}

// SFTPSource fetches input files from a remote drop directory before
// parsing. Connections are per-fetch; polling a drop zone has no use for
// a held-open session.
type SFTPSource struct {
	opts   SFTPOptions
	logger zerolog.Logger
}

// NewSFTPSource creates a drop-zone fetcher.
func NewSFTPSource(opts SFTPOptions, logger zerolog.Logger) (*SFTPSource, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid sftp options: %w", err)
	}
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.Timeout == 0 {
		opts.Timeout = defaultDialTimeout
	}
	return &SFTPSource{
		opts:   opts,
		logger: logger.With().Str("component", "sftp").Logger(),
	}, nil
}

// Fetch downloads every CSV file in the remote drop directory into
// localDir and returns the local paths in name order.
func (s *SFTPSource) Fetch(ctx context.Context, localDir string) ([]string, error) {
	client, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("failed to start sftp subsystem: %w", err)
	}
	defer sftpClient.Close()

	entries, err := sftpClient.ReadDir(s.opts.RemoteDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list drop directory %s: %w", s.opts.RemoteDir, err)
	}

	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create local directory: %w", err)
	}

	var fetched []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".csv") {
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		localPath := filepath.Join(localDir, entry.Name())
		if err := s.download(sftpClient, path.Join(s.opts.RemoteDir, entry.Name()), localPath); err != nil {
			return nil, err
		}
		fetched = append(fetched, localPath)
	}
	sort.Strings(fetched)

	s.logger.Info().
		Int("files", len(fetched)).
		Str("remote_dir", s.opts.RemoteDir).
		Msg("drop zone fetched")
	return fetched, nil
}

// FetchFile downloads one named remote file into localDir and returns
// the local path.
func (s *SFTPSource) FetchFile(ctx context.Context, remotePath, localDir string) (string, error) {
	client, err := s.dial(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return "", fmt.Errorf("failed to start sftp subsystem: %w", err)
	}
	defer sftpClient.Close()

	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create local directory: %w", err)
	}

	localPath := filepath.Join(localDir, path.Base(remotePath))
	if err := s.download(sftpClient, remotePath, localPath); err != nil {
		return "", err
	}
	return localPath, nil
}

func (s *SFTPSource) download(client *sftp.Client, remotePath, localPath string) error {
	start := time.Now()

	remote, err := client.Open(remotePath)
	if err != nil {
		return fmt.Errorf("failed to open remote file %s: %w", remotePath, err)
	}
	defer remote.Close()

	local, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}
	defer local.Close()

	n, err := io.Copy(local, remote)
	if err != nil {
		return fmt.Errorf("failed to copy %s: %w", remotePath, err)
	}

	s.logger.Debug().
		Str("remote", remotePath).
		Str("local", localPath).
		Int64("bytes", n).
		Dur("duration", time.Since(start)).
		Msg("file downloaded")
	return nil
}

// dial establishes the SSH connection with context awareness. ssh.Dial
// has no context form, so cancellation abandons the attempt; the late
// arrival gets closed rather than leaked.
func (s *SFTPSource) dial(ctx context.Context) (*ssh.Client, error) {
	cfg, err := s.clientConfig()
	if err != nil {
		return nil, err
	}
	if s.opts.KnownHostsFile == "" {
		s.logger.Warn().Str("host", s.opts.Host).Msg("no known_hosts file configured, host key not verified")
	}

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	s.logger.Debug().Str("address", addr).Msg("establishing ssh connection")

	connCh := make(chan *ssh.Client, 1)
	errCh := make(chan error, 1)
	go func() {
		client, err := ssh.Dial("tcp", addr, cfg)
		if err != nil {
			errCh <- err
			return
		}
		connCh <- client
	}()

	select {
	case <-ctx.Done():
		go func() {
			select {
			case client := <-connCh:
				_ = client.Close()
			case <-errCh:
			}
		}()
		return nil, fmt.Errorf("ssh dial cancelled: %w", ctx.Err())
	case err := <-errCh:
		return nil, fmt.Errorf("ssh dial failed: %w", err)
	case client := <-connCh:
		return client, nil
	}
}

func (s *SFTPSource) clientConfig() (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	if s.opts.KeyFile != "" {
		keyBytes, err := os.ReadFile(s.opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	} else {
		methods = append(methods, ssh.Password(s.opts.Password))
		// Many servers present the password prompt through
		// keyboard-interactive instead.
		methods = append(methods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = s.opts.Password
				}
				return answers, nil
			},
		))
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if s.opts.KnownHostsFile != "" {
		cb, err := knownhosts.New(s.opts.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeys = cb
	}

	return &ssh.ClientConfig{
		User:            s.opts.Username,
		Auth:            methods,
		HostKeyCallback: hostKeys,
		Timeout:         s.opts.Timeout,
	}, nil
}
