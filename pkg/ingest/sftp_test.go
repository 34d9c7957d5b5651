package ingest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// newDropServer runs a minimal SSH server exposing the real filesystem
// through the sftp subsystem, so fetch tests exercise actual transfers.
func newDropServer(t *testing.T) (string, int) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "dropuser" && string(pass) == "droppass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go handleDropConn(conn, config)
		}
	}()

	host, portStr, err := net.SplitHostPort(listener.Addr().String())
	if err != nil {
		t.Fatalf("failed to split address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func handleDropConn(netConn net.Conn, config *ssh.ServerConfig) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer channel.Close()
			for req := range requests {
				if req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp" {
					if req.WantReply {
						_ = req.Reply(true, nil)
					}
					server, err := sftp.NewServer(channel)
					if err != nil {
						return
					}
					_ = server.Serve()
					return
				}
				if req.WantReply {
					_ = req.Reply(false, nil)
				}
			}
		}()
	}
}

func newDropSource(t *testing.T, host string, port int, remoteDir string) *SFTPSource {
	t.Helper()
	src, err := NewSFTPSource(SFTPOptions{
		Host:      host,
		Port:      port,
		Username:  "dropuser",
		Password:  "droppass",
		RemoteDir: remoteDir,
		Timeout:   5 * time.Second,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create source: %v", err)
	}
	return src
}

func TestSFTPFetch(t *testing.T) {
	remoteDir := t.TempDir()
	writeDropFile(t, remoteDir, "b.csv", "id,type,path\n")
	writeDropFile(t, remoteDir, "a.csv", "id,type,path\na1,address,prod/x\n")
	writeDropFile(t, remoteDir, "notes.txt", "not an input\n")
	if err := os.Mkdir(filepath.Join(remoteDir, "archive"), 0o755); err != nil {
		t.Fatalf("failed to create subdirectory: %v", err)
	}

	host, port := newDropServer(t)
	src := newDropSource(t, host, port, remoteDir)

	localDir := t.TempDir()
	paths, err := src.Fetch(context.Background(), localDir)
	if err != nil {
		t.Fatalf("failed to fetch: %v", err)
	}

	if len(paths) != 2 {
		t.Fatalf("expected 2 files, got %v", paths)
	}
	if filepath.Base(paths[0]) != "a.csv" || filepath.Base(paths[1]) != "b.csv" {
		t.Errorf("expected name order, got %v", paths)
	}

	content, err := os.ReadFile(paths[0])
	if err != nil {
		t.Fatalf("failed to read fetched file: %v", err)
	}
	if !strings.Contains(string(content), "a1,address") {
		t.Errorf("unexpected content: %s", content)
	}
}

func TestSFTPFetchFile(t *testing.T) {
	remoteDir := t.TempDir()
	writeDropFile(t, remoteDir, "input.csv", "id,type,path\n")

	host, port := newDropServer(t)
	src := newDropSource(t, host, port, remoteDir)

	localDir := t.TempDir()
	local, err := src.FetchFile(context.Background(), filepath.Join(remoteDir, "input.csv"), localDir)
	if err != nil {
		t.Fatalf("failed to fetch file: %v", err)
	}
	if filepath.Base(local) != "input.csv" {
		t.Errorf("unexpected local path: %s", local)
	}
	if _, err := os.Stat(local); err != nil {
		t.Errorf("fetched file missing: %v", err)
	}
}

func TestSFTPKeyAuth(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}

	remoteDir := t.TempDir()
	writeDropFile(t, remoteDir, "a.csv", "id,type,path\n")

	host, port := newDropServer(t)
	src, err := NewSFTPSource(SFTPOptions{
		Host:      host,
		Port:      port,
		Username:  "dropuser",
		KeyFile:   keyPath,
		RemoteDir: remoteDir,
		Timeout:   5 * time.Second,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create source: %v", err)
	}

	paths, err := src.Fetch(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("failed to fetch with key auth: %v", err)
	}
	if len(paths) != 1 {
		t.Errorf("expected 1 file, got %v", paths)
	}
}

func TestSFTPAuthFailure(t *testing.T) {
	host, port := newDropServer(t)
	src, err := NewSFTPSource(SFTPOptions{
		Host:      host,
		Port:      port,
		Username:  "dropuser",
		Password:  "wrong",
		RemoteDir: "/drop",
		Timeout:   5 * time.Second,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create source: %v", err)
	}

	_, err = src.Fetch(context.Background(), t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "ssh dial failed") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSFTPMissingRemoteDir(t *testing.T) {
	host, port := newDropServer(t)
	src := newDropSource(t, host, port, filepath.Join(t.TempDir(), "missing"))

	_, err := src.Fetch(context.Background(), t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "failed to list drop directory") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSFTPKnownHostsRejectsUnknownHost(t *testing.T) {
	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	if err := os.WriteFile(knownHosts, nil, 0o644); err != nil {
		t.Fatalf("failed to write known_hosts: %v", err)
	}

	host, port := newDropServer(t)
	src, err := NewSFTPSource(SFTPOptions{
		Host:           host,
		Port:           port,
		Username:       "dropuser",
		Password:       "droppass",
		KnownHostsFile: knownHosts,
		RemoteDir:      "/drop",
		Timeout:        5 * time.Second,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create source: %v", err)
	}

	_, err = src.Fetch(context.Background(), t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "ssh dial failed") {
		t.Errorf("expected host key rejection, got %v", err)
	}
}

func TestSFTPDialCancelled(t *testing.T) {
	host, port := newDropServer(t)
	src := newDropSource(t, host, port, "/drop")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := src.Fetch(ctx, t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "cancelled") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSFTPOptionsValidate(t *testing.T) {
	tests := []struct {
		name string
		opts SFTPOptions
		want string
	}{
		{"missing host", SFTPOptions{}, "host is required"},
		{"missing username", SFTPOptions{Host: "h"}, "username is required"},
		{"missing auth", SFTPOptions{Host: "h", Username: "u"}, "either a password or a key file"},
		{"missing remote dir", SFTPOptions{Host: "h", Username: "u", Password: "p"}, "remote directory is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSFTPSource(tt.opts, zerolog.Nop())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q, got %v", tt.want, err)
			}
		})
	}
}

func TestSFTPDefaults(t *testing.T) {
	src, err := NewSFTPSource(SFTPOptions{
		Host:      "h",
		Username:  "u",
		Password:  "p",
		RemoteDir: "/drop",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create source: %v", err)
	}
	if src.opts.Port != 22 {
		t.Errorf("expected default port 22, got %d", src.opts.Port)
	}
	if src.opts.Timeout != defaultDialTimeout {
		t.Errorf("expected default timeout, got %v", src.opts.Timeout)
	}
}

func writeDropFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}
