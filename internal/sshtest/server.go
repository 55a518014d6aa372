// Package sshtest provides an in-process SSH server with an SFTP subsystem
// rooted at a temporary directory, for tests of packages built on top of
// pkg/transports/ssh.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	sshlink "github.com/openfroyo/sshlink/pkg/transports/ssh"
)

// Credentials accepted by every Server.
const (
	User     = "testuser"
	Password = "testpass"
)

// Server is a password-authenticated SSH server serving the sftp subsystem.
type Server struct {
	// Host and Port are the listening endpoint.
	Host string
	Port int

	// Root is the SFTP working directory, with symlinks resolved.
	Root string

	listener net.Listener
	config   *ssh.ServerConfig
	done     chan struct{}

	mu    sync.Mutex
	conns []net.Conn

	accepted atomic.Int32
	failNext atomic.Int32
}

// NewServer starts a server that stops when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("failed to create host signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == User && string(pass) == Password {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("failed to resolve temp dir: %v", err)
	}

	host, portStr, _ := net.SplitHostPort(listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	s := &Server{
		Host:     host,
		Port:     port,
		Root:     root,
		listener: listener,
		config:   config,
		done:     make(chan struct{}),
	}

	go s.serve()
	t.Cleanup(s.Close)

	return s
}

// Config returns a client config for this server without host key checking.
func (s *Server) Config() *sshlink.Config {
	config := sshlink.DefaultConfig(s.Host, User)
	config.Port = s.Port
	config.Password = Password
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	config.CommandTimeout = 5 * time.Second
	config.DisconnectTimeout = time.Second
	return config
}

// Path returns the local path of remote path p.
func (s *Server) Path(p string) string {
	return filepath.Join(s.Root, filepath.FromSlash(p))
}

// WriteFile creates a file below Root with the given modification time.
func (s *Server) WriteFile(t testing.TB, p string, data []byte, mtime time.Time) {
	t.Helper()
	local := s.Path(p)
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(local, data, 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", p, err)
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(local, mtime, mtime); err != nil {
			t.Fatalf("failed to set mtime of %s: %v", p, err)
		}
	}
}

// Accepted returns the number of TCP connections accepted so far.
func (s *Server) Accepted() int {
	return int(s.accepted.Load())
}

// FailNext makes the server close the next n connections before the
// handshake.
func (s *Server) FailNext(n int) {
	s.failNext.Store(int32(n))
}

// DropConnections closes every open TCP connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

// Close stops the listener and drops every connection.
func (s *Server) Close() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	_ = s.listener.Close()
	s.DropConnections()
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		s.accepted.Add(1)

		if n := s.failNext.Load(); n > 0 && s.failNext.CompareAndSwap(n, n-1) {
			_ = conn.Close()
			continue
		}

		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				_ = req.Reply(req.Type == "keepalive@openssh.com", nil)
			}
		}
	}()

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *Server) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		if req.Type != "subsystem" || len(req.Payload) < 4 || string(req.Payload[4:]) != "sftp" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}
		_ = req.Reply(true, nil)
		go ssh.DiscardRequests(requests)

		server, err := sftp.NewServer(channel, sftp.WithServerWorkingDirectory(s.Root))
		if err == nil {
			_ = server.Serve()
			_ = server.Close()
		}
		_ = channel.Close()
		return
	}
	_ = channel.Close()
}
