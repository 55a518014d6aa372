package ssh

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "testuser"
	testPassword = "testpass"
)

// testSSHServer is a minimal in-process SSH server with exec, shell, SCP
// and SFTP support rooted at a temporary directory.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	root     string
	done     chan struct{}

	mu    sync.Mutex
	conns []net.Conn

	ptyRequests atomic.Int32
	channels    atomic.Int32

	// hang makes the server accept TCP connections but never speak SSH.
	hang atomic.Bool
}

// newTestSSHServer starts a server and stops it when the test ends.
func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, hostKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			if c.User() == testUser {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown user")
		},
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("failed to resolve temp dir: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		root:     root,
		done:     make(chan struct{}),
	}

	go server.serve()
	t.Cleanup(server.close)

	return server
}

// clientConfig returns a password-authenticated config for this server.
func (s *testSSHServer) clientConfig() *Config {
	host, port := parseAddress(s.addr)
	config := DefaultConfig(host, testUser)
	config.Port = port
	config.Password = testPassword
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	config.CommandTimeout = 5 * time.Second
	config.DisconnectTimeout = time.Second
	return config
}

func (s *testSSHServer) serve() {
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

		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		if s.hang.Load() {
			continue
		}
		go s.handleConnection(conn)
	}
}

// dropConnections closes every accepted TCP connection.
func (s *testSSHServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			// Answer keep-alives positively, refuse anything else.
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
		s.channels.Add(1)

		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "exec":
			command := payloadString(req.Payload)
			_ = req.Reply(true, nil)
			go func() {
				status := s.runCommand(channel, command)
				sendExitStatus(channel, status)
				_ = channel.Close()
			}()
			go ssh.DiscardRequests(requests)
			return

		case "subsystem":
			if payloadString(req.Payload) != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go func() {
				server, err := sftp.NewServer(channel, sftp.WithServerWorkingDirectory(s.root))
				if err == nil {
					_ = server.Serve()
				}
				_ = channel.Close()
			}()
			go ssh.DiscardRequests(requests)
			return

		case "pty-req":
			s.ptyRequests.Add(1)
			_ = req.Reply(true, nil)

		case "shell":
			_ = req.Reply(true, nil)
			go func() {
				_, _ = io.Copy(channel, channel)
				sendExitStatus(channel, 0)
				_ = channel.Close()
			}()
			go ssh.DiscardRequests(requests)
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
	_ = channel.Close()
}

// runCommand interprets the handful of commands the tests use.
func (s *testSSHServer) runCommand(channel ssh.Channel, command string) int {
	switch {
	case command == "true":
		return 0
	case command == "echo test":
		_, _ = channel.Write([]byte("test\n"))
		return 0
	case command == "echo error >&2":
		_, _ = channel.Stderr().Write([]byte("error\n"))
		return 0
	case strings.HasPrefix(command, "exit "):
		n, _ := strconv.Atoi(strings.TrimPrefix(command, "exit "))
		return n
	case command == "cat":
		_, _ = io.Copy(channel, channel)
		return 0
	case strings.HasPrefix(command, "sleep "):
		d, _ := time.ParseDuration(strings.TrimPrefix(command, "sleep "))
		select {
		case <-time.After(d):
		case <-s.done:
		}
		return 0
	case strings.HasPrefix(command, "yes "):
		n, _ := strconv.Atoi(strings.TrimPrefix(command, "yes "))
		_, _ = channel.Write([]byte(strings.Repeat("y\n", n)))
		return 0
	case strings.HasPrefix(command, "sh "):
		data, err := os.ReadFile(unquote(strings.TrimPrefix(command, "sh ")))
		if err != nil {
			_, _ = channel.Stderr().Write([]byte(err.Error() + "\n"))
			return 127
		}
		_, _ = channel.Write(data)
		return 0
	case strings.HasPrefix(command, "scp -t "):
		return scpSink(channel, unquote(strings.TrimPrefix(command, "scp -t ")))
	case strings.HasPrefix(command, "scp -p -t "):
		return scpSink(channel, unquote(strings.TrimPrefix(command, "scp -p -t ")))
	case strings.HasPrefix(command, "scp -p -f "):
		return scpSource(channel, unquote(strings.TrimPrefix(command, "scp -p -f ")))
	}
	_, _ = channel.Write([]byte("command: " + command + "\n"))
	return 0
}

// scpSink receives one file into target.
func scpSink(channel ssh.Channel, target string) int {
	r := bufio.NewReader(channel)
	ack := func() { _, _ = channel.Write([]byte{0}) }
	nack := func(msg string) int {
		_, _ = channel.Write([]byte("\x02" + msg + "\n"))
		return 1
	}

	ack()
	var mtime, atime int64
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return 0
		}
		switch line[0] {
		case 'T':
			if _, err := fmt.Sscanf(line, "T%d 0 %d 0", &mtime, &atime); err != nil {
				return nack("bad time record")
			}
			ack()
		case 'C':
			var mode uint32
			var size int64
			var name string
			if _, err := fmt.Sscanf(line, "C%o %d %s", &mode, &size, &name); err != nil {
				return nack("bad copy record")
			}
			if _, err := os.Stat(filepath.Dir(target)); err != nil {
				return nack("scp: " + filepath.Dir(target) + ": No such file or directory")
			}
			ack()
			data := make([]byte, size)
			if _, err := io.ReadFull(r, data); err != nil {
				return 1
			}
			if b, err := r.ReadByte(); err != nil || b != 0 {
				return 1
			}
			if err := os.WriteFile(target, data, os.FileMode(mode)); err != nil {
				return nack(err.Error())
			}
			_ = os.Chmod(target, os.FileMode(mode))
			if mtime != 0 {
				_ = os.Chtimes(target, time.Unix(atime, 0), time.Unix(mtime, 0))
			}
			ack()
		default:
			return nack("unexpected record")
		}
	}
}

// scpSource sends the file at source with its times.
func scpSource(channel ssh.Channel, source string) int {
	r := bufio.NewReader(channel)
	waitAck := func() bool {
		b, err := r.ReadByte()
		return err == nil && b == 0
	}

	if !waitAck() {
		return 1
	}
	fi, err := os.Stat(source)
	if err != nil {
		_, _ = channel.Write([]byte("\x01scp: " + source + ": No such file or directory\n"))
		return 1
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return 1
	}

	mtime := fi.ModTime().Unix()
	_, _ = fmt.Fprintf(channel, "T%d 0 %d 0\n", mtime, mtime)
	if !waitAck() {
		return 1
	}
	_, _ = fmt.Fprintf(channel, "C%04o %d %s\n", fi.Mode().Perm(), len(data), filepath.Base(source))
	if !waitAck() {
		return 1
	}
	_, _ = channel.Write(data)
	_, _ = channel.Write([]byte{0})
	if !waitAck() {
		return 1
	}
	return 0
}

func (s *testSSHServer) close() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	_ = s.listener.Close()
	s.dropConnections()
}

func sendExitStatus(channel ssh.Channel, status int) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(status))
	_, _ = channel.SendRequest("exit-status", false, buf[:])
}

// payloadString decodes a single SSH string payload.
func payloadString(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	n := binary.BigEndian.Uint32(payload)
	if int(n) > len(payload)-4 {
		return ""
	}
	return string(payload[4 : 4+n])
}

func unquote(s string) string {
	return strings.ReplaceAll(strings.Trim(s, "'"), `'\''`, "'")
}

// generateTestKey generates a test SSH key pair.
func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}

	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}

	return publicKey, signer, nil
}

// parseAddress splits an address into host and port.
func parseAddress(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// connectedSession returns a session connected to server and disconnects it
// when the test ends.
func connectedSession(t *testing.T, server *testSSHServer) *Session {
	t.Helper()

	session, err := NewSession(server.clientConfig())
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if err := session.Connect(0); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = session.Disconnect(time.Second) })
	return session
}
