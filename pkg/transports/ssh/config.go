package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Auth method names as reported by Info.
const (
	MethodPublicKey           = "publickey"
	MethodPassword            = "password"
	MethodKeyboardInteractive = "keyboard-interactive"
)

// Config holds SSH connection configuration.
type Config struct {
	// Host is the remote hostname or IP address
	Host string `yaml:"host" validate:"required,hostname_rfc1123|ip"`

	// Port is the SSH port (default: 22)
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// User is the SSH username
	User string `yaml:"user" validate:"required"`

	// Password for password and keyboard-interactive authentication
	Password string `yaml:"password,omitempty"`

	// PrivateKeyPath is the path to the private key file
	PrivateKeyPath string `yaml:"private_key,omitempty"`

	// PrivateKeyPassphrase is the passphrase for encrypted private keys
	PrivateKeyPassphrase string `yaml:"passphrase,omitempty"`

	// UseAgent offers the keys held by the agent at $SSH_AUTH_SOCK
	UseAgent bool `yaml:"use_agent,omitempty"`

	// KnownHostsPath is the path to the known_hosts file
	KnownHostsPath string `yaml:"known_hosts,omitempty"`

	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath.
	// When false any host key is accepted.
	StrictHostKeyChecking bool `yaml:"strict_host_key_checking"`

	// ConnectionTimeout bounds Connect when the caller passes zero
	ConnectionTimeout time.Duration `yaml:"connect_timeout" validate:"gt=0"`

	// CommandTimeout bounds channel and SFTP calls when the caller passes zero
	CommandTimeout time.Duration `yaml:"command_timeout" validate:"gt=0"`

	// KeepAliveInterval is the interval for sending keep-alive messages.
	// Set to 0 to disable the background keep-alive.
	KeepAliveInterval time.Duration `yaml:"keepalive_interval" validate:"gte=0"`

	// KeepAliveTimeout bounds a single keep-alive round. Zero falls back to
	// CommandTimeout.
	KeepAliveTimeout time.Duration `yaml:"keepalive_timeout" validate:"gte=0"`

	// DisconnectTimeout bounds Disconnect(0) and the teardown run after a
	// fatal transport error. Zero falls back to CommandTimeout.
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout" validate:"gte=0"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		CommandTimeout:        60 * time.Second,
		KeepAliveInterval:     0, // Disabled by default
		KeepAliveTimeout:      15 * time.Second,
		DisconnectTimeout:     5 * time.Second,
	}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := configValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: failed %q check", fe.Field(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.PrivateKeyPath != "" {
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	}

	if c.StrictHostKeyChecking && c.KnownHostsPath == "" {
		return fmt.Errorf("known_hosts path is required with strict host key checking")
	}

	return nil
}

// HasCredentials reports whether at least one auth method is configured.
func (c *Config) HasCredentials() bool {
	return c.PrivateKeyPath != "" || c.Password != "" || (c.UseAgent && os.Getenv("SSH_AUTH_SOCK") != "")
}

// authTrace records which auth methods the client offered during a handshake.
type authTrace struct {
	mu      sync.Mutex
	methods []string
}

func (t *authTrace) attempt(method string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.methods); n > 0 && t.methods[n-1] == method {
		return
	}
	t.methods = append(t.methods, method)
}

func (t *authTrace) snapshot() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.methods...)
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the Config.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	cfg, closer, err := c.buildClientConfig(nil)
	if closer != nil {
		closer()
	}
	return cfg, err
}

// buildClientConfig assembles auth methods in the order public key, agent,
// password. The returned closer releases the agent socket, if one was opened.
func (c *Config) buildClientConfig(trace *authTrace) (*ssh.ClientConfig, func(), error) {
	var authMethods []ssh.AuthMethod
	var closer func()

	if c.PrivateKeyPath != "" {
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse private key: %w", err)
		}

		authMethods = append(authMethods, ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
			trace.attempt(MethodPublicKey)
			return []ssh.Signer{signer}, nil
		}))
	}

	if c.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				log.Warn().Err(err).Str("socket", sock).Msg("SSH agent unavailable, skipping")
			} else {
				closer = func() { _ = conn.Close() }
				agentClient := agent.NewClient(conn)
				authMethods = append(authMethods, ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
					trace.attempt(MethodPublicKey)
					return agentClient.Signers()
				}))
			}
		}
	}

	if c.Password != "" {
		password := c.Password
		authMethods = append(authMethods, ssh.PasswordCallback(func() (string, error) {
			trace.attempt(MethodPassword)
			return password, nil
		}))

		// Add keyboard-interactive authentication (required by many SSH servers)
		// This handles the common "Password:" prompt
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				trace.attempt(MethodKeyboardInteractive)
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			},
		))
	}

	if len(authMethods) == 0 {
		if closer != nil {
			closer()
		}
		return nil, nil, errNoCredentials
	}

	// Configure host key callback
	var hostKeyCallback ssh.HostKeyCallback
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			if closer != nil {
				closer()
			}
			return nil, nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		log.Warn().Str("host", c.Host).Msg("host key verification disabled")
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	clientConfig := &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}

	return clientConfig, closer, nil
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

func (c *Config) commandTimeout(timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	return c.CommandTimeout
}

func (c *Config) keepAliveTimeout() time.Duration {
	return c.commandTimeout(c.KeepAliveTimeout)
}

func (c *Config) disconnectTimeout() time.Duration {
	return c.commandTimeout(c.DisconnectTimeout)
}
