package ssh

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// client runs scripts in sessions of an ssh connection.
type client struct {
	c *ssh.Client
}

// Dial connects to the host of cfg.
func Dial(ctx context.Context, cfg Config) (Runner, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh host is required")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("ssh user is required")
	}
	sshConfig, err := clientConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create ssh config: %w", err)
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	conn, err := net.DialTimeout("tcp", addr, time.Until(deadline))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ssh server %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake failed: %w", err)
	}
	return &client{c: ssh.NewClient(sshConn, chans, reqs)}, nil
}

func clientConfig(cfg Config) (*ssh.ClientConfig, error) {
	config := &ssh.ClientConfig{
		User:            cfg.User,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}
	if cfg.KnownHosts != "" {
		cb, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, err
		}
		config.HostKeyCallback = cb
	}
	if cfg.Password != "" {
		config.Auth = append(config.Auth, ssh.Password(cfg.Password))
	}
	if cfg.KeyFile != "" {
		data, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		key, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		config.Auth = append(config.Auth, ssh.PublicKeys(key))
	}
	if len(config.Auth) == 0 {
		return nil, fmt.Errorf("ssh requires either password or private key")
	}
	return config, nil
}

// Run runs script in a new session. The session is closed when ctx is done.
func (c *client) Run(ctx context.Context, script string, stdin io.Reader, stdout io.Writer) error {
	s, err := c.c.NewSession()
	if err != nil {
		return err
	}
	defer s.Close()
	s.Stdin = stdin
	s.Stdout = stdout
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-done:
		}
	}()
	err = s.Run(script)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *client) Close() error {
	return c.c.Close()
}
