// Package sshexec runs command lines on Windows hosts over SSH (OpenSSH for
// Windows or Cygwin sshd). Handles key/password auth, connection caching and
// TOFU host key verification. Commands are passed to the remote default
// shell untouched.
package sshexec

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Target describes a machine to execute commands on.
type Target struct {
	Hostname       string        `json:"hostname"`
	Port           int           `json:"port"`
	Username       string        `json:"username"`
	Password       string        `json:"password,omitempty"`
	PrivateKey     string        `json:"private_key,omitempty"`      // PEM-encoded key content
	PrivateKeyPath string        `json:"private_key_path,omitempty"` // Path to key file
	ConnectTimeout time.Duration `json:"connect_timeout"`
}

// Result is the outcome of one command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// cachedConn holds an SSH client with its creation time.
type cachedConn struct {
	client    *ssh.Client
	createdAt time.Time
}

const (
	connMaxAge            = 300 * time.Second
	defaultTimeout        = 3600 * time.Second
	defaultConnectTimeout = 30 * time.Second
)

// Executor manages SSH connections and command execution.
type Executor struct {
	conns          map[string]*cachedConn
	hostKeys       map[string]ssh.PublicKey // in-memory TOFU cache
	knownHostsPath string
	mu             sync.Mutex
	logger         *zap.Logger
}

// NewExecutor creates a new SSH executor and loads persisted host keys from
// knownHostsPath. An empty path keeps host keys in memory only.
func NewExecutor(knownHostsPath string, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		conns:          make(map[string]*cachedConn),
		hostKeys:       make(map[string]ssh.PublicKey),
		knownHostsPath: knownHostsPath,
		logger:         logger.Named("ssh"),
	}
	e.loadKnownHosts()
	return e
}

// Run executes command on target. A non-zero exit is reported in the Result.
func (e *Executor) Run(ctx context.Context, target *Target, command string, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client, err := e.getConnection(target)
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}

	session, err := client.NewSession()
	if err != nil {
		e.InvalidateConnection(target.Hostname)
		return nil, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("run on %s: %w", target.Hostname, ctx.Err())
	case <-time.After(timeout):
		return nil, fmt.Errorf("run on %s: timed out after %s", target.Hostname, timeout)
	case err := <-done:
		exitCode := 0
		if err != nil {
			var exitErr *ssh.ExitError
			if !errors.As(err, &exitErr) {
				e.InvalidateConnection(target.Hostname)
				return nil, fmt.Errorf("run on %s: %w", target.Hostname, err)
			}
			exitCode = exitErr.ExitStatus()
		}
		return &Result{
			ExitCode: exitCode,
			Stdout:   strings.TrimSpace(stdout.String()),
			Stderr:   strings.TrimSpace(stderr.String()),
			Duration: time.Since(start),
		}, nil
	}
}

// getConnection returns a cached or new SSH connection.
func (e *Executor) getConnection(target *Target) (*ssh.Client, error) {
	e.mu.Lock()
	if cached, ok := e.conns[target.Hostname]; ok {
		if time.Since(cached.createdAt) < connMaxAge {
			e.mu.Unlock()
			return cached.client, nil
		}
		cached.client.Close()
		delete(e.conns, target.Hostname)
	}
	e.mu.Unlock()

	config, err := e.buildSSHConfig(target)
	if err != nil {
		return nil, err
	}

	port := target.Port
	if port == 0 {
		port = 22
	}
	connectTimeout := target.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = defaultConnectTimeout
	}

	addr := net.JoinHostPort(target.Hostname, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	e.mu.Lock()
	e.conns[target.Hostname] = &cachedConn{client: client, createdAt: time.Now()}
	e.mu.Unlock()

	e.logger.Info("New connection",
		zap.String("host", target.Hostname), zap.Int("port", port), zap.String("user", config.User))
	return client, nil
}

// InvalidateConnection removes a cached connection for a host.
func (e *Executor) InvalidateConnection(hostname string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := e.conns[hostname]; ok {
		cached.client.Close()
		delete(e.conns, hostname)
	}
}

// ConnectionCount returns the number of cached connections.
func (e *Executor) ConnectionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// CloseAll closes all cached connections.
func (e *Executor) CloseAll() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for host, cached := range e.conns {
		cached.client.Close()
		delete(e.conns, host)
	}
}

func (e *Executor) buildSSHConfig(target *Target) (*ssh.ClientConfig, error) {
	username := target.Username
	if username == "" {
		username = "Administrator"
	}

	config := &ssh.ClientConfig{
		User:            username,
		HostKeyCallback: e.tofuHostKeyCallback,
		Timeout:         defaultConnectTimeout,
	}

	keyPEM := target.PrivateKey
	if keyPEM == "" && target.PrivateKeyPath != "" {
		data, err := os.ReadFile(target.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		keyPEM = string(data)
	}

	// The SQL Server installer misbehaves under key-only logins, so a
	// password is offered alongside a key when both are configured.
	if keyPEM != "" {
		signer, err := ssh.ParsePrivateKey([]byte(keyPEM))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		config.Auth = append(config.Auth, ssh.PublicKeys(signer))
	}
	if target.Password != "" {
		config.Auth = append(config.Auth, ssh.Password(target.Password))
	}
	if len(config.Auth) == 0 {
		return nil, fmt.Errorf("no auth method for %s (need key or password)", target.Hostname)
	}

	return config, nil
}

// tofuHostKeyCallback accepts and persists unknown host keys and rejects
// keys that changed since first contact.
func (e *Executor) tofuHostKeyCallback(hostname string, _ net.Addr, key ssh.PublicKey) error {
	host, _, err := net.SplitHostPort(hostname)
	if err != nil {
		host = hostname
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	existing, known := e.hostKeys[host]
	if !known {
		e.hostKeys[host] = key
		e.logger.Info("TOFU: accepted new host key", zap.String("host", host), zap.String("type", key.Type()))
		e.saveKnownHosts()
		return nil
	}

	if string(existing.Marshal()) == string(key.Marshal()) {
		return nil
	}

	e.logger.Error("Host key changed",
		zap.String("host", host), zap.String("was", existing.Type()), zap.String("now", key.Type()))
	return fmt.Errorf("host key mismatch for %s: expected %s, got %s (remove from %s to accept new key)",
		host, ssh.FingerprintSHA256(existing), ssh.FingerprintSHA256(key), e.knownHostsPath)
}

// loadKnownHosts reads persisted host keys. Format: "hostname key-type base64-key".
func (e *Executor) loadKnownHosts() {
	if e.knownHostsPath == "" {
		return
	}
	f, err := os.Open(e.knownHostsPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			continue
		}
		keyBytes, err := base64.StdEncoding.DecodeString(parts[2])
		if err != nil {
			e.logger.Warn("TOFU: bad base64 in known_hosts, skipping", zap.String("host", parts[0]))
			continue
		}
		pubKey, err := ssh.ParsePublicKey(keyBytes)
		if err != nil {
			e.logger.Warn("TOFU: bad key in known_hosts, skipping", zap.String("host", parts[0]))
			continue
		}
		e.hostKeys[parts[0]] = pubKey
	}
}

// saveKnownHosts persists all known host keys. Must be called with e.mu held.
func (e *Executor) saveKnownHosts() {
	if e.knownHostsPath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(e.knownHostsPath), 0o755); err != nil {
		e.logger.Warn("TOFU: cannot create known_hosts dir", zap.Error(err))
		return
	}

	var buf strings.Builder
	buf.WriteString("# SSH known hosts (TOFU, managed by mssqlpro)\n")
	for host, key := range e.hostKeys {
		fmt.Fprintf(&buf, "%s %s %s\n", host, key.Type(), base64.StdEncoding.EncodeToString(key.Marshal()))
	}

	if err := os.WriteFile(e.knownHostsPath, []byte(buf.String()), 0o600); err != nil {
		e.logger.Warn("TOFU: failed to save known_hosts", zap.Error(err))
	}
}

// Runner binds an Executor to one target. It satisfies remote.Runner.
type Runner struct {
	exec    *Executor
	target  *Target
	timeout time.Duration
}

// NewRunner returns a Runner for target. timeout bounds each command.
func NewRunner(exec *Executor, target *Target, timeout time.Duration) *Runner {
	return &Runner{exec: exec, target: target, timeout: timeout}
}

// Exec runs command and returns its exit code.
func (r *Runner) Exec(ctx context.Context, summary, command string) (int, error) {
	res, err := r.exec.Run(ctx, r.target, command, r.timeout)
	if err != nil {
		return -1, err
	}
	r.exec.logger.Debug(summary,
		zap.String("host", r.target.Hostname),
		zap.Int("errorlevel", res.ExitCode),
		zap.Duration("took", res.Duration),
		zap.String("stdout", res.Stdout),
		zap.String("stderr", res.Stderr))
	return res.ExitCode, nil
}
