// Package winrm runs cmd.exe command lines on Windows targets over WinRM.
// It caches one client per host, authenticates with NTLM unless Basic is
// requested, and reports each command's exit code.
package winrm

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	gowinrm "github.com/masterzen/winrm"
	"go.uber.org/zap"
)

// Target describes a Windows machine to execute commands on.
type Target struct {
	Hostname  string `json:"hostname"`
	Port      int    `json:"port"`
	Username  string `json:"username"` // DOMAIN\user or local user
	Password  string `json:"password"`
	UseSSL    bool   `json:"use_ssl"`
	VerifySSL bool   `json:"verify_ssl"`
	UseBasic  bool   `json:"use_basic"`
}

// Result is the outcome of one command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// cachedSession holds a WinRM client with its creation time.
type cachedSession struct {
	client    *gowinrm.Client
	createdAt time.Time
}

const (
	sessionMaxAge  = 300 * time.Second
	defaultTimeout = 3600 * time.Second
)

// Executor manages WinRM sessions and command execution.
type Executor struct {
	sessions map[string]*cachedSession
	mu       sync.Mutex
	logger   *zap.Logger
}

// NewExecutor creates a new WinRM executor.
func NewExecutor(logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		sessions: make(map[string]*cachedSession),
		logger:   logger.Named("winrm"),
	}
}

// Run executes command on target. A non-zero exit is reported in the Result,
// not as an error. Transport failures drop the cached session.
func (e *Executor) Run(ctx context.Context, target *Target, command string, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := e.getSession(target)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	start := time.Now()
	var stdout, stderr bytes.Buffer
	exitCode, err := client.RunWithContext(ctx, command, &stdout, &stderr)
	if err != nil {
		e.InvalidateSession(target.Hostname)
		return nil, fmt.Errorf("run on %s: %w", target.Hostname, err)
	}

	return &Result{
		ExitCode: exitCode,
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(start),
	}, nil
}

// getSession returns a cached or new WinRM client.
func (e *Executor) getSession(target *Target) (*gowinrm.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := e.sessions[target.Hostname]; ok {
		if time.Since(cached.createdAt) < sessionMaxAge {
			return cached.client, nil
		}
		e.logger.Debug("Session expired, refreshing", zap.String("host", target.Hostname))
	}

	port := resolvePort(target)
	endpoint := gowinrm.NewEndpoint(target.Hostname, port, target.UseSSL, !target.VerifySSL, nil, nil, nil, 0)

	var (
		client *gowinrm.Client
		err    error
	)
	if target.UseBasic {
		client, err = gowinrm.NewClient(endpoint, target.Username, target.Password)
	} else {
		params := gowinrm.NewParameters("PT120S", "en-US", 153600)
		params.TransportDecorator = func() gowinrm.Transporter { return &gowinrm.ClientNTLM{} }
		client, err = gowinrm.NewClientWithParameters(endpoint, target.Username, target.Password, params)
	}
	if err != nil {
		return nil, fmt.Errorf("create WinRM client for %s: %w", target.Hostname, err)
	}

	e.sessions[target.Hostname] = &cachedSession{
		client:    client,
		createdAt: time.Now(),
	}

	e.logger.Info("New session",
		zap.String("host", target.Hostname), zap.Int("port", port), zap.Bool("ssl", target.UseSSL))
	return client, nil
}

// InvalidateSession removes a cached session for a host.
func (e *Executor) InvalidateSession(hostname string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.sessions, hostname)
	e.logger.Debug("Invalidated session", zap.String("host", hostname))
}

// SessionCount returns the number of cached sessions.
func (e *Executor) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func resolvePort(target *Target) int {
	if target.Port != 0 {
		return target.Port
	}
	if target.UseSSL {
		return 5986
	}
	return 5985
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
