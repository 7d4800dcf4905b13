// Package remote runs commands on a Windows machine through whichever
// transport the deployment uses (WinRM or SSH). Commands are plain cmd.exe
// lines; PowerShell is sent as an -EncodedCommand so quoting survives both
// transports. Files are copied by staging base64 chunks through echo.
package remote

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Runner executes a single command line on the remote machine.
//
// A command that ran reports its exit code with a nil error. A non-nil error
// means the command could not be delivered (dial, auth, timeout).
type Runner interface {
	Exec(ctx context.Context, summary, command string) (int, error)
}

// CommandError is returned when a command that must succeed exits non-zero.
type CommandError struct {
	Summary  string
	ExitCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: command failed with errorlevel %d", e.Summary, e.ExitCode)
}

const (
	chunkSize      = 6000 // base64 chars per echo, well under cmd.exe's 8191 limit
	defaultTempDir = `C:\Windows\Temp`
)

// Machine is a Windows host reachable through a Runner.
type Machine struct {
	runner  Runner
	tempDir string
	logger  *zap.Logger
}

// NewMachine wraps runner. tempDir is where CopyContent stages its chunks.
func NewMachine(runner Runner, tempDir string, logger *zap.Logger) *Machine {
	if tempDir == "" {
		tempDir = defaultTempDir
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		runner:  runner,
		tempDir: strings.TrimRight(tempDir, `\`),
		logger:  logger.Named("machine"),
	}
}

// ExecCommand runs command and returns its exit code unchanged.
func (m *Machine) ExecCommand(ctx context.Context, summary, command string) (int, error) {
	return m.runner.Exec(ctx, summary, command)
}

// RunCommand runs command and fails on a transport error or non-zero exit.
func (m *Machine) RunCommand(ctx context.Context, summary, command string) error {
	m.logger.Info(summary, zap.String("command", command))
	return m.run(ctx, summary, command)
}

// RunCommandIgnoringError runs command and only logs a failure.
func (m *Machine) RunCommandIgnoringError(ctx context.Context, summary, command string) {
	m.logger.Info(summary, zap.String("command", command))
	code, err := m.runner.Exec(ctx, summary, command)
	switch {
	case err != nil:
		m.logger.Warn("Ignoring failed command", zap.String("summary", summary), zap.Error(err))
	case code != 0:
		m.logger.Info("Ignoring non-zero exit", zap.String("summary", summary), zap.Int("errorlevel", code))
	}
}

// RunPowerShell runs script through PowerShell -EncodedCommand.
func (m *Machine) RunPowerShell(ctx context.Context, summary, script string) error {
	m.logger.Info(summary, zap.String("script", script))
	return m.run(ctx, summary, PowerShellCommand(script))
}

// CopyContent writes data to remotePath on the machine. The content is staged
// as base64 in the temp dir, decoded by PowerShell, then the staging file is
// removed.
func (m *Machine) CopyContent(ctx context.Context, summary string, data []byte, remotePath string) error {
	sum := sha256.Sum256(data)
	staging := fmt.Sprintf(`%s\mssqlpro_%x.b64`, m.tempDir, sum[:4])
	encoded := base64.StdEncoding.EncodeToString(data)

	m.logger.Info(summary, zap.String("path", remotePath), zap.Int("bytes", len(data)))

	chunks := splitString(encoded, chunkSize)
	if len(chunks) == 0 {
		// echo. writes an empty line, which decodes to nothing
		chunks = []string{""}
	}
	for i, chunk := range chunks {
		op := ">"
		if i > 0 {
			op = ">>"
		}
		cmd := fmt.Sprintf(`echo %s%s"%s"`, chunk, op, staging)
		if chunk == "" {
			cmd = fmt.Sprintf(`echo.%s"%s"`, op, staging)
		}
		if err := m.run(ctx, fmt.Sprintf("%s (chunk %d/%d)", summary, i+1, len(chunks)), cmd); err != nil {
			return err
		}
	}

	decode := fmt.Sprintf(
		`$r=(Get-Content '%s' -Raw) -replace '\s',''; `+
			`[IO.File]::WriteAllBytes('%s',[Convert]::FromBase64String($r)); `+
			`Remove-Item '%s' -Force -EA SilentlyContinue`,
		staging, remotePath, staging,
	)
	return m.run(ctx, summary+" (decode)", PowerShellCommand(decode))
}

func (m *Machine) run(ctx context.Context, summary, command string) error {
	code, err := m.runner.Exec(ctx, summary, command)
	if err != nil {
		return fmt.Errorf("%s: %w", summary, err)
	}
	if code != 0 {
		return &CommandError{Summary: summary, ExitCode: code}
	}
	return nil
}

func splitString(s string, size int) []string {
	var chunks []string
	for len(s) > 0 {
		end := size
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[:end])
		s = s[end:]
	}
	return chunks
}
