package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type call struct {
	summary string
	command string
}

type fakeRunner struct {
	calls []call
	codes map[string]int   // summary prefix -> exit code
	errs  map[string]error // summary prefix -> transport error
}

func (f *fakeRunner) Exec(_ context.Context, summary, command string) (int, error) {
	f.calls = append(f.calls, call{summary, command})
	for prefix, err := range f.errs {
		if strings.HasPrefix(summary, prefix) {
			return -1, err
		}
	}
	for prefix, code := range f.codes {
		if strings.HasPrefix(summary, prefix) {
			return code, nil
		}
	}
	return 0, nil
}

func TestEncodePowerShell(t *testing.T) {
	// G e t - D a t e in UTF-16LE
	assert.Equal(t, "RwBlAHQALQBEAGEAdABlAA==", EncodePowerShell("Get-Date"))

	raw, err := base64.StdEncoding.DecodeString(EncodePowerShell("é"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xE9, 0x00}, raw)
}

func TestPowerShellCommand(t *testing.T) {
	assert.Equal(t, "PowerShell -EncodedCommand RwBlAHQALQBEAGEAdABlAA==", PowerShellCommand("Get-Date"))
}

func TestRunCommandNonZeroIsFatal(t *testing.T) {
	r := &fakeRunner{codes: map[string]int{"Install": 3}}
	m := NewMachine(r, "", zaptest.NewLogger(t))

	err := m.RunCommand(context.Background(), "Install", "setup.exe")
	require.Error(t, err)

	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 3, cmdErr.ExitCode)
	assert.Equal(t, "Install: command failed with errorlevel 3", err.Error())
}

func TestRunCommandTransportError(t *testing.T) {
	r := &fakeRunner{errs: map[string]error{"Start": errors.New("dial tcp: refused")}}
	m := NewMachine(r, "", zaptest.NewLogger(t))

	err := m.RunCommand(context.Background(), "Start service", "sc start x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
}

func TestRunCommandIgnoringError(t *testing.T) {
	r := &fakeRunner{
		codes: map[string]int{"Stop": 1062},
		errs:  map[string]error{"Gone": errors.New("timeout")},
	}
	m := NewMachine(r, "", zaptest.NewLogger(t))

	m.RunCommandIgnoringError(context.Background(), "Stop service", "sc stop x")
	m.RunCommandIgnoringError(context.Background(), "Gone", "sc stop y")
	assert.Len(t, r.calls, 2)
}

func TestRunPowerShellEncodes(t *testing.T) {
	r := &fakeRunner{}
	m := NewMachine(r, "", zaptest.NewLogger(t))

	require.NoError(t, m.RunPowerShell(context.Background(), "Enable TCP/IP port", "Get-Date"))
	require.Len(t, r.calls, 1)
	assert.Equal(t, "PowerShell -EncodedCommand RwBlAHQALQBEAGEAdABlAA==", r.calls[0].command)
}

func TestExecCommandReturnsExitCode(t *testing.T) {
	r := &fakeRunner{codes: map[string]int{"Query": 1}}
	m := NewMachine(r, "", zaptest.NewLogger(t))

	code, err := m.ExecCommand(context.Background(), "Query service status", "sc query")
	require.NoError(t, err)
	assert.Equal(t, 1, code)
}

func TestCopyContentChunks(t *testing.T) {
	r := &fakeRunner{}
	m := NewMachine(r, `C:\Temp\`, zaptest.NewLogger(t))

	data := []byte(strings.Repeat("x", 5000)) // 6668 base64 chars -> 2 chunks
	require.NoError(t, m.CopyContent(context.Background(), "Copy config", data, `C:\ConfigurationFile.ini`))

	require.Len(t, r.calls, 3)
	assert.True(t, strings.HasPrefix(r.calls[0].command, "echo "))
	assert.Contains(t, r.calls[0].command, `>"C:\Temp\mssqlpro_`)
	assert.Contains(t, r.calls[1].command, `>>"C:\Temp\mssqlpro_`)
	assert.True(t, strings.HasPrefix(r.calls[2].command, "PowerShell -EncodedCommand "))

	// chunks reassemble to the original content
	var b64 string
	for _, c := range r.calls[:2] {
		s := strings.TrimPrefix(c.command, "echo ")
		b64 += s[:strings.Index(s, ">")]
	}
	decoded, err := base64.StdEncoding.DecodeString(b64)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestCopyContentStopsOnFailure(t *testing.T) {
	r := &fakeRunner{codes: map[string]int{"Copy config (chunk 1": 1}}
	m := NewMachine(r, "", zaptest.NewLogger(t))

	err := m.CopyContent(context.Background(), "Copy config", []byte("abc"), `C:\x.ini`)
	require.Error(t, err)
	assert.Len(t, r.calls, 1)
}

func TestSplitString(t *testing.T) {
	tests := []struct {
		input    string
		size     int
		expected int
	}{
		{"hello", 3, 2},
		{"hello", 10, 1},
		{"", 5, 0},
		{"abcdef", 2, 3},
	}
	for _, tt := range tests {
		chunks := splitString(tt.input, tt.size)
		assert.Len(t, chunks, tt.expected)
		assert.Equal(t, tt.input, strings.Join(chunks, ""))
	}
}
