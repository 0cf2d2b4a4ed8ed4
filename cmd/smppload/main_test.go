package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smppload/internal/core"
	"smppload/testserver"
)

func writeConfig(t *testing.T, addr string, binds int) string {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	body := fmt.Sprintf(`
[smpp]
host = %q
port = %s
system_id = "client"
password = "secret"
bind_timeout = "500ms"
response_timeout = "1s"

[message]
source_addr = "1000"
destination_addr = "2000"
body = "load test"

[load]
binds = %d
max_tps_per_bind = 50
inflight_per_bind = 8

[run]
drain_timeout = "1s"
refresh_interval = "50ms"
`, host, port, binds)

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRun_JSONSummary(t *testing.T) {
	smsc := testserver.NewSMSC(testserver.Options{User: "client", Passwd: "secret"})
	smsc.Start()
	defer smsc.Close()

	var stdout, stderr core.MockWriter
	code := run(context.Background(), runOptions{
		ConfigPath: writeConfig(t, smsc.Addr(), 2),
		Duration:   300 * time.Millisecond,
		Output:     outputJSON,
		Quiet:      true,
		LogLevel:   "warn",
	}, &stdout, &stderr)

	require.Equal(t, ExitSuccess, code, stderr.String())

	var summary struct {
		RunID string `json:"runId"`
		Total uint64 `json:"total"`
		OK    uint64 `json:"ok"`
		Binds []struct {
			State string `json:"state"`
		} `json:"binds"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout.String()), &summary))
	assert.NotEmpty(t, summary.RunID)
	assert.Positive(t, summary.Total)
	assert.Equal(t, summary.Total, summary.OK)
	assert.Equal(t, uint64(smsc.Submitted()), summary.Total)
	require.Len(t, summary.Binds, 2)
	for _, b := range summary.Binds {
		assert.Equal(t, "closed", b.State)
	}
}

func TestRun_JSONKeepsDashboardOffStdout(t *testing.T) {
	smsc := testserver.NewSMSC(testserver.Options{User: "client", Passwd: "secret"})
	smsc.Start()
	defer smsc.Close()

	var stdout, stderr core.MockWriter
	code := run(context.Background(), runOptions{
		ConfigPath: writeConfig(t, smsc.Addr(), 1),
		Duration:   200 * time.Millisecond,
		Output:     outputJSON,
		LogLevel:   "error",
	}, &stdout, &stderr)

	require.Equal(t, ExitSuccess, code, stderr.String())
	var summary map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(stdout.String()), &summary), stdout.String())
	assert.Contains(t, stderr.String(), "Bind states:")
	assert.Contains(t, stderr.String(), "Run stopped: duration 200ms elapsed")
}

func TestRun_TextSummary(t *testing.T) {
	smsc := testserver.NewSMSC(testserver.Options{User: "client", Passwd: "secret"})
	smsc.Start()
	defer smsc.Close()

	var stdout, stderr core.MockWriter
	code := run(context.Background(), runOptions{
		ConfigPath: writeConfig(t, smsc.Addr(), 1),
		Duration:   200 * time.Millisecond,
		Output:     outputText,
		Quiet:      true,
		LogLevel:   "error",
	}, &stdout, &stderr)

	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout.String(), "smppload - Run Summary")
	assert.Contains(t, stdout.String(), "By Bind:")
}

func TestRun_BindFailureExitCode(t *testing.T) {
	// Nothing listens on the reserved address once the listener is closed.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	var stdout, stderr core.MockWriter
	code := run(context.Background(), runOptions{
		ConfigPath: writeConfig(t, addr, 2),
		Duration:   5 * time.Second,
		Output:     outputText,
		Quiet:      true,
		LogLevel:   "error",
	}, &stdout, &stderr)

	assert.Equal(t, ExitRunFailed, code)
	assert.Contains(t, stdout.String(), "✗")
}

func TestRun_ZeroBinds(t *testing.T) {
	var stdout, stderr core.MockWriter
	code := run(context.Background(), runOptions{
		ConfigPath: writeConfig(t, "127.0.0.1:2775", 0),
		Output:     outputJSON,
		Quiet:      true,
		LogLevel:   "error",
	}, &stdout, &stderr)

	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout.String(), `"total": 0`)
}

func TestRun_InvalidConfig(t *testing.T) {
	var stdout, stderr core.MockWriter
	code := run(context.Background(), runOptions{
		ConfigPath: filepath.Join(t.TempDir(), "missing.toml"),
		Output:     outputText,
		Quiet:      true,
	}, &stdout, &stderr)

	assert.Equal(t, ExitError, code)
	assert.Empty(t, stdout.String())
	assert.Contains(t, stderr.String(), "invalid configuration")
}

func TestRun_InvalidLogLevel(t *testing.T) {
	var stdout, stderr core.MockWriter
	code := run(context.Background(), runOptions{LogLevel: "loud"}, &stdout, &stderr)
	assert.Equal(t, ExitError, code)
}

func TestRootCmd_RejectsBadOutput(t *testing.T) {
	code := ExitSuccess
	cmd := newRootCmd(&code)
	cmd.SetArgs([]string{"--output", "xml", "cfg.toml"})
	assert.Error(t, cmd.Execute())
}

func TestRootCmd_RejectsDuplicateConfig(t *testing.T) {
	code := ExitSuccess
	cmd := newRootCmd(&code)
	cmd.SetArgs([]string{"--config", "a.toml", "b.toml"})
	assert.Error(t, cmd.Execute())
}

func TestExitCode(t *testing.T) {
	bindErr := &core.BindError{Bind: 1, Err: errors.New("refused")}
	drainErr := &core.DrainTimeoutError{Bind: 0}

	assert.Equal(t, ExitSuccess, exitCode(nil))
	assert.Equal(t, ExitRunFailed, exitCode(bindErr))
	assert.Equal(t, ExitRunFailed, exitCode(multierror.Append(nil, drainErr)))
	assert.Equal(t, ExitError, exitCode(errors.New("boom")))
}

func TestErrorLines(t *testing.T) {
	assert.Nil(t, errorLines(nil))
	assert.Equal(t, []string{"boom"}, errorLines(errors.New("boom")))

	merr := multierror.Append(nil, errors.New("a"), errors.New("b"))
	assert.Equal(t, []string{"a", "b"}, errorLines(merr))
}
