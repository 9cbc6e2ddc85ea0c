package command

import (
	"context"
	stderrors "errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecRunner_Success(t *testing.T) {
	requireShell(t)
	r := NewExecRunner()

	out, err := r.Run(context.Background(), "sh", "-c", "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
}

func TestExecRunner_NonZeroExit(t *testing.T) {
	requireShell(t)
	r := NewExecRunner()

	_, err := r.Run(context.Background(), "sh", "-c", "echo oops >&2; exit 3")
	require.Error(t, err)

	var ce *Error
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, KindExit, ce.Kind())
	assert.Equal(t, 3, ce.ExitCode)
	assert.Equal(t, "oops", ce.Stderr)
	assert.Contains(t, ce.Error(), "exit status 3")
	assert.Equal(t, KindExit, KindOf(err))
}

func TestExecRunner_Timeout(t *testing.T) {
	requireShell(t)
	r := NewExecRunner(WithTimeout(50 * time.Millisecond))

	start := time.Now()
	_, err := r.Run(context.Background(), "sh", "-c", "sleep 5")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestExecRunner_MissingBinary(t *testing.T) {
	r := NewExecRunner()

	_, err := r.Run(context.Background(), "definitely-not-a-real-binary-xyz")
	require.Error(t, err)
	assert.Equal(t, KindStart, KindOf(err))
}

func TestWithDriverPath(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("LD_LIBRARY_PATH", "")

	r := NewExecRunner(WithDriverPath("/var/drivers/nvidia/current"))
	require.Len(t, r.Env, 2)
	assert.Equal(t, "PATH=/var/drivers/nvidia/current/bin:/usr/bin", r.Env[0])
	assert.Equal(t, "LD_LIBRARY_PATH=/var/drivers/nvidia/current/lib:/var/drivers/nvidia/current/lib64", r.Env[1])
}

func TestExecRunner_PrefersDriverBinary(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0o755))
	script := filepath.Join(dir, "bin", "fake-smi")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho from-driver\n"), 0o755))

	r := NewExecRunner(WithDriverPath(dir))
	out, err := r.Run(context.Background(), "fake-smi")
	require.NoError(t, err)
	assert.Equal(t, "from-driver\n", string(out))

	assert.Equal(t, "sh", r.resolve("sh"))
	assert.Equal(t, "/bin/fake-smi", r.resolve("/bin/fake-smi"))
}

func TestWithDriverPath_Empty(t *testing.T) {
	r := NewExecRunner(WithDriverPath(""))
	assert.Empty(t, r.Env)
}

func TestKindOf_NonCommandError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(stderrors.New("plain")))
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", maxStderr+10)
	assert.Len(t, truncate(long, maxStderr), maxStderr)
	assert.Equal(t, "abc", truncate("abc", maxStderr))
}
