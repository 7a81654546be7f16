package daemon

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLifecycleManager(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()

	lm := NewLifecycleManager(daemon)
	assert.Equal(t, daemon, lm.daemon)
	assert.Equal(t, filepath.Join(daemon.config.DataDir, "vice.pid"), lm.pidFile)
}

func TestLifecycleManagerStartStop(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()

	lm := NewLifecycleManager(daemon)

	require.NoError(t, lm.Start())
	pid, err := ReadPID(lm.pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, lm.Stop())
	_, err = os.Stat(lm.pidFile)
	assert.True(t, os.IsNotExist(err))

	// Removing a missing PID file is not an error
	require.NoError(t, lm.Stop())
}

func TestLifecycleManager_StalePIDFile(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()

	lm := NewLifecycleManager(daemon)
	require.NoError(t, os.WriteFile(lm.pidFile, []byte("999999999"), 0644))

	require.NoError(t, lm.Start())
	pid, err := ReadPID(lm.pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	require.NoError(t, lm.Stop())
}

func TestLifecycleManager_LiveProcess(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()

	other := exec.Command("sleep", "5")
	if err := other.Start(); err != nil {
		t.Skipf("cannot start helper process: %v", err)
	}
	t.Cleanup(func() {
		_ = other.Process.Kill()
		_ = other.Wait()
	})

	lm := NewLifecycleManager(daemon)
	require.NoError(t, os.WriteFile(lm.pidFile, []byte(strconv.Itoa(other.Process.Pid)), 0644))

	err := lm.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadPID(filepath.Join(dir, "missing.pid"))
	assert.True(t, os.IsNotExist(err))

	bad := filepath.Join(dir, "bad.pid")
	require.NoError(t, os.WriteFile(bad, []byte("not-a-pid"), 0644))
	_, err = ReadPID(bad)
	assert.Error(t, err)

	good := filepath.Join(dir, "good.pid")
	require.NoError(t, os.WriteFile(good, []byte("42\n"), 0644))
	pid, err := ReadPID(good)
	require.NoError(t, err)
	assert.Equal(t, 42, pid)
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(0))
	assert.False(t, ProcessAlive(-1))
}
