package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/harun/vice/internal/config"
	"github.com/harun/vice/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func testConfig(t *testing.T) *config.Config {
	tmpDir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = freePort(t)
	cfg.Store.MessageLog = "memory"
	cfg.Uploads.Dir = tmpDir + "/uploads"
	cfg.Responder.Provider = "echo"
	return cfg
}

// createTestDaemon creates a daemon on memory stores and the echo responder
func createTestDaemon(t *testing.T) (*Daemon, *logger.Logger) {
	cfg := testConfig(t)

	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)

	daemon, err := New(cfg, nil, log)
	require.NoError(t, err)

	return daemon, log
}

func TestNew(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()

	assert.NotNil(t, daemon.store)
	assert.NotNil(t, daemon.log)
	assert.NotNil(t, daemon.blobs)
	assert.NotNil(t, daemon.engine)
	assert.NotNil(t, daemon.conns)
	assert.NotNil(t, daemon.gatewayServer)
	assert.NotNil(t, daemon.sweeper)
	assert.NotNil(t, daemon.eventLoop)
	assert.NotNil(t, daemon.lifecycle)
	assert.Nil(t, daemon.watcher)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.Replay = "everything"

	log, err := logger.New(logger.Config{Level: "info"})
	require.NoError(t, err)
	defer log.Close()

	_, err = New(cfg, nil, log)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestNew_SQLiteMessageLog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.MessageLog = "sqlite"
	cfg.Store.SQLitePath = cfg.DataDir + "/messages.db"

	log, err := logger.New(logger.Config{Level: "info"})
	require.NoError(t, err)
	defer log.Close()

	daemon, err := New(cfg, nil, log)
	require.NoError(t, err)
	require.NoError(t, daemon.Start())
	require.NoError(t, daemon.Stop())
	assert.FileExists(t, cfg.Store.SQLitePath)
}

func TestDaemonStartStop(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()

	require.NoError(t, daemon.Start())
	assert.True(t, daemon.Status().Running)

	err := daemon.Start()
	assert.Error(t, err)

	require.NoError(t, daemon.Stop())
	assert.False(t, daemon.Status().Running)

	err = daemon.Stop()
	assert.Error(t, err)
}

func TestDaemonStatus(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()

	status := daemon.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)

	require.NoError(t, daemon.Start())
	defer daemon.Stop()

	time.Sleep(20 * time.Millisecond)
	status = daemon.Status()
	assert.True(t, status.Running)
	assert.Greater(t, status.Uptime, time.Duration(0))
	assert.Equal(t, 0, status.Clients)
}

func TestDaemonServesSessions(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()

	require.NoError(t, daemon.Start())
	defer daemon.Stop()

	base := fmt.Sprintf("http://%s", daemon.GetGatewayServer().Addr())

	resp, err := http.Post(base+"/api/chat/sessions", "application/json", strings.NewReader(`{"user_id":"alice"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Success bool `json:"success"`
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Success)
	require.NotEmpty(t, body.Session.ID)

	sess, err := daemon.GetEngine().Session(context.Background(), body.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.OwnerID)
}

func TestApplyReload(t *testing.T) {
	daemon, log := createTestDaemon(t)
	defer log.Close()

	next := *daemon.GetConfig()
	next.Logging.Level = "debug"
	next.Session.IdleTimeout = 5 * time.Minute
	next.Gateway.RequestsPerMinute = 7

	daemon.applyReload(&next)

	assert.Equal(t, "debug", log.Level().String())
	assert.Equal(t, 5*time.Minute, daemon.GetConfig().Session.IdleTimeout)
	t.Cleanup(func() { _ = log.SetLevel("info") })
}

func TestRestartRequired(t *testing.T) {
	base := config.DefaultConfig()

	same := *base
	same.Logging.Level = "debug"
	assert.False(t, restartRequired(base, &same))

	moved := *base
	moved.Gateway.Port = base.Gateway.Port + 1
	assert.True(t, restartRequired(base, &moved))

	store := *base
	store.Store.Sessions = "redis"
	assert.True(t, restartRequired(base, &store))
}
