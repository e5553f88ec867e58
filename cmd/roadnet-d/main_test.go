package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/roadnet/pkg/engine"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("warn", "json", &buf)
	logger.Info("hidden")
	logger.Warn("shown", "world", "overworld")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	var line map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "overworld", line["world"])

	buf.Reset()
	newLogger("debug", "text", &buf).Debug("visible")
	assert.Contains(t, buf.String(), "msg=visible")
}

func TestWatchReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"max_connection_distance": 40}`), 0644))

	fc, err := engine.NewFileConfig(path)
	require.NoError(t, err)
	require.Equal(t, 40, fc.Current().MaxConnectionDistance)

	ctx, cancel := context.WithCancel(context.Background())
	hup := make(chan os.Signal, 1)
	done := make(chan struct{})
	go func() {
		watchReload(ctx, fc, hup)
		close(done)
	}()

	require.NoError(t, os.WriteFile(path, []byte(`{"max_connection_distance": 60}`), 0644))
	hup <- syscall.SIGHUP
	assert.Eventually(t, func() bool {
		return fc.Current().MaxConnectionDistance == 60
	}, time.Second, 10*time.Millisecond)

	// A broken file keeps the previous settings.
	require.NoError(t, os.WriteFile(path, []byte(`{`), 0644))
	hup <- syscall.SIGHUP
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 60, fc.Current().MaxConnectionDistance)

	cancel()
	<-done
}

func TestOpenBackend(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	sq, err := openBackend(ctx, Config{Backend: "sqlite", DBPath: filepath.Join(dir, "roadnet.db"), History: 3})
	require.NoError(t, err)
	assert.NotNil(t, sq.leases)
	assert.NotNil(t, sq.snapshots)
	assert.NotNil(t, sq.pruner)
	require.NoError(t, sq.close())

	bl, err := openBackend(ctx, Config{Backend: "blob", BlobDir: filepath.Join(dir, "snapshots"), History: 3})
	require.NoError(t, err)
	assert.Nil(t, bl.leases)
	assert.Nil(t, bl.snapshots)
	require.NoError(t, bl.close())

	// Nothing listens on port 1.
	_, err = openBackend(ctx, Config{Backend: "redis", RedisAddr: "127.0.0.1:1", History: 3})
	assert.Error(t, err)
}
