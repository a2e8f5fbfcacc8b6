package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "auth:\n  secret: first\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *ServerConfig, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func(cfg *ServerConfig) {
			reloaded <- cfg
		})
	}()

	// Give the watcher a moment to attach before rewriting.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  secret: second\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "second", cfg.Auth.Secret)
	case <-time.After(2 * time.Second):
		t.Fatal("config reload never fired")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatchSkipsInvalidRewrite(t *testing.T) {
	path := writeConfig(t, "auth:\n  secret: first\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *ServerConfig, 4)
	go func() {
		_ = Watch(ctx, path, nil, func(cfg *ServerConfig) {
			reloaded <- cfg
		})
	}()

	time.Sleep(50 * time.Millisecond)

	// An invalid rewrite keeps the previous config; a valid one lands.
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  secret: ''\n"), 0o600))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  secret: recovered\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "recovered", cfg.Auth.Secret)
	case <-time.After(2 * time.Second):
		t.Fatal("config reload never fired")
	}
}
