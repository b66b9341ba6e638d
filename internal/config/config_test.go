package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	r := require.New(t)
	t.Setenv("CONFIG_ENV", "nonexistent")

	cfg, err := Load()
	r.NoError(err)
	r.Equal("wss://localhost:8088/webrtcgateway/ws", cfg.Server)
	r.Equal("sylkrtc-go", cfg.UserAgent)
	r.Equal(500*time.Millisecond, cfg.InitialDelay)
	r.Equal(64*time.Second, cfg.MaxDelay)
	r.Equal(10*time.Second, cfg.PingInterval)
	r.Equal(6, cfg.MaxMissedPings)
	r.Equal([]string{"stun:stun.l.google.com:19302"}, cfg.ICEServers)
}

func TestLoadFromFile(t *testing.T) {
	r := require.New(t)
	dir := t.TempDir()
	r.NoError(os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	content := "server: wss://gateway.example.com/ws\n" +
		"account: alice@example.com\n" +
		"password: secret\n" +
		"max_delay: 32s\n"
	r.NoError(os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), []byte(content), 0o644))

	wd, err := os.Getwd()
	r.NoError(err)
	r.NoError(os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("CONFIG_ENV", "test")

	cfg, err := Load()
	r.NoError(err)
	r.Equal("wss://gateway.example.com/ws", cfg.Server)
	r.Equal("alice@example.com", cfg.Account)
	r.Equal("secret", cfg.Password)
	r.Equal(32*time.Second, cfg.MaxDelay)
	r.Equal(500*time.Millisecond, cfg.InitialDelay, "defaults still apply")
}
