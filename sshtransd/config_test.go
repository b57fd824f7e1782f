package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	c, err := loadConfig("config_example.yaml")
	require.NoError(t, err)

	require.Len(t, c.Listen, 3)
	assert.Equal(t, 2222, c.Listen[0].Port)
	assert.Equal(t, "server.crt", c.Listen[1].Cert)
	assert.Equal(t, "/ssh", c.Listen[2].WebsocketPath)
	assert.Equal(t, []string{"ssh_host_ed25519_key"}, c.HostKeys)
	assert.True(t, c.SFTP)
	assert.True(t, c.RemoteForward)
	assert.Equal(t, 30*time.Second, c.keepalive())
	assert.Equal(t, []string{"aes128-ctr", "aes256-ctr"}, c.Ciphers)
}

func TestConfigInvalid(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"nolisten.yaml": "host_key_file: [k]\n",
		"nokey.yaml":    "listen:\n  - port: 1\n",
		"halftls.yaml":  "host_key_file: [k]\nlisten:\n  - port: 1\n    key: a.key\n",
		"broken.yaml":   "listen: [",
	} {
		f := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(f, []byte(body), 0644))
		_, err := loadConfig(f)
		assert.Error(t, err, name)
	}
	_, err := loadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
