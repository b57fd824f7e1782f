package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	c := config{
		KeepaliveInterval: 30,
		LocalForwards:     stringSlice{"1:2.2.2.2:3"},
	}
	require.NoError(t, loadConfig(&c, "config_example.yaml"))

	assert.Equal(t, "wss://example.com/ssh", c.Server)
	assert.Equal(t, "socks5://127.0.0.1:1080", c.Proxy)
	assert.Equal(t, 10, c.KeepaliveInterval)
	assert.Equal(t, stringSlice{"1:2.2.2.2:3", "127.0.0.1:8080:10.0.0.1:80"}, c.LocalForwards)
	assert.Equal(t, stringSlice{"9000:127.0.0.1:22"}, c.RemoteForwards)
	assert.Equal(t, stringSlice{"1081"}, c.DynamicForwards)
	assert.Equal(t, []string{"aes256-ctr"}, c.Ciphers)

	_, err := parseHostKey(c.HostKey)
	assert.NoError(t, err)

	assert.Error(t, loadConfig(&c, "missing.yaml"))
}

func TestParseForwards(t *testing.T) {
	local, remote, err := parseLocalForward("127.0.0.1:8080:10.0.0.1:80")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", local)
	assert.Equal(t, "10.0.0.1:80", remote)

	local, remote, err = parseLocalForward("8080:10.0.0.1:80")
	require.NoError(t, err)
	assert.Equal(t, ":8080", local)
	assert.Equal(t, "10.0.0.1:80", remote)

	remote, local, err = parseRemoteForward("9000:127.0.0.1:22")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", remote)
	assert.Equal(t, "127.0.0.1:22", local)

	_, _, err = parseLocalForward("8080")
	assert.Error(t, err)

	assert.Equal(t, ":1081", dynamicAddr("1081"))
	assert.Equal(t, "127.0.0.1:1081", dynamicAddr("127.0.0.1:1081"))
}
