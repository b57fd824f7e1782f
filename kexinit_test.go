package sshtrans

import (
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha256"
	"math/big"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func proposal(ciphers ...string) *kexInitMsg {
	return &kexInitMsg{
		Cookie:         make([]byte, 16),
		KexAlgos:       []string{"curve25519-sha256", "diffie-hellman-group14-sha1"},
		HostKeyAlgos:   []string{"ssh-ed25519"},
		CiphersC2S:     ciphers,
		CiphersS2C:     ciphers,
		MACsC2S:        []string{"hmac-sha2-256", "hmac-sha1"},
		MACsS2C:        []string{"hmac-sha2-256", "hmac-sha1"},
		CompressionC2S: []string{"none"},
		CompressionS2C: []string{"none"},
		LanguagesC2S:   []string{},
		LanguagesS2C:   []string{},
	}
}

func TestNegotiateClientOrderWins(t *testing.T) {
	client := proposal("aes256-cbc", "aes128-cbc")
	server := proposal("aes128-cbc", "3des-cbc")

	a, err := negotiate(client, server, false)
	require.NoError(t, err)
	assert.Equal(t, "aes128-cbc", a.localCipher)
	assert.Equal(t, "aes128-cbc", a.remoteCipher)
	assert.Equal(t, "curve25519-sha256", a.kex)
	assert.Equal(t, "ssh-ed25519", a.hostKey)

	client = proposal("aes256-ctr", "aes128-ctr")
	server = proposal("aes128-ctr", "aes256-ctr")
	onClient, err := negotiate(client, server, false)
	require.NoError(t, err)
	onServer, err := negotiate(server, client, true)
	require.NoError(t, err)
	assert.Equal(t, "aes256-ctr", onClient.localCipher)
	assert.Equal(t, "aes256-ctr", onServer.remoteCipher)
}

func TestNegotiateDirections(t *testing.T) {
	client := proposal("aes128-ctr")
	client.MACsC2S = []string{"hmac-sha1"}
	client.MACsS2C = []string{"hmac-sha2-256"}
	server := proposal("aes128-ctr")

	a, err := negotiate(server, client, true)
	require.NoError(t, err)
	assert.Equal(t, "hmac-sha2-256", a.localMAC)
	assert.Equal(t, "hmac-sha1", a.remoteMAC)
}

func TestNegotiateFailures(t *testing.T) {
	cases := []struct {
		name     string
		mutate   func(k *kexInitMsg)
		category string
	}{
		{"cipher", func(k *kexInitMsg) { k.CiphersC2S = []string{"3des-cbc"} }, "ciphers"},
		{"mac", func(k *kexInitMsg) { k.MACsS2C = []string{"hmac-md5"} }, "macs"},
		{"kex", func(k *kexInitMsg) { k.KexAlgos = []string{"diffie-hellman-group1-sha1"} }, "kex algorithm"},
		{"host key", func(k *kexInitMsg) { k.HostKeyAlgos = []string{"ssh-rsa"} }, "host key"},
		{"compression", func(k *kexInitMsg) { k.CompressionS2C = []string{"zlib"} }, "compression"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			client := proposal("aes128-ctr")
			server := proposal("aes128-ctr")
			c.mutate(server)

			_, err := negotiate(client, server, false)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrIncompatiblePeer))
			var ae *AlgorithmError
			require.True(t, errors.As(err, &ae))
			assert.Equal(t, c.category, ae.Category)
		})
	}
}

func TestKexInitMsgParse(t *testing.T) {
	k := proposal("aes128-ctr", "aes256-ctr")
	k.FirstKexFollows = true
	m := ParseMessage(k.marshal().Bytes(), 0)
	mt, err := m.ReadByte()
	require.NoError(t, err)
	require.Equal(t, msgKexInit, mt)

	got, err := parseKexInitMsg(m)
	require.NoError(t, err)
	assert.Equal(t, k, got)
}

func TestDeriveKey(t *testing.T) {
	k := big.NewInt(0x1234567)
	h := []byte("exchange hash")
	sid := []byte("session id")

	a := deriveKey(crypto.SHA1, k, h, sid, 'C', 32)
	b := deriveKey(crypto.SHA1, k, h, sid, 'C', 32)
	assert.Len(t, a, 32)
	assert.Equal(t, a, b)

	// the first digest-sized block does not depend on the length asked for
	short := deriveKey(crypto.SHA1, k, h, sid, 'C', 16)
	assert.Equal(t, a[:16], short)

	other := deriveKey(crypto.SHA1, k, h, sid, 'D', 32)
	assert.NotEqual(t, a, other)

	d := crypto.SHA1.New()
	d.Write(marshalMPInt(k))
	d.Write(h)
	d.Write([]byte{'C'})
	d.Write(sid)
	first := d.Sum(nil)
	assert.Equal(t, first, a[:20])

	d.Reset()
	d.Write(marshalMPInt(k))
	d.Write(h)
	d.Write(first)
	assert.Equal(t, d.Sum(nil)[:12], a[20:])

	assert.Len(t, deriveKey(crypto.SHA256, k, h, sid, 'A', 64), 64)
}
