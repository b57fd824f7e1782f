package sshtrans

import (
	"crypto"
	"math/big"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// KexAlgorithm is one key exchange method. A fresh value is created for
// every exchange.
type KexAlgorithm interface {
	// Start begins the exchange. The algorithm registers handlers for its
	// own packets through t and eventually calls SetKH and ActivateOutbound.
	Start(t KexTransport, c CryptoProvider) error

	// Hash is the digest used for the exchange hash and key derivation.
	Hash() crypto.Hash
}

// KexTransport is the view of the transport handed to a running KexAlgorithm.
type KexTransport interface {
	IsServer() bool

	// ClientVersion and ServerVersion are the banners without CR LF.
	ClientVersion() string
	ServerVersion() string

	// ClientKexInit and ServerKexInit are the KEXINIT payloads as hashed.
	ClientKexInit() []byte
	ServerKexInit() []byte

	// HostKeyAlgorithm is the agreed host key algorithm.
	HostKeyAlgorithm() string

	// HostKey returns the server key for the agreed algorithm.
	HostKey() (ssh.Signer, error)

	// VerifyHostKey checks the server signature over h and runs the
	// configured host key callback.
	VerifyHostKey(hostKey, sig, h []byte) error

	RegisterMessageHandler(t byte, h MessageHandler)
	ExpectPacket(t byte)
	SendMessage(m *Message) error

	// SetKH records the shared secret and exchange hash. The first H
	// becomes the session identifier.
	SetKH(k *big.Int, h []byte)

	// ActivateOutbound sends NEW_KEYS and switches outbound keys.
	ActivateOutbound() error
}

// kexHandle adapts a Transport to KexTransport without widening the
// public surface of Transport.
type kexHandle struct {
	t *Transport
}

func (h kexHandle) IsServer() bool { return h.t.role.isServer() }

func (h kexHandle) ClientVersion() string {
	if h.IsServer() {
		return h.t.remoteVersion
	}
	return h.t.localVersion
}

func (h kexHandle) ServerVersion() string {
	if h.IsServer() {
		return h.t.localVersion
	}
	return h.t.remoteVersion
}

func (h kexHandle) ClientKexInit() []byte {
	if h.IsServer() {
		return h.t.remoteKexInit
	}
	return h.t.currentLocalKexInit()
}

func (h kexHandle) ServerKexInit() []byte {
	if h.IsServer() {
		return h.t.currentLocalKexInit()
	}
	return h.t.remoteKexInit
}

func (h kexHandle) HostKeyAlgorithm() string { return h.t.agreed.hostKey }

func (h kexHandle) HostKey() (ssh.Signer, error) {
	s := h.t.hostKeyFor(h.t.agreed.hostKey)
	if s == nil {
		return nil, errors.Errorf("sshtrans: no host key for %s", h.t.agreed.hostKey)
	}
	return s, nil
}

func (h kexHandle) VerifyHostKey(hostKey, sig, data []byte) error {
	pub, err := ssh.ParsePublicKey(hostKey)
	if err != nil {
		return errors.Wrap(err, "sshtrans: parse host key")
	}
	if pub.Type() != hostKeyAlgorithms[h.t.agreed.hostKey] {
		return errors.Errorf("sshtrans: host key type %s does not match %s", pub.Type(), h.t.agreed.hostKey)
	}
	var s ssh.Signature
	if err := ssh.Unmarshal(sig, &s); err != nil {
		return errors.Wrap(err, "sshtrans: parse host key signature")
	}
	if err := pub.Verify(data, &s); err != nil {
		return errors.Wrap(err, "sshtrans: host key signature")
	}
	if cb := h.t.conf.HostKeyCallback; cb != nil {
		return cb(h.t.agreed.hostKey, pub)
	}
	return nil
}

func (h kexHandle) RegisterMessageHandler(t byte, mh MessageHandler) {
	h.t.RegisterMessageHandler(t, mh)
}

func (h kexHandle) ExpectPacket(t byte) { h.t.expected = t }

func (h kexHandle) SendMessage(m *Message) error { return h.t.sendMessage(m) }

func (h kexHandle) SetKH(k *big.Int, data []byte) { h.t.setKH(k, data) }

func (h kexHandle) ActivateOutbound() error { return h.t.activateOutbound() }

// signExchange signs h with the server host key, selecting the RSA SHA-2
// variant when that is what was agreed.
func signExchange(kt KexTransport, c CryptoProvider, h []byte) ([]byte, error) {
	signer, err := kt.HostKey()
	if err != nil {
		return nil, err
	}
	var sig *ssh.Signature
	algo := kt.HostKeyAlgorithm()
	if as, ok := signer.(ssh.AlgorithmSigner); ok && algo != signer.PublicKey().Type() {
		sig, err = as.SignWithAlgorithm(c.Rand(), h, algo)
	} else {
		sig, err = signer.Sign(c.Rand(), h)
	}
	if err != nil {
		return nil, errors.Wrap(err, "sshtrans: sign exchange hash")
	}
	return ssh.Marshal(sig), nil
}

// exchangeHash computes H over the transcript common to every kex method;
// tail appends the method specific values.
func exchangeHash(kt KexTransport, c CryptoProvider, hash crypto.Hash, hostKey []byte, tail func(m *Message), k *big.Int) []byte {
	m := NewMessage()
	m.AddString(kt.ClientVersion())
	m.AddString(kt.ServerVersion())
	m.AddBinary(kt.ClientKexInit())
	m.AddBinary(kt.ServerKexInit())
	m.AddBinary(hostKey)
	tail(m)
	m.AddMPInt(k)
	d := c.NewHash(hash)
	d.Write(m.Bytes())
	return d.Sum(nil)
}
