package sshtrans

import (
	"crypto"
	"crypto/subtle"
	"io"
	"math/big"

	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/ssh"
)

type kexECDHInitMsg struct {
	ClientPubKey []byte `sshtype:"30"`
}

type kexECDHReplyMsg struct {
	HostKey         []byte `sshtype:"31"`
	EphemeralPubKey []byte
	Signature       []byte
}

// curve25519Kex implements curve25519-sha256, RFC 8731.
type curve25519Kex struct {
	kt   KexTransport
	c    CryptoProvider
	priv [32]byte
	pub  []byte
}

func newCurve25519Kex() KexAlgorithm { return &curve25519Kex{} }

func (k *curve25519Kex) Hash() crypto.Hash { return crypto.SHA256 }

func (k *curve25519Kex) Start(kt KexTransport, c CryptoProvider) error {
	k.kt = kt
	k.c = c
	if _, err := io.ReadFull(c.Rand(), k.priv[:]); err != nil {
		return errors.Wrap(err, "sshtrans: curve25519 key")
	}
	pub, err := curve25519.X25519(k.priv[:], curve25519.Basepoint)
	if err != nil {
		return err
	}
	k.pub = pub

	if kt.IsServer() {
		kt.RegisterMessageHandler(msgKexDHInit, MessageHandlerFunc(k.parseInit))
		kt.ExpectPacket(msgKexDHInit)
		return nil
	}
	kt.RegisterMessageHandler(msgKexDHReply, MessageHandlerFunc(k.parseReply))
	kt.ExpectPacket(msgKexDHReply)
	return kt.SendMessage(marshalMessage(&kexECDHInitMsg{ClientPubKey: k.pub}))
}

func (k *curve25519Kex) shared(peer []byte) (*big.Int, error) {
	if len(peer) != 32 {
		return nil, errors.New("sshtrans: bad curve25519 public key length")
	}
	secret, err := curve25519.X25519(k.priv[:], peer)
	if err != nil {
		return nil, errors.Wrap(err, "sshtrans: curve25519")
	}
	var zero [32]byte
	if subtle.ConstantTimeCompare(secret, zero[:]) == 1 {
		return nil, errors.New("sshtrans: curve25519 shared secret is zero")
	}
	return new(big.Int).SetBytes(secret), nil
}

func (k *curve25519Kex) parseInit(_ byte, m *Message) (bool, error) {
	var init kexECDHInitMsg
	if err := ssh.Unmarshal(m.Bytes(), &init); err != nil {
		return false, errors.Wrap(err, "sshtrans: kex ecdh init")
	}
	secret, err := k.shared(init.ClientPubKey)
	if err != nil {
		return false, err
	}
	signer, err := k.kt.HostKey()
	if err != nil {
		return false, err
	}
	hostKey := signer.PublicKey().Marshal()
	h := exchangeHash(k.kt, k.c, k.Hash(), hostKey, func(x *Message) {
		x.AddBinary(init.ClientPubKey)
		x.AddBinary(k.pub)
	}, secret)
	sig, err := signExchange(k.kt, k.c, h)
	if err != nil {
		return false, err
	}

	k.kt.RegisterMessageHandler(msgKexDHInit, nil)
	reply := &kexECDHReplyMsg{HostKey: hostKey, EphemeralPubKey: k.pub, Signature: sig}
	if err := k.kt.SendMessage(marshalMessage(reply)); err != nil {
		return false, err
	}
	k.kt.SetKH(secret, h)
	return true, k.kt.ActivateOutbound()
}

func (k *curve25519Kex) parseReply(_ byte, m *Message) (bool, error) {
	var reply kexECDHReplyMsg
	if err := ssh.Unmarshal(m.Bytes(), &reply); err != nil {
		return false, errors.Wrap(err, "sshtrans: kex ecdh reply")
	}
	secret, err := k.shared(reply.EphemeralPubKey)
	if err != nil {
		return false, err
	}
	h := exchangeHash(k.kt, k.c, k.Hash(), reply.HostKey, func(x *Message) {
		x.AddBinary(k.pub)
		x.AddBinary(reply.EphemeralPubKey)
	}, secret)
	if err := k.kt.VerifyHostKey(reply.HostKey, reply.Signature, h); err != nil {
		return false, err
	}

	k.kt.RegisterMessageHandler(msgKexDHReply, nil)
	k.kt.SetKH(secret, h)
	return true, k.kt.ActivateOutbound()
}
