package sshtrans

import (
	"crypto"
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

type kexDHInitMsg struct {
	X *big.Int `sshtype:"30"`
}

type kexDHReplyMsg struct {
	HostKey   []byte `sshtype:"31"`
	Y         *big.Int
	Signature []byte
}

type dhGroup struct {
	g, p, pMinus1 *big.Int
}

func newDHGroup(prime string) *dhGroup {
	p, _ := new(big.Int).SetString(prime, 16)
	return &dhGroup{
		g:       big.NewInt(2),
		p:       p,
		pMinus1: new(big.Int).Sub(p, big.NewInt(1)),
	}
}

// Oakley group 2, RFC 2409 section 6.2.
func dhGroup1() *dhGroup {
	return newDHGroup("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFFFFFFFFFF")
}

// Oakley group 14, RFC 3526 section 3.
func dhGroup14() *dhGroup {
	return newDHGroup("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF")
}

func (g *dhGroup) checkPublic(v *big.Int) error {
	if v.Cmp(big.NewInt(1)) <= 0 || v.Cmp(g.pMinus1) >= 0 {
		return errors.New("sshtrans: dh public value out of range")
	}
	return nil
}

// dhKex implements the diffie-hellman-group* methods, RFC 4253 section 8.
type dhKex struct {
	group *dhGroup
	hash  crypto.Hash
	kt    KexTransport
	c     CryptoProvider
	x     *big.Int
	e     *big.Int
}

func newDHKex(group *dhGroup, hash crypto.Hash) KexAlgorithm {
	return &dhKex{group: group, hash: hash}
}

func (k *dhKex) Hash() crypto.Hash { return k.hash }

func (k *dhKex) Start(kt KexTransport, c CryptoProvider) error {
	k.kt = kt
	k.c = c
	x, err := rand.Int(c.Rand(), k.group.pMinus1)
	if err != nil {
		return errors.Wrap(err, "sshtrans: dh private value")
	}
	if x.Sign() == 0 {
		x.SetInt64(1)
	}
	k.x = x
	k.e = new(big.Int).Exp(k.group.g, x, k.group.p)

	if kt.IsServer() {
		kt.RegisterMessageHandler(msgKexDHInit, MessageHandlerFunc(k.parseInit))
		kt.ExpectPacket(msgKexDHInit)
		return nil
	}
	kt.RegisterMessageHandler(msgKexDHReply, MessageHandlerFunc(k.parseReply))
	kt.ExpectPacket(msgKexDHReply)
	return kt.SendMessage(marshalMessage(&kexDHInitMsg{X: k.e}))
}

func (k *dhKex) parseInit(_ byte, m *Message) (bool, error) {
	var init kexDHInitMsg
	if err := ssh.Unmarshal(m.Bytes(), &init); err != nil {
		return false, errors.Wrap(err, "sshtrans: kexdh init")
	}
	if err := k.group.checkPublic(init.X); err != nil {
		return false, err
	}
	secret := new(big.Int).Exp(init.X, k.x, k.group.p)
	signer, err := k.kt.HostKey()
	if err != nil {
		return false, err
	}
	hostKey := signer.PublicKey().Marshal()
	h := exchangeHash(k.kt, k.c, k.hash, hostKey, func(x *Message) {
		x.AddMPInt(init.X)
		x.AddMPInt(k.e)
	}, secret)
	sig, err := signExchange(k.kt, k.c, h)
	if err != nil {
		return false, err
	}

	k.kt.RegisterMessageHandler(msgKexDHInit, nil)
	reply := &kexDHReplyMsg{HostKey: hostKey, Y: k.e, Signature: sig}
	if err := k.kt.SendMessage(marshalMessage(reply)); err != nil {
		return false, err
	}
	k.kt.SetKH(secret, h)
	return true, k.kt.ActivateOutbound()
}

func (k *dhKex) parseReply(_ byte, m *Message) (bool, error) {
	var reply kexDHReplyMsg
	if err := ssh.Unmarshal(m.Bytes(), &reply); err != nil {
		return false, errors.Wrap(err, "sshtrans: kexdh reply")
	}
	if err := k.group.checkPublic(reply.Y); err != nil {
		return false, err
	}
	secret := new(big.Int).Exp(reply.Y, k.x, k.group.p)
	h := exchangeHash(k.kt, k.c, k.hash, reply.HostKey, func(x *Message) {
		x.AddMPInt(k.e)
		x.AddMPInt(reply.Y)
	}, secret)
	if err := k.kt.VerifyHostKey(reply.HostKey, reply.Signature, h); err != nil {
		return false, err
	}

	k.kt.RegisterMessageHandler(msgKexDHReply, nil)
	k.kt.SetKH(secret, h)
	return true, k.kt.ActivateOutbound()
}
