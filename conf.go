package sshtrans

import (
	"io"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	defaultWindowSize    = 65536
	defaultMaxPacketSize = 34816
	defaultRekeyBytes    = 1 << 30
	defaultRekeyPackets  = 1 << 30
	defaultSoftware      = "sshtrans_0.1"
	protoVersion         = "2.0"
)

// Conf keeps the configure of server or client
type Conf struct {

	// Timeout is the socket write timeout, zero means no timeout
	Timeout time.Duration

	// KeepAliveInterval is the idle interval after which a keepalive
	// global request is sent, zero disables keepalive
	KeepAliveInterval time.Duration

	// Version is the software part of the local banner
	Version string

	// algorithm preference lists, most preferred first
	Kex               []string
	HostKeyAlgorithms []string
	Ciphers           []string
	MACs              []string

	// WindowSize and MaxPacketSize are announced for locally opened channels
	WindowSize    uint32
	MaxPacketSize uint32

	// RekeyBytes and RekeyPackets bound the traffic sent or received
	// under one set of keys
	RekeyBytes   uint64
	RekeyPackets uint64

	// Rand is the entropy source, crypto/rand when nil
	Rand io.Reader

	// HostKeys are the server host keys
	HostKeys []ssh.Signer

	// HostKeyCallback checks the server host key on the client side,
	// every key is accepted when nil
	HostKeyCallback func(algorithm string, key ssh.PublicKey) error

	// Auth is the authentication layer running above this transport
	Auth AuthHandler

	// DumpPackets logs every payload at debug level
	DumpPackets bool
}

func (c *Conf) setDefaults() {
	if c.Version == "" {
		c.Version = defaultSoftware
	}
	if len(c.Kex) == 0 {
		c.Kex = defaultKex
	}
	if len(c.HostKeyAlgorithms) == 0 {
		c.HostKeyAlgorithms = defaultHostKeyAlgorithms
	}
	if len(c.Ciphers) == 0 {
		c.Ciphers = defaultCiphers
	}
	if len(c.MACs) == 0 {
		c.MACs = defaultMACs
	}
	c.Kex = keepKnown(c.Kex, kexAlgorithms)
	c.HostKeyAlgorithms = keepKnown(c.HostKeyAlgorithms, hostKeyAlgorithms)
	c.Ciphers = keepKnown(c.Ciphers, cipherModes)
	c.MACs = keepKnown(c.MACs, macModes)
	if c.WindowSize == 0 {
		c.WindowSize = defaultWindowSize
	}
	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = defaultMaxPacketSize
	}
	if c.RekeyBytes == 0 {
		c.RekeyBytes = defaultRekeyBytes
	}
	if c.RekeyPackets == 0 {
		c.RekeyPackets = defaultRekeyPackets
	}
}
