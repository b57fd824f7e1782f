package sshtrans

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func hostKey(t *testing.T) ssh.Signer {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	s, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return s
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()
	c, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	s, ok := <-accepted
	require.True(t, ok)
	return c, s
}

type pair struct {
	client *Transport
	server *Transport
}

// newPair builds an unstarted client and server over loopback TCP.
func newPair(t *testing.T, cconf, sconf *Conf, srv ServerInterface) *pair {
	if sconf == nil {
		sconf = &Conf{}
	}
	if len(sconf.HostKeys) == 0 {
		sconf.HostKeys = []ssh.Signer{hostKey(t)}
	}
	c, s := tcpPair(t)
	p := &pair{
		client: NewClient(c, cconf),
		server: NewServer(s, sconf, srv),
	}
	t.Cleanup(func() {
		p.client.Close()
		p.server.Close()
	})
	return p
}

// start runs both handshakes and returns their errors.
func (p *pair) start() (clientErr, serverErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- p.server.Start(ctx) }()
	clientErr = p.client.Start(ctx)
	serverErr = <-errc
	return
}

func startedPair(t *testing.T, cconf, sconf *Conf, srv ServerInterface) *pair {
	p := newPair(t, cconf, sconf, srv)
	cerr, serr := p.start()
	require.NoError(t, cerr)
	require.NoError(t, serr)
	return p
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// policy is a ServerInterface driven by funcs.
type policy struct {
	channel func(kind string, params *Message) uint32
	global  func(kind string, m *Message) ([]byte, bool)
}

func (p policy) CheckChannelRequest(kind string, params *Message) uint32 {
	if p.channel == nil {
		return OpenSucceeded
	}
	return p.channel(kind, params)
}

func (p policy) CheckGlobalRequest(kind string, m *Message) ([]byte, bool) {
	if p.global == nil {
		return nil, false
	}
	return p.global(kind, m)
}
