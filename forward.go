package sshtrans

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	log "github.com/fangdingjun/go-log/v5"
	socks "github.com/fangdingjun/socks-go"
	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// directTCPIPMsg is the CHANNEL_OPEN data of direct-tcpip and
// forwarded-tcpip, RFC 4254 section 7.
type directTCPIPMsg struct {
	Raddr string
	Rport uint32
	Laddr string
	Lport uint32
}

type tcpipForwardMsg struct {
	Addr string
	Port uint32
}

type tcpipForwardReply struct {
	Port uint32
}

func splitHostPort(addr string) (string, uint32, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return "", 0, errors.Wrapf(err, "sshtrans: port of %s", addr)
	}
	return host, uint32(p), nil
}

func tcpAddrParts(a net.Addr) (string, uint32) {
	if ta, ok := a.(*net.TCPAddr); ok {
		return ta.IP.String(), uint32(ta.Port)
	}
	return "127.0.0.1", 0
}

// DialTCP opens a direct-tcpip channel asking the peer to connect to addr.
func (t *Transport) DialTCP(ctx context.Context, addr string, from net.Addr) (*DataChannel, error) {
	host, port, err := splitHostPort(addr)
	if err != nil {
		return nil, err
	}
	msg := directTCPIPMsg{Raddr: host, Rport: port}
	msg.Laddr, msg.Lport = tcpAddrParts(from)
	ch, err := t.OpenChannel(ctx, "direct-tcpip", ssh.Marshal(&msg))
	if err != nil {
		return nil, err
	}
	dc, ok := ch.(*DataChannel)
	if !ok {
		return nil, errors.Errorf("sshtrans: direct-tcpip bound to %T", ch)
	}
	return dc, nil
}

// OpenSFTP opens an sftp channel and starts an sftp client on it.
func (t *Transport) OpenSFTP(ctx context.Context, opts ...sftp.ClientOption) (*sftp.Client, error) {
	ch, err := t.OpenChannel(ctx, "sftp", nil)
	if err != nil {
		return nil, err
	}
	dc, ok := ch.(*DataChannel)
	if !ok {
		return nil, errors.Errorf("sshtrans: sftp bound to %T", ch)
	}
	c, err := sftp.NewClientPipe(dc, dc, opts...)
	if err != nil {
		dc.Close()
		return nil, err
	}
	return c, nil
}

// Forwarder runs client side port forwards over a Transport.
type Forwarder struct {
	t *Transport

	mu        sync.Mutex
	listeners []net.Listener
	remotes   map[uint32]string
}

// NewForwarder returns a Forwarder using t.
func NewForwarder(t *Transport) *Forwarder {
	return &Forwarder{t: t, remotes: map[uint32]string{}}
}

func (f *Forwarder) listen(local string, handle func(net.Conn)) error {
	l, err := net.Listen("tcp", local)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.listeners = append(f.listeners, l)
	f.mu.Unlock()

	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				log.Debugf("local listen %s closed", l.Addr())
				return
			}
			log.Debugf("connection accepted from %s", c.RemoteAddr())
			go handle(c)
		}
	}()
	return nil
}

// AddLocalForward forwards connections accepted on local to remote, dialed
// by the peer.
func (f *Forwarder) AddLocalForward(local, remote string) error {
	log.Debugf("add local forward %s -> %s", local, remote)
	return f.listen(local, func(c net.Conn) {
		ch, err := f.t.DialTCP(context.Background(), remote, c.RemoteAddr())
		if err != nil {
			log.Errorf("forward to %s: %s", remote, err)
			c.Close()
			return
		}
		PipeAndClose(c, ch)
	})
}

// AddDynamicForward runs a socks5 server on local whose connections are
// dialed by the peer.
func (f *Forwarder) AddDynamicForward(local string) error {
	log.Debugf("add dynamic forward %s", local)
	return f.listen(local, func(c net.Conn) {
		s := socks.Conn{Conn: c, Dial: func(network, addr string) (net.Conn, error) {
			return f.t.DialTCP(context.Background(), addr, c.RemoteAddr())
		}}
		s.Serve()
	})
}

// AddRemoteForward asks the peer to listen on remote and forwards the
// connections it accepts to local.
func (f *Forwarder) AddRemoteForward(ctx context.Context, remote, local string) error {
	log.Debugf("add remote forward %s -> %s", remote, local)
	host, port, err := splitHostPort(remote)
	if err != nil {
		return err
	}
	f.t.RegisterChannelKind("forwarded-tcpip", ChannelFactoryFunc(f.createForwarded))

	resp, err := f.t.GlobalRequest(ctx, "tcpip-forward", true, ssh.Marshal(&tcpipForwardMsg{Addr: host, Port: port}))
	if err != nil {
		return err
	}
	if resp == nil {
		return errors.Errorf("sshtrans: remote forward %s refused", remote)
	}
	if port == 0 {
		var reply tcpipForwardReply
		if err := ssh.Unmarshal(resp.Rest(), &reply); err != nil {
			return errors.Wrap(err, "sshtrans: tcpip-forward reply")
		}
		port = reply.Port
	}
	log.Infof("remote listening on port %d", port)

	f.mu.Lock()
	f.remotes[port] = local
	f.mu.Unlock()
	return nil
}

func (f *Forwarder) createForwarded(kind string, id uint32, params *Message) Channel {
	ch := NewDataChannel(kind, id, params)
	var msg directTCPIPMsg
	err := ssh.Unmarshal(params.Bytes(), &msg)
	f.mu.Lock()
	local, ok := f.remotes[msg.Rport]
	f.mu.Unlock()
	go func() {
		if err := ch.WaitBound(context.Background()); err != nil {
			return
		}
		if err != nil || !ok {
			log.Errorf("forwarded connection for unknown port %d", msg.Rport)
			ch.Close()
			return
		}
		c, err := dialer.Dial("tcp", local)
		if err != nil {
			log.Errorf("dial %s: %s", local, err)
			ch.Close()
			return
		}
		PipeAndClose(c, ch)
	}()
	return ch
}

// Close stops every local listener.
func (f *Forwarder) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.listeners {
		log.Infof("close the listener %s", l.Addr())
		l.Close()
	}
	f.listeners = nil
}

// ForwardServer is a ServerInterface serving direct-tcpip, sftp and
// tcpip-forward requests.
type ForwardServer struct {
	// Dial connects direct-tcpip targets, dialer.Dial when nil.
	Dial func(network, addr string) (net.Conn, error)

	// SFTP enables the sftp channel kind.
	SFTP bool

	// AllowRemoteForward enables tcpip-forward.
	AllowRemoteForward bool

	t         *Transport
	mu        sync.Mutex
	listeners map[string]net.Listener
}

// Attach registers the channel kinds of s on t. It must be called before
// t is started.
func (s *ForwardServer) Attach(t *Transport) {
	s.t = t
	s.listeners = map[string]net.Listener{}
	t.RegisterChannelKind("direct-tcpip", ChannelFactoryFunc(s.createDirect))
	if s.SFTP {
		t.RegisterChannelKind("sftp", ChannelFactoryFunc(createSFTP))
	}
	go func() {
		<-t.Done()
		s.closeListeners()
	}()
}

// CheckChannelRequest implements ServerInterface.
func (s *ForwardServer) CheckChannelRequest(kind string, params *Message) uint32 {
	switch kind {
	case "direct-tcpip":
		var msg directTCPIPMsg
		if err := ssh.Unmarshal(params.Bytes(), &msg); err != nil {
			return OpenConnectFailed
		}
		return OpenSucceeded
	case "sftp":
		if s.SFTP {
			return OpenSucceeded
		}
	}
	return OpenUnknownChannelType
}

// CheckGlobalRequest implements ServerInterface.
func (s *ForwardServer) CheckGlobalRequest(kind string, m *Message) ([]byte, bool) {
	switch kind {
	case keepAliveRequest:
		return nil, true
	case "tcpip-forward":
		if !s.AllowRemoteForward {
			return nil, false
		}
		return s.listenRemote(m.Rest())
	case "cancel-tcpip-forward":
		var msg tcpipForwardMsg
		if err := ssh.Unmarshal(m.Rest(), &msg); err != nil {
			return nil, false
		}
		k := net.JoinHostPort(msg.Addr, fmt.Sprintf("%d", msg.Port))
		s.mu.Lock()
		l, ok := s.listeners[k]
		delete(s.listeners, k)
		s.mu.Unlock()
		if ok {
			l.Close()
		}
		return nil, ok
	}
	return nil, false
}

func (s *ForwardServer) dial(network, addr string) (net.Conn, error) {
	if s.Dial != nil {
		return s.Dial(network, addr)
	}
	return dialer.Dial(network, addr)
}

func (s *ForwardServer) createDirect(kind string, id uint32, params *Message) Channel {
	ch := NewDataChannel(kind, id, params)
	go func() {
		var msg directTCPIPMsg
		if err := ssh.Unmarshal(params.Bytes(), &msg); err != nil {
			log.Errorln("invalid direct-tcpip parameter")
			ch.Close()
			return
		}
		if err := ch.WaitBound(context.Background()); err != nil {
			return
		}
		target := net.JoinHostPort(msg.Raddr, fmt.Sprintf("%d", msg.Rport))
		log.Debugf("create connection to %s", target)
		rconn, err := s.dial("tcp", target)
		if err != nil {
			log.Errorf("%s", err)
			ch.Close()
			return
		}
		PipeAndClose(ch, rconn)
	}()
	return ch
}

func createSFTP(kind string, id uint32, params *Message) Channel {
	ch := NewDataChannel(kind, id, params)
	go func() {
		if err := ch.WaitBound(context.Background()); err != nil {
			return
		}
		defer ch.Close()
		server, err := sftp.NewServer(ch)
		if err != nil {
			log.Debugf("start sftp server failed: %s", err)
			return
		}
		if err := server.Serve(); err != nil {
			log.Debugf("sftp server finished with error: %s", err)
		}
	}()
	return ch
}

func (s *ForwardServer) listenRemote(payload []byte) ([]byte, bool) {
	var msg tcpipForwardMsg
	if err := ssh.Unmarshal(payload, &msg); err != nil || msg.Port > 65535 {
		log.Errorf("invalid tcpip-forward request")
		return nil, false
	}
	k := net.JoinHostPort(msg.Addr, fmt.Sprintf("%d", msg.Port))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[k]; ok {
		log.Errorf("port in use: %s", k)
		return nil, false
	}
	l, err := net.Listen("tcp", k)
	if err != nil {
		log.Errorf("%s", err)
		return nil, false
	}
	s.listeners[k] = l
	_, port := tcpAddrParts(l.Addr())
	log.Infof("listening port %s", l.Addr())

	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				log.Debugf("%s", err)
				return
			}
			log.Infof("accept connection from %s", c.RemoteAddr())
			go s.forwardRemote(c, msg.Addr, port)
		}
	}()
	return ssh.Marshal(&tcpipForwardReply{Port: port}), true
}

func (s *ForwardServer) forwardRemote(c net.Conn, addr string, port uint32) {
	msg := directTCPIPMsg{Raddr: addr, Rport: port}
	msg.Laddr, msg.Lport = tcpAddrParts(c.RemoteAddr())
	ch, err := s.t.OpenChannel(context.Background(), "forwarded-tcpip", ssh.Marshal(&msg))
	if err != nil {
		log.Errorf("forward port failed: %s", err)
		c.Close()
		return
	}
	PipeAndClose(c, ch.(*DataChannel))
}

func (s *ForwardServer) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, l := range s.listeners {
		l.Close()
		delete(s.listeners, k)
	}
}
