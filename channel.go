package sshtrans

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/fangdingjun/go-log/v5"
	"github.com/pkg/errors"
)

type channelOpenMsg struct {
	ChanType         string `sshtype:"90"`
	PeersID          uint32
	PeersWindow      uint32
	MaxPacketSize    uint32
	TypeSpecificData []byte `ssh:"rest"`
}

type channelOpenConfirmMsg struct {
	PeersID          uint32 `sshtype:"91"`
	MyID             uint32
	MyWindow         uint32
	MaxPacketSize    uint32
	TypeSpecificData []byte `ssh:"rest"`
}

type channelOpenFailureMsg struct {
	PeersID  uint32 `sshtype:"92"`
	Reason   uint32
	Message  string
	Language string
}

// Channel is the per-channel state the transport routes messages to.
type Channel interface {
	// Bind is called once the peer side of the channel is known.
	Bind(t *Transport, remoteID, remoteWindow, remoteMaxPacket uint32)

	// HandleMessage receives channel messages for this channel, with the
	// recipient channel field already consumed.
	HandleMessage(mt byte, m *Message) (bool, error)

	// Unlink detaches the channel from a dead transport.
	Unlink()
}

// ChannelFactory creates the Channel for a channel kind.
type ChannelFactory interface {
	CreateChannel(kind string, localID uint32, params *Message) Channel
}

// ChannelFactoryFunc adapts a function to ChannelFactory.
type ChannelFactoryFunc func(kind string, localID uint32, params *Message) Channel

// CreateChannel implements ChannelFactory.
func (f ChannelFactoryFunc) CreateChannel(kind string, localID uint32, params *Message) Channel {
	return f(kind, localID, params)
}

type defaultFactory struct{}

func (defaultFactory) CreateChannel(kind string, localID uint32, params *Message) Channel {
	return NewDataChannel(kind, localID, params)
}

// DefaultChannelFactory creates DataChannels. Channels it creates for the
// peer are handed out by Transport.Accept.
var DefaultChannelFactory ChannelFactory = defaultFactory{}

// DataChannel is a flow controlled byte stream carried by a channel.
type DataChannel struct {
	kind    string
	localID uint32
	params  *Message

	mu   sync.Mutex
	cond *sync.Cond

	t               *Transport
	remoteID        uint32
	remoteWindow    uint32
	remoteMaxPacket uint32
	bound           *Event

	windowSize uint32
	window     uint32
	consumed   uint32

	in     bytes.Buffer
	stderr bytes.Buffer

	eof          bool
	sentEOF      bool
	closed       bool
	remoteClosed bool
	released     bool
	unlinked     bool
}

var _ net.Conn = &DataChannel{}

// NewDataChannel returns an unbound DataChannel.
func NewDataChannel(kind string, localID uint32, params *Message) *DataChannel {
	c := &DataChannel{
		kind:    kind,
		localID: localID,
		params:  params,
		bound:   NewEvent(),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Kind returns the channel kind it was opened with.
func (c *DataChannel) Kind() string { return c.kind }

// ID returns the local channel id.
func (c *DataChannel) ID() uint32 { return c.localID }

// Params returns the kind specific CHANNEL_OPEN data.
func (c *DataChannel) Params() *Message { return c.params }

// Bind implements Channel.
func (c *DataChannel) Bind(t *Transport, remoteID, remoteWindow, remoteMaxPacket uint32) {
	c.mu.Lock()
	c.t = t
	c.remoteID = remoteID
	c.remoteWindow = remoteWindow
	c.remoteMaxPacket = remoteMaxPacket
	c.windowSize = t.conf.WindowSize
	c.window = t.conf.WindowSize
	c.mu.Unlock()
	c.bound.Set()
}

// WaitBound blocks until the channel is bound or ctx ends.
func (c *DataChannel) WaitBound(ctx context.Context) error {
	if !c.bound.Wait(ctx, -1) {
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unlinked {
		return ErrTransportClosed
	}
	return nil
}

// Unlink implements Channel.
func (c *DataChannel) Unlink() {
	c.mu.Lock()
	c.unlinked = true
	c.eof = true
	c.cond.Broadcast()
	c.mu.Unlock()
	c.bound.Set()
}

// HandleMessage implements Channel.
func (c *DataChannel) HandleMessage(mt byte, m *Message) (bool, error) {
	c.mu.Lock()
	bound := c.t != nil
	c.mu.Unlock()
	if !bound {
		return false, errors.Errorf("sshtrans: %s for unconfirmed channel %d", MessageName(mt), c.localID)
	}

	switch mt {
	case msgChannelWindowAdjust:
		n, err := m.ReadUint32()
		if err != nil {
			return false, err
		}
		c.mu.Lock()
		c.remoteWindow += n
		c.cond.Broadcast()
		c.mu.Unlock()
	case msgChannelData:
		data, err := m.ReadBinary()
		if err != nil {
			return false, err
		}
		c.receive(&c.in, data)
	case msgChannelExtendedData:
		if _, err := m.ReadUint32(); err != nil {
			return false, err
		}
		data, err := m.ReadBinary()
		if err != nil {
			return false, err
		}
		c.receive(&c.stderr, data)
	case msgChannelEOF:
		c.mu.Lock()
		c.eof = true
		c.cond.Broadcast()
		c.mu.Unlock()
	case msgChannelClose:
		c.mu.Lock()
		c.eof = true
		c.remoteClosed = true
		sendClose := !c.closed
		c.closed = true
		c.cond.Broadcast()
		c.mu.Unlock()
		if sendClose {
			if err := c.t.sendReply(c.message(msgChannelClose)); err != nil {
				return true, err
			}
		}
		c.release()
	case msgChannelRequest:
		kind, err := m.ReadString()
		if err != nil {
			return false, err
		}
		wantReply, err := m.ReadBoolean()
		if err != nil {
			return false, err
		}
		log.Debugf("channel %d: refusing request %q", c.localID, kind)
		if wantReply {
			return true, c.t.sendReply(c.message(msgChannelFailure))
		}
	case msgChannelSuccess, msgChannelFailure:
	default:
		return false, nil
	}
	return true, nil
}

func (c *DataChannel) receive(buf *bytes.Buffer, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if uint32(len(data)) > c.window {
		log.Warnf("channel %d: peer overran the window by %d bytes", c.localID, uint32(len(data))-c.window)
		c.window = 0
	} else {
		c.window -= uint32(len(data))
	}
	buf.Write(data)
	c.cond.Broadcast()
}

func (c *DataChannel) message(mt byte) *Message {
	m := newMessageType(mt)
	m.AddUint32(c.remoteID)
	return m
}

func (c *DataChannel) release() {
	c.mu.Lock()
	done := c.released || c.t == nil
	c.released = true
	c.mu.Unlock()
	if !done {
		c.t.releaseChannel(c.localID)
	}
}

func (c *DataChannel) read(buf *bytes.Buffer, p []byte) (int, error) {
	c.mu.Lock()
	for buf.Len() == 0 && !c.eof {
		c.cond.Wait()
	}
	if buf.Len() == 0 {
		c.mu.Unlock()
		return 0, io.EOF
	}
	n, _ := buf.Read(p)
	var adjust uint32
	if c.t != nil && !c.closed {
		c.consumed += uint32(n)
		if c.consumed >= c.windowSize/2 {
			adjust = c.consumed
			c.window += adjust
			c.consumed = 0
		}
	}
	c.mu.Unlock()

	if adjust > 0 {
		m := c.message(msgChannelWindowAdjust)
		m.AddUint32(adjust)
		if err := c.t.sendUserMessage(context.Background(), m); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Read reads channel data.
func (c *DataChannel) Read(p []byte) (int, error) { return c.read(&c.in, p) }

// Stderr returns a reader for extended data.
func (c *DataChannel) Stderr() io.Reader { return stderrReader{c} }

type stderrReader struct{ c *DataChannel }

func (r stderrReader) Read(p []byte) (int, error) { return r.c.read(&r.c.stderr, p) }

// Write sends p as channel data, honouring the peer window and packet size.
func (c *DataChannel) Write(p []byte) (int, error) {
	n := 0
	for len(p) > 0 {
		c.mu.Lock()
		for c.remoteWindow == 0 && !c.closed && !c.unlinked {
			c.cond.Wait()
		}
		if c.closed || c.sentEOF || c.unlinked || c.t == nil {
			c.mu.Unlock()
			return n, io.ErrClosedPipe
		}
		size := uint32(len(p))
		if size > c.remoteWindow {
			size = c.remoteWindow
		}
		// channel data header is 9 bytes
		if limit := c.remoteMaxPacket - 9; c.remoteMaxPacket > 9 && size > limit {
			size = limit
		}
		c.remoteWindow -= size
		c.mu.Unlock()

		m := c.message(msgChannelData)
		m.AddBinary(p[:size])
		if err := c.t.sendUserMessage(context.Background(), m); err != nil {
			return n, err
		}
		n += int(size)
		p = p[size:]
	}
	return n, nil
}

// CloseWrite sends EOF.
func (c *DataChannel) CloseWrite() error {
	c.mu.Lock()
	if c.sentEOF || c.closed || c.t == nil {
		c.mu.Unlock()
		return nil
	}
	c.sentEOF = true
	c.mu.Unlock()
	return c.t.sendUserMessage(context.Background(), c.message(msgChannelEOF))
}

// Close sends CLOSE. The slot is released once the peer closed as well.
func (c *DataChannel) Close() error {
	c.mu.Lock()
	if c.closed || c.t == nil {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	remoteClosed := c.remoteClosed
	unlinked := c.unlinked
	c.cond.Broadcast()
	c.mu.Unlock()

	if unlinked {
		return nil
	}
	err := c.t.sendUserMessage(context.Background(), c.message(msgChannelClose))
	if remoteClosed {
		c.release()
	}
	return err
}

type channelAddr struct {
	kind string
	id   uint32
}

func (a channelAddr) Network() string { return "sshtrans" }

func (a channelAddr) String() string { return fmt.Sprintf("%s/%d", a.kind, a.id) }

// LocalAddr implements net.Conn.
func (c *DataChannel) LocalAddr() net.Addr { return channelAddr{c.kind, c.localID} }

// RemoteAddr implements net.Conn.
func (c *DataChannel) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return channelAddr{c.kind, c.remoteID}
}

// SetDeadline implements net.Conn, deadlines are not supported.
func (c *DataChannel) SetDeadline(time.Time) error { return nil }

// SetReadDeadline implements net.Conn.
func (c *DataChannel) SetReadDeadline(time.Time) error { return nil }

// SetWriteDeadline implements net.Conn.
func (c *DataChannel) SetWriteDeadline(time.Time) error { return nil }
