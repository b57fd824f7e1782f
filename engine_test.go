package sshtrans

import (
	"crypto/cipher"
	"hash"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// fakeStream is an in-memory PacketStream. Tests feed it banner lines and
// inbound messages and inspect what the engine wrote.
type fakeStream struct {
	mu      sync.Mutex
	lines   []string
	in      chan []byte
	written [][]byte
	seq     uint32

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeStream(lines ...string) *fakeStream {
	return &fakeStream{
		lines:  lines,
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeStream) push(payload []byte) { f.in <- payload }

func (f *fakeStream) ReadMessage() (*Message, error) {
	select {
	case b := <-f.in:
		f.mu.Lock()
		seq := f.seq
		f.seq++
		f.mu.Unlock()
		return ParseMessage(b, seq), nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeStream) WriteMessage(m *Message) error {
	select {
	case <-f.closed:
		return io.EOF
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), m.Bytes()...))
	return nil
}

func (f *fakeStream) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

func (f *fakeStream) NeedRekey() bool { return false }

func (f *fakeStream) ReadLine(time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.lines) == 0 {
		return "", ErrBannerTimeout
	}
	line := f.lines[0]
	f.lines = f.lines[1:]
	return line, nil
}

func (f *fakeStream) WriteLine(string) error { return nil }

func (f *fakeStream) SetOutboundCipher(cipher.BlockMode, int, hash.Hash, int) {}

func (f *fakeStream) SetInboundCipher(cipher.BlockMode, int, hash.Hash, int) {}

func (f *fakeStream) SetKeepAlive(time.Duration, func()) {}

func (f *fakeStream) SetDumpPackets(bool) {}

func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

type nopConn struct{}

func (nopConn) Read([]byte) (int, error)    { return 0, io.EOF }
func (nopConn) Write(p []byte) (int, error) { return len(p), nil }
func (nopConn) Close() error                { return nil }

func fakeClient(fs *fakeStream) *Transport {
	tr := NewClient(nopConn{}, &Conf{})
	tr.SetPacketStream(fs)
	return tr
}

func disconnectPayload(code uint32, text string) []byte {
	m := newMessageType(msgDisconnect)
	m.AddUint32(code)
	m.AddString(text)
	m.AddString("")
	return m.Bytes()
}

func TestEngineDisconnectBeforeKex(t *testing.T) {
	fs := newFakeStream("SSH-2.0-OpenSSH_8.0")
	tr := fakeClient(fs)
	fs.push(disconnectPayload(11, "bye"))

	err := tr.Start(testContext(t))
	var de *DisconnectError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, uint32(11), de.Code)
	assert.Equal(t, "bye", de.Description)

	assert.Equal(t, "SSH-2.0-OpenSSH_8.0", tr.RemoteVersion())
	assert.False(t, tr.IsActive())
	<-tr.Done()
	assert.Nil(t, tr.TakeError())
	require.ErrorAs(t, tr.Err(), &de)
}

func TestEngineSendsKexInitFirst(t *testing.T) {
	fs := newFakeStream("SSH-2.0-peer")
	tr := fakeClient(fs)
	fs.push(disconnectPayload(11, "bye"))
	tr.Start(testContext(t))
	<-tr.Done()

	sent := fs.sent()
	require.NotEmpty(t, sent)
	msg, err := parseKexInitMsg(ParseMessage(sent[0][1:], 0))
	require.NoError(t, err)
	assert.Equal(t, msgKexInit, sent[0][0])
	assert.Equal(t, []string{"none"}, msg.CompressionC2S)
	assert.Equal(t, msg.CiphersC2S, msg.CiphersS2C)
	assert.False(t, msg.FirstKexFollows)
}

func TestEngineGateRejectsOtherPackets(t *testing.T) {
	fs := newFakeStream("SSH-2.0-peer")
	tr := fakeClient(fs)

	// control messages pass the gate, anything else fails the session
	fs.push([]byte{msgIgnore, 0, 0, 0, 0})
	dbg := newMessageType(msgDebug)
	dbg.AddBoolean(true)
	dbg.AddString("hello")
	dbg.AddString("")
	fs.push(dbg.Bytes())
	req := newMessageType(msgGlobalRequest)
	req.AddString("keepalive@openssh.com")
	req.AddBoolean(true)
	fs.push(req.Bytes())

	err := tr.Start(testContext(t))
	assert.True(t, errors.Is(err, ErrUnexpectedPacket), "got %v", err)
	<-tr.Done()
	assert.True(t, errors.Is(tr.Err(), ErrUnexpectedPacket))
}

func TestEngineBannerPreamble(t *testing.T) {
	fs := newFakeStream("welcome", "to the server", "SSH-1.99-legacy comment")
	tr := fakeClient(fs)
	fs.push(disconnectPayload(2, "done"))

	err := tr.Start(testContext(t))
	var de *DisconnectError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "SSH-1.99-legacy comment", tr.RemoteVersion())
}

func TestEngineBannerExhausted(t *testing.T) {
	fs := newFakeStream("a", "b", "c", "d", "e", "SSH-2.0-late")
	tr := fakeClient(fs)

	err := tr.Start(testContext(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "indecipherable")
	assert.Empty(t, tr.RemoteVersion())
}

func TestEngineBannerTimeout(t *testing.T) {
	tr := fakeClient(newFakeStream())
	err := tr.Start(testContext(t))
	assert.True(t, errors.Is(err, ErrBannerTimeout), "got %v", err)
}

func TestDispatchRouting(t *testing.T) {
	tr := fakeClient(newFakeStream())

	data := newMessageType(msgChannelData)
	data.AddUint32(7)
	data.AddString("x")
	m := ParseMessage(data.Bytes(), 0)
	m.ReadByte()
	_, err := tr.dispatch(msgChannelData, m)
	assert.True(t, errors.Is(err, ErrUnknownChannel))

	ok, err := tr.dispatch(200, ParseMessage([]byte{200}, 0))
	assert.NoError(t, err)
	assert.False(t, ok)

	// an open confirmation nobody asked for is dropped
	confirm := ssh.Marshal(&channelOpenConfirmMsg{PeersID: 3, MyID: 9, MyWindow: 1024, MaxPacketSize: 512})
	m = ParseMessage(confirm, 0)
	m.ReadByte()
	ok, err = tr.dispatch(msgChannelOpenSuccess, m)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, tr.channels.count())
}

func globalRequestMsg(kind string) *Message {
	req := newMessageType(msgGlobalRequest)
	req.AddString(kind)
	req.AddBoolean(true)
	m := ParseMessage(req.Bytes(), 0)
	m.ReadByte()
	return m
}

func TestDeferredRepliesKeepOrder(t *testing.T) {
	fs := newFakeStream()
	srv := policy{global: func(kind string, _ *Message) ([]byte, bool) {
		return []byte(kind), kind != "refused@test"
	}}
	tr := NewServer(nopConn{}, &Conf{HostKeys: []ssh.Signer{hostKey(t)}}, srv)
	tr.SetPacketStream(fs)
	tr.active.Store(true)

	// the gate starts shut, as during a key exchange
	for _, kind := range []string{"a@test", "refused@test", "b@test"} {
		ok, err := tr.dispatch(msgGlobalRequest, globalRequestMsg(kind))
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Empty(t, fs.sent())

	tr.clearMu.Lock()
	tr.clearToSend.Set()
	tr.clearMu.Unlock()
	require.NoError(t, tr.SendUserMessage(testContext(t), newMessageType(msgIgnore)))

	sent := fs.sent()
	require.Len(t, sent, 4)
	assert.Equal(t, append([]byte{msgRequestSuccess}, "a@test"...), sent[0])
	assert.Equal(t, []byte{msgRequestFailure}, sent[1])
	assert.Equal(t, append([]byte{msgRequestSuccess}, "b@test"...), sent[2])
	assert.Equal(t, []byte{msgIgnore}, sent[3])
}

func TestRepliesFlushedBeforeDirectReply(t *testing.T) {
	fs := newFakeStream()
	srv := policy{global: func(kind string, _ *Message) ([]byte, bool) {
		return []byte(kind), true
	}}
	tr := NewServer(nopConn{}, &Conf{HostKeys: []ssh.Signer{hostKey(t)}}, srv)
	tr.SetPacketStream(fs)

	_, err := tr.dispatch(msgGlobalRequest, globalRequestMsg("first@test"))
	require.NoError(t, err)

	tr.clearMu.Lock()
	tr.clearToSend.Set()
	tr.clearMu.Unlock()
	_, err = tr.dispatch(msgGlobalRequest, globalRequestMsg("second@test"))
	require.NoError(t, err)

	sent := fs.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, append([]byte{msgRequestSuccess}, "first@test"...), sent[0])
	assert.Equal(t, append([]byte{msgRequestSuccess}, "second@test"...), sent[1])
}
