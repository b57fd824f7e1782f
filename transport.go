package sshtrans

import (
	"context"
	"crypto"
	"crypto/cipher"
	"hash"
	"io"
	"math/big"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/fangdingjun/go-log/v5"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

const (
	firstBannerTimeout = 5 * time.Second
	bannerTimeout      = 2 * time.Second
	bannerAttempts     = 5

	keepAliveRequest = "keepalive@openssh.com"
)

// AuthHandler is the authentication layer running above the transport.
type AuthHandler interface {
	IsAuthenticated() bool
	Username() string
	// Abort is called when the session dies.
	Abort()
}

// MessageHandler handles a message type registered with
// RegisterMessageHandler. It reports whether the message was understood.
type MessageHandler interface {
	HandleMessage(t byte, m *Message) (bool, error)
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(t byte, m *Message) (bool, error)

// HandleMessage implements MessageHandler.
func (f MessageHandlerFunc) HandleMessage(t byte, m *Message) (bool, error) { return f(t, m) }

type keySet struct {
	mode      cipher.BlockMode
	blockSize int
	mac       hash.Hash
	macSize   int
}

// globalWait pairs a global request with its reply. resp is set under the
// transport lock before done fires; it stays nil for REQUEST_FAILURE.
type globalWait struct {
	done *Event
	resp *Message
}

// role is the client or server specific part of a Transport.
type role interface {
	isServer() bool
	outboundLetters() [3]byte
	inboundLetters() [3]byte
	hostKeyAlgorithms(t *Transport) []string
	kexInitHook(t *Transport) error
	newKeysHook(t *Transport)
	handleChannelOpen(t *Transport, m *Message) error
	checkGlobalRequest(t *Transport, kind string, m *Message) ([]byte, bool)
}

// Transport is one SSH2 transport session over a byte stream.
type Transport struct {
	conf   Conf
	conn   io.ReadWriteCloser
	stream PacketStream
	crypto CryptoProvider
	role   role

	active  atomic.Bool
	started atomic.Bool
	done    chan struct{}

	localVersion  string
	remoteVersion string

	// key exchange state, owned by the run goroutine unless noted
	kexMu          sync.Mutex
	localKexInit   []byte
	localProposal  *kexInitMsg
	remoteKexInit  []byte
	agreed         agreement // written under mu
	kexAlgo        KexAlgorithm
	kexHash        crypto.Hash
	k              *big.Int
	h              []byte
	expected       byte
	inKex          atomic.Bool
	initialKexDone bool

	clearMu     sync.Mutex
	clearToSend *Event
	deferred    []*Message

	mu             sync.Mutex
	channels       *channelTable
	sessionID      []byte
	savedErr       error
	fatalErr       error
	kexDone        *Event
	global         *globalWait

	handlersMu sync.RWMutex
	handlers   map[byte]MessageHandler
	kinds      map[string]ChannelFactory

	accepted chan Channel
}

func newTransport(conn io.ReadWriteCloser, conf *Conf, r role) *Transport {
	c := Conf{}
	if conf != nil {
		c = *conf
	}
	c.setDefaults()

	var rw io.ReadWriteCloser = conn
	if nc, ok := conn.(net.Conn); ok && c.Timeout > 0 {
		rw = &TimedOutConn{Conn: nc, Timeout: c.Timeout}
	}
	cp := newCryptoProvider(c.Rand)
	t := &Transport{
		conf:         c,
		conn:         conn,
		stream:       NewPacketizer(rw, cp.Rand(), c.RekeyBytes, c.RekeyPackets),
		crypto:       cp,
		role:         r,
		done:         make(chan struct{}),
		localVersion: "SSH-" + protoVersion + "-" + c.Version,
		clearToSend:  NewEvent(),
		channels:     newChannelTable(),
		handlers:     map[byte]MessageHandler{},
		kinds:        map[string]ChannelFactory{"session": DefaultChannelFactory},
		accepted:     make(chan Channel, 64),
	}
	t.stream.SetDumpPackets(c.DumpPackets)
	return t
}

// SetPacketStream replaces the packet layer. It must be called before Start.
func (t *Transport) SetPacketStream(s PacketStream) {
	t.stream = s
	s.SetDumpPackets(t.conf.DumpPackets)
}

// Start runs the session and blocks until the first key exchange is done.
func (t *Transport) Start(ctx context.Context) error {
	if t.started.Swap(true) {
		return errors.New("sshtrans: transport already started")
	}
	ev := NewEvent()
	t.mu.Lock()
	t.kexDone = ev
	t.mu.Unlock()

	t.active.Store(true)
	go t.run()

	if t.conf.KeepAliveInterval > 0 {
		t.SetKeepAlive(t.conf.KeepAliveInterval)
	}

	if !t.waitForEvent(ctx, ev) {
		t.Close()
		return errors.Wrap(ctx.Err(), "sshtrans: start")
	}
	if !t.IsActive() {
		return t.deathError()
	}
	return nil
}

// Done is closed once the dispatch loop has exited.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Wait blocks until the session ends and returns the fatal error, if any.
func (t *Transport) Wait() error {
	<-t.done
	return t.Err()
}

// Close ends the session.
func (t *Transport) Close() error {
	t.active.Store(false)
	err := t.stream.Close()
	t.mu.Lock()
	t.channels.each(func(_ uint32, s *channelSlot) {
		if s.ch != nil {
			s.ch.Unlink()
		}
	})
	t.mu.Unlock()
	if !t.started.Load() {
		t.conn.Close()
	}
	return err
}

// IsActive reports whether the session is running.
func (t *Transport) IsActive() bool { return t.active.Load() }

// IsServer reports whether this is the server side of the session.
func (t *Transport) IsServer() bool { return t.role.isServer() }

// IsAuthenticated reports whether the layered authentication succeeded.
func (t *Transport) IsAuthenticated() bool {
	return t.IsActive() && t.conf.Auth != nil && t.conf.Auth.IsAuthenticated()
}

// Username returns the authenticated user, or "" when there is none.
func (t *Transport) Username() string {
	if !t.IsActive() || t.conf.Auth == nil {
		return ""
	}
	return t.conf.Auth.Username()
}

// SessionID returns the exchange hash of the first key exchange.
func (t *Transport) SessionID() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// RemoteVersion returns the peer banner.
func (t *Transport) RemoteVersion() string { return t.remoteVersion }

// LocalVersion returns the banner sent to the peer.
func (t *Transport) LocalVersion() string { return t.localVersion }

// Algorithms returns the names agreed in the last key exchange.
func (t *Transport) Algorithms() (kex, hostKey, localCipher, remoteCipher, localMAC, remoteMAC string) {
	t.mu.Lock()
	a := t.agreed
	t.mu.Unlock()
	return a.kex, a.hostKey, a.localCipher, a.remoteCipher, a.localMAC, a.remoteMAC
}

// SetDumpPackets toggles hex dumps of every payload at debug level.
func (t *Transport) SetDumpPackets(dump bool) { t.stream.SetDumpPackets(dump) }

// SetKeepAlive sends a global request after interval without outbound
// traffic. Zero disables it.
func (t *Transport) SetKeepAlive(interval time.Duration) {
	t.stream.SetKeepAlive(interval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		if _, err := t.GlobalRequest(ctx, keepAliveRequest, false, nil); err != nil {
			log.Debugf("keepalive: %s", err)
		}
	})
}

// RegisterMessageHandler routes message type mt to h ahead of the
// built-in handlers. A nil h removes the registration.
func (t *Transport) RegisterMessageHandler(mt byte, h MessageHandler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	if h == nil {
		delete(t.handlers, mt)
		return
	}
	t.handlers[mt] = h
}

func (t *Transport) handler(mt byte) MessageHandler {
	t.handlersMu.RLock()
	defer t.handlersMu.RUnlock()
	return t.handlers[mt]
}

// RegisterChannelKind binds a channel kind to the factory creating its channels.
func (t *Transport) RegisterChannelKind(kind string, f ChannelFactory) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.kinds[kind] = f
}

func (t *Transport) channelFactory(kind string) (ChannelFactory, bool) {
	t.handlersMu.RLock()
	defer t.handlersMu.RUnlock()
	f, ok := t.kinds[kind]
	return f, ok
}

// newChannel creates the channel for kind. queue reports whether the
// default factory made it.
func (t *Transport) newChannel(kind string, id uint32, params *Message) (ch Channel, queue bool) {
	f, ok := t.channelFactory(kind)
	if !ok {
		log.Infof("no channel factory for kind %q, using the default", kind)
		f = DefaultChannelFactory
	}
	_, queue = f.(defaultFactory)
	return f.CreateChannel(kind, id, params), queue
}

func (t *Transport) hostKeyFor(algo string) ssh.Signer {
	keyType := hostKeyAlgorithms[algo]
	for _, s := range t.conf.HostKeys {
		if s.PublicKey().Type() == keyType {
			return s
		}
	}
	return nil
}

// saveError records a fatal error for TakeError and Err.
func (t *Transport) saveError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.savedErr = err
	if t.fatalErr == nil {
		t.fatalErr = err
	}
}

// TakeError returns the last saved fatal error and clears it.
func (t *Transport) TakeError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.savedErr
	t.savedErr = nil
	return err
}

// Err returns the first fatal error of the session. Unlike TakeError it
// does not clear anything.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fatalErr
}

func (t *Transport) deathError() error {
	if err := t.TakeError(); err != nil {
		return err
	}
	return ErrNegotiationFailed
}

func (t *Transport) closedError() error {
	if err := t.Err(); err != nil {
		return err
	}
	return ErrTransportClosed
}

// waitForEvent waits for e in short steps so that a dying session
// releases the caller. It reports false only when ctx ended first.
func (t *Transport) waitForEvent(ctx context.Context, e *Event) bool {
	for !e.IsSet() {
		if e.Wait(ctx, pollInterval) {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if !t.IsActive() {
			return true
		}
	}
	return true
}

func (t *Transport) rekeyDue() bool {
	return t.stream.NeedRekey() && !t.inKex.Load()
}

// sendMessage writes m regardless of the ready-to-send gate and starts a
// rekey if the packet layer asks for one.
func (t *Transport) sendMessage(m *Message) error {
	if err := t.stream.WriteMessage(m); err != nil {
		return err
	}
	if t.rekeyDue() {
		return t.sendKexInit()
	}
	return nil
}

// sendUserMessage writes m once no key exchange is in progress.
func (t *Transport) sendUserMessage(ctx context.Context, m *Message) error {
	for {
		t.clearMu.Lock()
		if t.clearToSend.IsSet() {
			err := t.flushRepliesLocked()
			if err == nil {
				err = t.stream.WriteMessage(m)
			}
			t.clearMu.Unlock()
			if err != nil {
				return err
			}
			if t.rekeyDue() {
				return t.sendKexInit()
			}
			return nil
		}
		t.clearMu.Unlock()

		if !t.waitForEvent(ctx, t.clearToSend) {
			return ctx.Err()
		}
		if !t.IsActive() {
			return t.closedError()
		}
	}
}

// sendReply sends m from the dispatch goroutine. While a key exchange holds
// the gate shut, m joins the deferred replies, flushed in order when the
// gate reopens and before any user message.
func (t *Transport) sendReply(m *Message) error {
	t.clearMu.Lock()
	if !t.clearToSend.IsSet() {
		t.deferred = append(t.deferred, m)
		t.clearMu.Unlock()
		return nil
	}
	err := t.flushRepliesLocked()
	if err == nil {
		err = t.stream.WriteMessage(m)
	}
	t.clearMu.Unlock()
	if err == nil && t.rekeyDue() {
		err = t.sendKexInit()
	}
	return err
}

// flushRepliesLocked writes the deferred replies. clearMu must be held.
func (t *Transport) flushRepliesLocked() error {
	for len(t.deferred) > 0 {
		m := t.deferred[0]
		t.deferred = t.deferred[1:]
		if err := t.stream.WriteMessage(m); err != nil {
			t.deferred = nil
			return err
		}
	}
	return nil
}

// SendUserMessage sends an application message, waiting for a running key
// exchange to finish first.
func (t *Transport) SendUserMessage(ctx context.Context, m *Message) error {
	if !t.IsActive() {
		return t.closedError()
	}
	return t.sendUserMessage(ctx, m)
}

// SendIgnore sends an IGNORE message of n random bytes. n <= 0 picks a
// random length between 10 and 41.
func (t *Transport) SendIgnore(ctx context.Context, n int) error {
	if n <= 0 {
		var b [1]byte
		if _, err := io.ReadFull(t.crypto.Rand(), b[:]); err != nil {
			return err
		}
		n = int(b[0]%32) + 10
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(t.crypto.Rand(), data); err != nil {
		return err
	}
	m := newMessageType(msgIgnore)
	m.AddBinary(data)
	return t.SendUserMessage(ctx, m)
}

// GlobalRequest sends a global request. With wantReply it waits for the
// answer and returns the REQUEST_SUCCESS message, or nil when the peer
// refused. Only one request with a reply may be in flight.
func (t *Transport) GlobalRequest(ctx context.Context, name string, wantReply bool, payload []byte) (*Message, error) {
	var w *globalWait
	if wantReply {
		w = &globalWait{done: NewEvent()}
		t.mu.Lock()
		t.global = w
		t.mu.Unlock()
	}
	m := newMessageType(msgGlobalRequest)
	m.AddString(name)
	m.AddBoolean(wantReply)
	m.AddBytes(payload)
	log.Debugf("sending global request %q", name)
	if err := t.SendUserMessage(ctx, m); err != nil {
		return nil, err
	}
	if !wantReply {
		return nil, nil
	}
	if !t.waitForEvent(ctx, w.done) {
		return nil, ctx.Err()
	}
	t.mu.Lock()
	resp := w.resp
	t.mu.Unlock()
	if resp == nil && !t.IsActive() {
		return nil, t.closedError()
	}
	return resp, nil
}

// Renegotiate forces a new key exchange and waits for it to complete. A
// round already in flight does not count, Renegotiate waits for it to end
// and then starts its own.
func (t *Transport) Renegotiate(ctx context.Context) error {
	for {
		if !t.IsActive() {
			return t.closedError()
		}
		ev := NewEvent()
		started, err := t.beginKex(ev)
		if err != nil {
			return err
		}
		if !t.waitForEvent(ctx, ev) {
			return ctx.Err()
		}
		if !t.IsActive() {
			return t.deathError()
		}
		if started {
			return nil
		}
	}
}

// OpenChannel opens a channel of kind and waits for the peer to confirm.
// extra is appended to CHANNEL_OPEN after the standard fields.
func (t *Transport) OpenChannel(ctx context.Context, kind string, extra []byte) (Channel, error) {
	if !t.IsActive() {
		return nil, t.closedError()
	}
	w := &openWait{done: NewEvent()}
	t.mu.Lock()
	id := t.channels.alloc(nil, slotPending)
	t.channels.slots[id].wait = w
	ch, _ := t.newChannel(kind, id, ParseMessage(extra, 0))
	t.channels.set(id, ch)
	t.mu.Unlock()
	openChannels.Inc()

	m := newMessageType(msgChannelOpen)
	m.AddString(kind)
	m.AddUint32(id)
	m.AddUint32(t.conf.WindowSize)
	m.AddUint32(t.conf.MaxPacketSize)
	m.AddBytes(extra)
	if err := t.sendUserMessage(ctx, m); err != nil {
		t.releaseChannel(id)
		return nil, err
	}

	if !t.waitForEvent(ctx, w.done) {
		return nil, ctx.Err()
	}
	t.mu.Lock()
	err := w.err
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !t.IsActive() {
		return nil, t.closedError()
	}
	return ch, nil
}

// Accept returns the next channel opened by the peer.
func (t *Transport) Accept(ctx context.Context) (Channel, error) {
	for {
		select {
		case ch := <-t.accepted:
			return ch, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.done:
			return nil, t.closedError()
		}
	}
}

// releaseChannel frees the slot of id.
func (t *Transport) releaseChannel(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.channels.slot(id) == nil {
		return
	}
	if w := t.channels.release(id); w != nil {
		w.err = ErrTransportClosed
		w.done.Set()
	}
	openChannels.Dec()
}

func (t *Transport) run() {
	defer close(t.done)
	if err := t.loop(); err != nil {
		log.Errorf("transport: %s", err)
		sessionErrors.Inc()
		t.saveError(err)
	}

	if t.active.Swap(false) {
		log.Debugln("transport deactivated")
	}
	t.stream.Close()

	// force-release every slot, pending openers fail with the session error
	closeErr := t.closedError()
	var chans []Channel
	t.mu.Lock()
	events := []*Event{t.kexDone}
	if t.global != nil {
		events = append(events, t.global.done)
	}
	released := 0
	t.channels.each(func(id uint32, s *channelSlot) {
		if s.ch != nil {
			chans = append(chans, s.ch)
		}
		if w := t.channels.release(id); w != nil {
			w.err = closeErr
			events = append(events, w.done)
		}
		released++
	})
	t.mu.Unlock()
	openChannels.Sub(float64(released))

	for _, ch := range chans {
		ch.Unlink()
	}
	for _, e := range events {
		if e != nil {
			e.Set()
		}
	}
	if t.conf.Auth != nil {
		t.conf.Auth.Abort()
	}
	t.clearMu.Lock()
	t.clearToSend.Set()
	t.clearMu.Unlock()

	t.conn.Close()
	log.Debugln("transport loop terminated")
}

func (t *Transport) loop() error {
	if err := t.stream.WriteLine(t.localVersion + "\r\n"); err != nil {
		return errors.Wrap(err, "sshtrans: write banner")
	}
	if err := t.checkBanner(); err != nil {
		return err
	}
	if err := t.sendKexInit(); err != nil {
		return err
	}
	t.expected = msgKexInit

	for t.IsActive() {
		if t.rekeyDue() {
			if err := t.sendKexInit(); err != nil {
				return err
			}
		}
		m, err := t.stream.ReadMessage()
		if errors.Is(err, ErrNeedRekey) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if !t.IsActive() {
				return nil
			}
			return err
		}

		ptype, err := m.ReadByte()
		if err != nil {
			return errors.Wrap(err, "sshtrans: empty packet")
		}
		switch ptype {
		case msgIgnore:
			continue
		case msgDisconnect:
			t.parseDisconnect(m)
			t.active.Store(false)
			t.stream.Close()
			continue
		case msgDebug:
			t.parseDebug(m)
			continue
		case msgUnimplemented:
			seq, _ := m.ReadUint32()
			log.Warnf("peer did not understand our packet %d", seq)
			continue
		}

		if t.expected != 0 {
			if ptype != t.expected {
				return errors.Wrapf(ErrUnexpectedPacket, "expecting %s, got %s",
					MessageName(t.expected), MessageName(ptype))
			}
			t.expected = 0
		}

		ok, err := t.dispatch(ptype, m)
		if err != nil {
			return err
		}
		if !ok {
			log.Warnf("unhandled packet type %s", MessageName(ptype))
			resp := newMessageType(msgUnimplemented)
			resp.AddUint32(m.Sequence())
			if err := t.sendMessage(resp); err != nil {
				return err
			}
			unimplementedSent.Inc()
		}
	}
	return nil
}

func (t *Transport) checkBanner() error {
	var line string
	for i := 0; i < bannerAttempts; i++ {
		timeout := bannerTimeout
		if i == 0 {
			timeout = firstBannerTimeout
		}
		var err error
		line, err = t.stream.ReadLine(timeout)
		if err != nil {
			if errors.Is(err, ErrBannerTimeout) {
				return err
			}
			return errors.Wrap(err, "sshtrans: read banner")
		}
		if strings.HasPrefix(line, "SSH-") {
			break
		}
		log.Debugf("banner: %s", line)
	}
	if !strings.HasPrefix(line, "SSH-") {
		return errors.Errorf("sshtrans: indecipherable protocol version %q", line)
	}
	t.remoteVersion = line

	if i := strings.IndexByte(line, ' '); i > 0 {
		line = line[:i]
	}
	segs := strings.SplitN(line, "-", 3)
	if len(segs) < 3 {
		return errors.Errorf("sshtrans: invalid banner %q", line)
	}
	version, software := segs[1], segs[2]
	if version != "1.99" && version != "2.0" {
		return errors.Wrapf(ErrIncompatibleVersion, "%s instead of 2.0", version)
	}
	log.Infof("connected (version %s, software %s)", version, software)
	return nil
}

func (t *Transport) dispatch(ptype byte, m *Message) (bool, error) {
	if h := t.handler(ptype); h != nil {
		return h.HandleMessage(ptype, m)
	}

	if ptype >= msgChannelWindowAdjust && ptype <= msgChannelFailure {
		id, err := m.ReadUint32()
		if err != nil {
			return false, err
		}
		t.mu.Lock()
		ch := t.channels.get(id)
		t.mu.Unlock()
		if ch == nil {
			log.Errorf("channel request for unknown channel %d", id)
			return false, errors.Wrapf(ErrUnknownChannel, "channel %d", id)
		}
		return ch.HandleMessage(ptype, m)
	}

	var err error
	switch ptype {
	case msgNewKeys:
		err = t.parseNewKeys()
	case msgGlobalRequest:
		err = t.parseGlobalRequest(m)
	case msgRequestSuccess:
		t.parseGlobalResponse(m)
	case msgRequestFailure:
		t.parseGlobalResponse(nil)
	case msgChannelOpenSuccess:
		err = t.parseChannelOpenSuccess(m)
	case msgChannelOpenFailure:
		err = t.parseChannelOpenFailure(m)
	case msgChannelOpen:
		err = t.role.handleChannelOpen(t, m)
	case msgKexInit:
		err = t.parseKexInit(m)
	default:
		return false, nil
	}
	return true, err
}

func (t *Transport) parseDisconnect(m *Message) {
	code, _ := m.ReadUint32()
	desc, _ := m.ReadString()
	log.Infof("disconnect (code %d): %s", code, desc)
	t.saveError(&DisconnectError{Code: code, Description: desc})
}

func (t *Transport) parseDebug(m *Message) {
	m.ReadBoolean()
	text, _ := m.ReadString()
	log.Debugf("debug message: %q", text)
}

// Disconnect sends DISCONNECT with code and description, then closes.
func (t *Transport) Disconnect(code uint32, description string) error {
	m := newMessageType(msgDisconnect)
	m.AddUint32(code)
	m.AddString(description)
	m.AddString("")
	err := t.sendMessage(m)
	t.Close()
	return err
}

func (t *Transport) parseGlobalRequest(m *Message) error {
	kind, err := m.ReadString()
	if err != nil {
		return err
	}
	wantReply, err := m.ReadBoolean()
	if err != nil {
		return err
	}
	log.Debugf("received global request %q", kind)
	payload, ok := t.role.checkGlobalRequest(t, kind, m)
	if !wantReply {
		return nil
	}
	var resp *Message
	if ok {
		resp = newMessageType(msgRequestSuccess)
		resp.AddBytes(payload)
	} else {
		resp = newMessageType(msgRequestFailure)
	}
	return t.sendReply(resp)
}

// parseGlobalResponse hands m to whoever waits for a global reply; m is
// nil for REQUEST_FAILURE. Replies carry no request id, the waiter
// registered last takes it.
func (t *Transport) parseGlobalResponse(m *Message) {
	if m == nil {
		log.Debugln("global request denied")
	} else {
		log.Debugln("global request successful")
	}
	t.mu.Lock()
	w := t.global
	t.global = nil
	if w != nil {
		w.resp = m
	}
	t.mu.Unlock()
	if w == nil {
		log.Debugln("global reply with no request waiting")
		return
	}
	w.done.Set()
}

func (t *Transport) parseChannelOpenSuccess(m *Message) error {
	var msg channelOpenConfirmMsg
	if err := ssh.Unmarshal(m.Bytes(), &msg); err != nil {
		return errors.Wrap(err, "sshtrans: channel open confirm")
	}
	t.mu.Lock()
	ch, w, err := t.channels.bind(msg.PeersID)
	t.mu.Unlock()
	if err != nil {
		log.Warnf("success for unrequested channel %d", msg.PeersID)
		return nil
	}
	ch.Bind(t, msg.MyID, msg.MyWindow, msg.MaxPacketSize)
	log.Infof("channel %d opened", msg.PeersID)
	if w != nil {
		w.done.Set()
	}
	return nil
}

func (t *Transport) parseChannelOpenFailure(m *Message) error {
	var msg channelOpenFailureMsg
	if err := ssh.Unmarshal(m.Bytes(), &msg); err != nil {
		return errors.Wrap(err, "sshtrans: channel open failure")
	}
	openErr := &ChannelOpenError{Reason: msg.Reason, Message: msg.Message}
	log.Infof("channel %d open failed: %s", msg.PeersID, openErr)

	t.mu.Lock()
	if t.channels.slot(msg.PeersID) == nil {
		t.mu.Unlock()
		log.Warnf("failure for unrequested channel %d", msg.PeersID)
		return nil
	}
	w := t.channels.release(msg.PeersID)
	if w != nil {
		w.err = openErr
	}
	t.mu.Unlock()
	openChannels.Dec()
	if w != nil {
		w.done.Set()
	}
	return nil
}

// acceptChannel registers a channel opened by the peer and confirms it.
func (t *Transport) acceptChannel(msg *channelOpenMsg) error {
	t.mu.Lock()
	id := t.channels.alloc(nil, slotOpen)
	ch, queue := t.newChannel(msg.ChanType, id, ParseMessage(msg.TypeSpecificData, 0))
	t.channels.set(id, ch)
	t.mu.Unlock()
	openChannels.Inc()

	ch.Bind(t, msg.PeersID, msg.PeersWindow, msg.MaxPacketSize)
	log.Infof("channel %d (%s) opened by peer", id, msg.ChanType)

	if err := t.sendReply(marshalMessage(&channelOpenConfirmMsg{
		PeersID:       msg.PeersID,
		MyID:          id,
		MyWindow:      t.conf.WindowSize,
		MaxPacketSize: t.conf.MaxPacketSize,
	})); err != nil {
		return err
	}
	if !queue {
		return nil
	}
	select {
	case t.accepted <- ch:
	default:
		log.Warnf("accept queue full, channel %d not queued", id)
	}
	return nil
}

func (t *Transport) rejectChannel(msg *channelOpenMsg, reason uint32, text string) error {
	log.Infof("rejecting channel %s: %s", msg.ChanType, text)
	return t.sendReply(marshalMessage(&channelOpenFailureMsg{
		PeersID: msg.PeersID,
		Reason:  reason,
		Message: text,
	}))
}
