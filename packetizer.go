package sshtrans

import (
	"bufio"
	"crypto/cipher"
	"crypto/hmac"
	"encoding/hex"
	"hash"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/fangdingjun/go-log/v5"
	"github.com/pkg/errors"
	"golang.org/x/crypto/cryptobyte"
)

// pollInterval bounds every blocking wait in the package.
const pollInterval = 100 * time.Millisecond

const (
	minBlockSize   = 8
	minPadding     = 4
	maxPacketSize  = 256 * 1024
	maxBannerBytes = 255
)

// PacketStream frames SSH messages over a byte stream.
type PacketStream interface {
	// ReadMessage blocks until the next message arrives. It returns
	// ErrNeedRekey when a rekey became due before the next packet started
	// and io.EOF once the stream has been closed.
	ReadMessage() (*Message, error)
	WriteMessage(m *Message) error

	// NeedRekey reports whether traffic under the current keys reached
	// the configured limits.
	NeedRekey() bool

	ReadLine(timeout time.Duration) (string, error)
	WriteLine(line string) error

	SetOutboundCipher(mode cipher.BlockMode, blockSize int, mac hash.Hash, macSize int)
	SetInboundCipher(mode cipher.BlockMode, blockSize int, mac hash.Hash, macSize int)

	// SetKeepAlive registers fn to run after interval without outbound traffic.
	SetKeepAlive(interval time.Duration, fn func())
	SetDumpPackets(dump bool)
	Close() error
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type packetDirection struct {
	mode      cipher.BlockMode
	blockSize int
	mac       hash.Hash
	macSize   int
	seq       uint32
	bytes     uint64
	packets   uint64
}

func (d *packetDirection) set(mode cipher.BlockMode, blockSize int, mac hash.Hash, macSize int) {
	d.mode = mode
	d.blockSize = blockSize
	d.mac = mac
	d.macSize = macSize
	d.bytes = 0
	d.packets = 0
}

func (d *packetDirection) align() int {
	if d.blockSize < minBlockSize {
		return minBlockSize
	}
	return d.blockSize
}

func (d *packetDirection) sum(seq uint32, packet []byte) []byte {
	d.mac.Reset()
	b := cryptobyte.NewBuilder(make([]byte, 0, 4))
	b.AddUint32(seq)
	d.mac.Write(b.BytesOrPanic())
	d.mac.Write(packet)
	return d.mac.Sum(nil)[:d.macSize]
}

// Packetizer is the default PacketStream: RFC 4253 binary packets over
// any io.ReadWriteCloser.
type Packetizer struct {
	conn io.ReadWriteCloser
	r    *bufio.Reader
	dl   readDeadliner
	rand io.Reader

	readMu  sync.Mutex
	in      packetDirection
	writeMu sync.Mutex
	out     packetDirection

	rekeyBytes   uint64
	rekeyPackets uint64

	mu                sync.Mutex
	needRekey         bool
	outRekeyed        bool
	inRekeyed         bool
	keepAliveInterval time.Duration
	keepAlive         func()
	lastWrite         time.Time

	dump   atomic.Bool
	closed atomic.Bool
}

var _ PacketStream = &Packetizer{}

// NewPacketizer frames packets over conn. Read polling, and with it rekey
// signalling and keepalive, needs conn to support read deadlines.
func NewPacketizer(conn io.ReadWriteCloser, rand io.Reader, rekeyBytes, rekeyPackets uint64) *Packetizer {
	p := &Packetizer{
		conn:         conn,
		r:            bufio.NewReader(conn),
		rand:         rand,
		rekeyBytes:   rekeyBytes,
		rekeyPackets: rekeyPackets,
		lastWrite:    time.Now(),
	}
	if dl, ok := conn.(readDeadliner); ok {
		p.dl = dl
	}
	return p
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// NeedRekey implements PacketStream.
func (p *Packetizer) NeedRekey() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.needRekey
}

func (p *Packetizer) checkLimits(d *packetDirection) {
	if d.bytes < p.rekeyBytes && d.packets < p.rekeyPackets {
		return
	}
	p.mu.Lock()
	if !p.needRekey {
		log.Debugf("rekey limit reached after %d packets, %d bytes", d.packets, d.bytes)
	}
	p.needRekey = true
	p.mu.Unlock()
}

// SetKeepAlive implements PacketStream.
func (p *Packetizer) SetKeepAlive(interval time.Duration, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keepAliveInterval = interval
	p.keepAlive = fn
	p.lastWrite = time.Now()
}

func (p *Packetizer) checkKeepAlive() {
	p.mu.Lock()
	fn := p.keepAlive
	if fn == nil || p.keepAliveInterval <= 0 || time.Since(p.lastWrite) < p.keepAliveInterval {
		p.mu.Unlock()
		return
	}
	p.lastWrite = time.Now()
	p.mu.Unlock()
	go fn()
}

// SetDumpPackets implements PacketStream.
func (p *Packetizer) SetDumpPackets(dump bool) { p.dump.Store(dump) }

// Close marks the stream closed and wakes a blocked reader. The underlying
// stream is closed as well when it cannot be woken with a deadline.
func (p *Packetizer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	if p.dl != nil {
		return p.dl.SetReadDeadline(time.Now())
	}
	return p.conn.Close()
}

// SetOutboundCipher implements PacketStream. It resets the outbound rekey
// counters. A pending rekey is cleared once both directions have new keys.
func (p *Packetizer) SetOutboundCipher(mode cipher.BlockMode, blockSize int, mac hash.Hash, macSize int) {
	p.writeMu.Lock()
	p.out.set(mode, blockSize, mac, macSize)
	p.writeMu.Unlock()

	p.mu.Lock()
	p.outRekeyed = true
	p.rekeyedLocked()
	p.mu.Unlock()
}

// SetInboundCipher implements PacketStream. It resets the inbound rekey
// counters.
func (p *Packetizer) SetInboundCipher(mode cipher.BlockMode, blockSize int, mac hash.Hash, macSize int) {
	p.readMu.Lock()
	p.in.set(mode, blockSize, mac, macSize)
	p.readMu.Unlock()

	p.mu.Lock()
	p.inRekeyed = true
	p.rekeyedLocked()
	p.mu.Unlock()
}

func (p *Packetizer) rekeyedLocked() {
	if p.outRekeyed && p.inRekeyed {
		p.needRekey = false
		p.outRekeyed = false
		p.inRekeyed = false
	}
}

// WriteLine writes a raw line, used for the version banner.
func (p *Packetizer) WriteLine(line string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := io.WriteString(p.conn, line)
	return err
}

// ReadLine reads one line terminated by LF, with any CR stripped.
func (p *Packetizer) ReadLine(timeout time.Duration) (string, error) {
	p.readMu.Lock()
	defer p.readMu.Unlock()

	if p.dl != nil {
		p.dl.SetReadDeadline(time.Now().Add(timeout))
	}
	var line []byte
	for {
		c, err := p.r.ReadByte()
		if err != nil {
			if isTimeout(err) {
				if p.closed.Load() {
					return "", io.EOF
				}
				return "", ErrBannerTimeout
			}
			return "", err
		}
		if c == '\n' {
			break
		}
		line = append(line, c)
		if len(line) > maxBannerBytes {
			return "", errors.New("sshtrans: banner line too long")
		}
	}
	return strings.TrimRight(string(line), "\r"), nil
}

// readFull fills buf, polling so that close, rekey and keepalive are
// noticed while the peer is idle.
func (p *Packetizer) readFull(buf []byte, checkRekey bool) error {
	n := 0
	for n < len(buf) {
		if p.closed.Load() {
			return io.EOF
		}
		if p.dl != nil {
			p.dl.SetReadDeadline(time.Now().Add(pollInterval))
		}
		k, err := p.r.Read(buf[n:])
		n += k
		if err == nil {
			continue
		}
		if !isTimeout(err) {
			if p.closed.Load() {
				return io.EOF
			}
			return err
		}
		if p.closed.Load() {
			return io.EOF
		}
		if checkRekey && n == 0 && p.NeedRekey() {
			return ErrNeedRekey
		}
		p.checkKeepAlive()
	}
	return nil
}

// ReadMessage implements PacketStream.
func (p *Packetizer) ReadMessage() (*Message, error) {
	p.readMu.Lock()
	defer p.readMu.Unlock()

	in := &p.in
	bs := in.align()
	header := make([]byte, bs)
	if err := p.readFull(header, true); err != nil {
		return nil, err
	}
	if in.mode != nil {
		in.mode.CryptBlocks(header, header)
	}

	var length uint32
	s := cryptobyte.String(header)
	s.ReadUint32(&length)
	if length < uint32(bs-4) || length > maxPacketSize || (length+4)%uint32(bs) != 0 {
		return nil, errors.Errorf("sshtrans: invalid packet length %d", length)
	}

	packet := make([]byte, 4+length)
	copy(packet, header)
	if err := p.readFull(packet[bs:], false); err != nil {
		return nil, err
	}
	if in.mode != nil {
		in.mode.CryptBlocks(packet[bs:], packet[bs:])
	}

	if in.mac != nil {
		mac := make([]byte, in.macSize)
		if err := p.readFull(mac, false); err != nil {
			return nil, err
		}
		if !hmac.Equal(mac, in.sum(in.seq, packet)) {
			return nil, errors.New("sshtrans: mac mismatch")
		}
	}

	padding := uint32(packet[4])
	if padding < minPadding || padding+1 > length {
		return nil, errors.Errorf("sshtrans: invalid padding length %d", padding)
	}
	payload := packet[5 : 5+length-1-padding]

	seq := in.seq
	in.seq++
	in.packets++
	in.bytes += uint64(len(packet))
	p.checkLimits(in)
	packetsRead.Inc()

	if p.dump.Load() {
		log.Debugf("IN seq %d:\n%s", seq, hex.Dump(payload))
	}
	return ParseMessage(payload, seq), nil
}

// WriteMessage implements PacketStream.
func (p *Packetizer) WriteMessage(m *Message) error {
	payload := m.Bytes()

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.closed.Load() {
		return ErrTransportClosed
	}
	if p.dump.Load() {
		log.Debugf("OUT seq %d:\n%s", p.out.seq, hex.Dump(payload))
	}

	out := &p.out
	bs := out.align()
	padding := bs - (5+len(payload))%bs
	if padding < minPadding {
		padding += bs
	}
	pad := make([]byte, padding)
	if _, err := io.ReadFull(p.rand, pad); err != nil {
		return errors.Wrap(err, "sshtrans: padding")
	}

	b := cryptobyte.NewBuilder(make([]byte, 0, 5+len(payload)+padding+out.macSize))
	b.AddUint32(uint32(1 + len(payload) + padding))
	b.AddUint8(uint8(padding))
	b.AddBytes(payload)
	b.AddBytes(pad)
	packet := b.BytesOrPanic()

	var mac []byte
	if out.mac != nil {
		mac = out.sum(out.seq, packet)
	}
	if out.mode != nil {
		out.mode.CryptBlocks(packet, packet)
	}
	if _, err := p.conn.Write(append(packet, mac...)); err != nil {
		return err
	}

	out.seq++
	out.packets++
	out.bytes += uint64(len(packet))
	p.checkLimits(out)
	packetsWritten.Inc()

	p.mu.Lock()
	p.lastWrite = time.Now()
	p.mu.Unlock()
	return nil
}
