package sshtrans

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/ssh"
)

// SSH message numbers, RFC 4250 section 4.1.
const (
	msgDisconnect     byte = 1
	msgIgnore         byte = 2
	msgUnimplemented  byte = 3
	msgDebug          byte = 4
	msgServiceRequest byte = 5
	msgServiceAccept  byte = 6

	msgKexInit byte = 20
	msgNewKeys byte = 21

	msgKexDHInit  byte = 30
	msgKexDHReply byte = 31

	msgUserAuthRequest byte = 50

	msgGlobalRequest  byte = 80
	msgRequestSuccess byte = 81
	msgRequestFailure byte = 82

	msgChannelOpen         byte = 90
	msgChannelOpenSuccess  byte = 91
	msgChannelOpenFailure  byte = 92
	msgChannelWindowAdjust byte = 93
	msgChannelData         byte = 94
	msgChannelExtendedData byte = 95
	msgChannelEOF          byte = 96
	msgChannelClose        byte = 97
	msgChannelRequest      byte = 98
	msgChannelSuccess      byte = 99
	msgChannelFailure      byte = 100
)

var msgNames = map[byte]string{
	msgDisconnect:          "disconnect",
	msgIgnore:              "ignore",
	msgUnimplemented:       "unimplemented",
	msgDebug:               "debug",
	msgServiceRequest:      "service-request",
	msgServiceAccept:       "service-accept",
	msgKexInit:             "kexinit",
	msgNewKeys:             "newkeys",
	msgKexDHInit:           "kexdh-init",
	msgKexDHReply:          "kexdh-reply",
	msgUserAuthRequest:     "userauth-request",
	msgGlobalRequest:       "global-request",
	msgRequestSuccess:      "request-success",
	msgRequestFailure:      "request-failure",
	msgChannelOpen:         "channel-open",
	msgChannelOpenSuccess:  "channel-open-success",
	msgChannelOpenFailure:  "channel-open-failure",
	msgChannelWindowAdjust: "channel-window-adjust",
	msgChannelData:         "channel-data",
	msgChannelExtendedData: "channel-extended-data",
	msgChannelEOF:          "channel-eof",
	msgChannelClose:        "channel-close",
	msgChannelRequest:      "channel-request",
	msgChannelSuccess:      "channel-success",
	msgChannelFailure:      "channel-failure",
}

// MessageName returns a printable name for an SSH message number.
func MessageName(t byte) string {
	if n, ok := msgNames[t]; ok {
		return n
	}
	return fmt.Sprintf("$%d", t)
}

// Message is an SSH message payload. A Message is either being built with
// the Add methods or consumed with the Read methods, never both.
type Message struct {
	b   *cryptobyte.Builder
	raw []byte
	in  cryptobyte.String
	seq uint32
}

// NewMessage returns an empty Message ready for writing.
func NewMessage() *Message {
	return &Message{b: cryptobyte.NewBuilder(nil)}
}

func newMessageType(t byte) *Message {
	m := NewMessage()
	m.AddByte(t)
	return m
}

// ParseMessage wraps a received payload for reading. seq is the inbound
// packet sequence number it arrived with.
func ParseMessage(data []byte, seq uint32) *Message {
	return &Message{raw: data, in: cryptobyte.String(data), seq: seq}
}

// Bytes returns the serialized payload.
func (m *Message) Bytes() []byte {
	if m.b != nil {
		return m.b.BytesOrPanic()
	}
	return m.raw
}

// Sequence returns the sequence number the message arrived with.
func (m *Message) Sequence() uint32 { return m.seq }

// Position returns how many bytes have been read so far.
func (m *Message) Position() int { return len(m.raw) - len(m.in) }

// AddByte appends a single byte.
func (m *Message) AddByte(v byte) { m.b.AddUint8(v) }

// AddBoolean appends a boolean as one byte.
func (m *Message) AddBoolean(v bool) {
	if v {
		m.b.AddUint8(1)
		return
	}
	m.b.AddUint8(0)
}

// AddUint32 appends a big-endian uint32.
func (m *Message) AddUint32(v uint32) { m.b.AddUint32(v) }

// AddUint64 appends a big-endian uint64.
func (m *Message) AddUint64(v uint64) {
	m.b.AddUint32(uint32(v >> 32))
	m.b.AddUint32(uint32(v))
}

// AddBytes appends raw bytes with no length prefix.
func (m *Message) AddBytes(v []byte) { m.b.AddBytes(v) }

// AddBinary appends a length-prefixed byte string.
func (m *Message) AddBinary(v []byte) {
	m.b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(v)
	})
}

// AddString appends a length-prefixed string.
func (m *Message) AddString(v string) { m.AddBinary([]byte(v)) }

// AddList appends a comma separated name-list.
func (m *Message) AddList(v []string) { m.AddString(strings.Join(v, ",")) }

// AddMPInt appends a multiple precision integer.
func (m *Message) AddMPInt(v *big.Int) {
	m.b.AddBytes(marshalMPInt(v))
}

func marshalMPInt(v *big.Int) []byte {
	return ssh.Marshal(struct{ N *big.Int }{v})
}

// ReadByte consumes one byte.
func (m *Message) ReadByte() (byte, error) {
	var v uint8
	if !m.in.ReadUint8(&v) {
		return 0, errShortMessage
	}
	return v, nil
}

// ReadBoolean consumes a boolean.
func (m *Message) ReadBoolean() (bool, error) {
	v, err := m.ReadByte()
	return v != 0, err
}

// ReadUint32 consumes a big-endian uint32.
func (m *Message) ReadUint32() (uint32, error) {
	var v uint32
	if !m.in.ReadUint32(&v) {
		return 0, errShortMessage
	}
	return v, nil
}

// ReadUint64 consumes a big-endian uint64.
func (m *Message) ReadUint64() (uint64, error) {
	var hi, lo uint32
	if !m.in.ReadUint32(&hi) || !m.in.ReadUint32(&lo) {
		return 0, errShortMessage
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

// ReadBytes consumes exactly n raw bytes.
func (m *Message) ReadBytes(n int) ([]byte, error) {
	var v []byte
	if !m.in.ReadBytes(&v, n) {
		return nil, errShortMessage
	}
	return v, nil
}

// ReadBinary consumes a length-prefixed byte string.
func (m *Message) ReadBinary() ([]byte, error) {
	var n uint32
	var v []byte
	if !m.in.ReadUint32(&n) || !m.in.ReadBytes(&v, int(n)) {
		return nil, errShortMessage
	}
	return v, nil
}

// ReadString consumes a length-prefixed string.
func (m *Message) ReadString() (string, error) {
	v, err := m.ReadBinary()
	return string(v), err
}

// ReadList consumes a name-list. An empty string yields an empty list.
func (m *Message) ReadList() ([]string, error) {
	s, err := m.ReadString()
	if err != nil {
		return nil, err
	}
	if s == "" {
		return []string{}, nil
	}
	return strings.Split(s, ","), nil
}

// ReadMPInt consumes a non-negative multiple precision integer.
func (m *Message) ReadMPInt() (*big.Int, error) {
	v, err := m.ReadBinary()
	if err != nil {
		return nil, err
	}
	if len(v) > 0 && v[0]&0x80 != 0 {
		return nil, errors.New("sshtrans: negative mpint")
	}
	return new(big.Int).SetBytes(v), nil
}

// Rest consumes and returns everything not yet read.
func (m *Message) Rest() []byte {
	v := []byte(m.in)
	m.in = m.in[len(m.in):]
	return v
}

// marshalMessage wraps a fixed-layout message tagged with sshtype.
func marshalMessage(v interface{}) *Message {
	m := NewMessage()
	m.AddBytes(ssh.Marshal(v))
	return m
}
