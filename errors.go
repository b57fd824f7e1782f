package sshtrans

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrIncompatibleVersion is returned when the peer banner is not SSH 2.0 or 1.99.
	ErrIncompatibleVersion = errors.New("sshtrans: incompatible protocol version")

	// ErrIncompatiblePeer is the root of every algorithm negotiation failure.
	ErrIncompatiblePeer = errors.New("sshtrans: incompatible ssh peer")

	// ErrUnexpectedPacket is returned when a packet arrives while another type is expected.
	ErrUnexpectedPacket = errors.New("sshtrans: unexpected packet")

	// ErrUnknownChannel is returned when the peer addresses a channel that is not allocated.
	ErrUnknownChannel = errors.New("sshtrans: channel request for unknown channel")

	// ErrNegotiationFailed is returned when a key exchange ends without an error being recorded.
	ErrNegotiationFailed = errors.New("sshtrans: negotiation failed")

	// ErrTransportClosed is returned by operations on a transport that is no longer active.
	ErrTransportClosed = errors.New("sshtrans: transport closed")

	// ErrNeedRekey is returned by a PacketStream read when a rekey became due
	// before any byte of the next packet arrived.
	ErrNeedRekey = errors.New("sshtrans: rekey needed")

	// ErrBannerTimeout is returned when the peer sends no banner line in time.
	ErrBannerTimeout = errors.New("sshtrans: timeout waiting for ssh protocol banner")

	// ErrUnknownKex is returned when the agreed kex name has no registered algorithm.
	ErrUnknownKex = errors.New("sshtrans: negotiated kex algorithm is not implemented")

	errShortMessage = errors.New("sshtrans: message too short")
)

// AlgorithmError reports a negotiation category with no mutually acceptable entry.
type AlgorithmError struct {
	Category string
}

func (e *AlgorithmError) Error() string {
	return fmt.Sprintf("%s (no acceptable %s)", ErrIncompatiblePeer, e.Category)
}

// Unwrap makes errors.Is(err, ErrIncompatiblePeer) hold.
func (e *AlgorithmError) Unwrap() error { return ErrIncompatiblePeer }

// Channel open failure reason codes, RFC 4254 section 5.1.
const (
	OpenAdministrativelyProhibited uint32 = 1
	OpenConnectFailed              uint32 = 2
	OpenUnknownChannelType         uint32 = 3
	OpenResourceShortage           uint32 = 4
)

var openFailureText = map[uint32]string{
	OpenAdministrativelyProhibited: "administratively prohibited",
	OpenConnectFailed:              "connect failed",
	OpenUnknownChannelType:         "unknown channel type",
	OpenResourceShortage:           "resource shortage",
}

// ChannelOpenError carries the reason a peer refused to open a channel.
type ChannelOpenError struct {
	Reason  uint32
	Message string
}

func (e *ChannelOpenError) Error() string {
	text, ok := openFailureText[e.Reason]
	if !ok {
		text = fmt.Sprintf("unknown reason %d", e.Reason)
	}
	if e.Message == "" {
		return fmt.Sprintf("sshtrans: channel open failed: %s", text)
	}
	return fmt.Sprintf("sshtrans: channel open failed: %s: %s", e.Message, text)
}

// DisconnectError is recorded when the peer ends the session with DISCONNECT.
type DisconnectError struct {
	Code        uint32
	Description string
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("sshtrans: disconnected by peer (code %d): %s", e.Code, e.Description)
}
