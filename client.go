package sshtrans

import (
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

type clientRole struct{}

// NewClient creates the client side of a session over conn. Call Start to
// run the handshake.
func NewClient(conn io.ReadWriteCloser, conf *Conf) *Transport {
	return newTransport(conn, conf, clientRole{})
}

func (clientRole) isServer() bool { return false }

func (clientRole) outboundLetters() [3]byte { return [3]byte{'A', 'C', 'E'} }

func (clientRole) inboundLetters() [3]byte { return [3]byte{'B', 'D', 'F'} }

func (clientRole) hostKeyAlgorithms(t *Transport) []string { return t.conf.HostKeyAlgorithms }

func (clientRole) kexInitHook(*Transport) error { return nil }

func (clientRole) newKeysHook(*Transport) {}

// handleChannelOpen accepts only kinds the caller registered a factory for.
func (clientRole) handleChannelOpen(t *Transport, m *Message) error {
	var msg channelOpenMsg
	if err := ssh.Unmarshal(m.Bytes(), &msg); err != nil {
		return errors.Wrap(err, "sshtrans: channel open")
	}
	if _, ok := t.channelFactory(msg.ChanType); !ok || msg.ChanType == "session" {
		return t.rejectChannel(&msg, OpenAdministrativelyProhibited, "channel kind not accepted by client")
	}
	return t.acceptChannel(&msg)
}

func (clientRole) checkGlobalRequest(*Transport, string, *Message) ([]byte, bool) { return nil, false }
