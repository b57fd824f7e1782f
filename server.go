package sshtrans

import (
	"io"

	log "github.com/fangdingjun/go-log/v5"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// OpenSucceeded is returned by CheckChannelRequest to accept a channel.
const OpenSucceeded uint32 = 0

// ServerInterface holds the server policy decisions.
type ServerInterface interface {
	// CheckChannelRequest returns OpenSucceeded to accept a channel of
	// kind, or a reason code to refuse it.
	CheckChannelRequest(kind string, params *Message) uint32

	// CheckGlobalRequest answers a global request. ok false refuses it,
	// otherwise payload is sent back with REQUEST_SUCCESS.
	CheckGlobalRequest(kind string, m *Message) (payload []byte, ok bool)
}

// DefaultServer accepts every channel kind and refuses global requests.
type DefaultServer struct{}

// CheckChannelRequest implements ServerInterface.
func (DefaultServer) CheckChannelRequest(string, *Message) uint32 { return OpenSucceeded }

// CheckGlobalRequest implements ServerInterface.
func (DefaultServer) CheckGlobalRequest(string, *Message) ([]byte, bool) { return nil, false }

// unlocker is implemented by auth handlers that must wait for the first
// key exchange before serving.
type unlocker interface {
	Unlock()
}

type serverRole struct {
	srv ServerInterface
}

// NewServer creates the server side of a session over conn. conf must hold
// at least one host key. srv may be nil to use DefaultServer.
func NewServer(conn io.ReadWriteCloser, conf *Conf, srv ServerInterface) *Transport {
	if srv == nil {
		srv = DefaultServer{}
	}
	return newTransport(conn, conf, serverRole{srv: srv})
}

func (serverRole) isServer() bool { return true }

func (serverRole) outboundLetters() [3]byte { return [3]byte{'B', 'D', 'F'} }

func (serverRole) inboundLetters() [3]byte { return [3]byte{'A', 'C', 'E'} }

// hostKeyAlgorithms offers only the algorithms a host key is held for.
func (serverRole) hostKeyAlgorithms(t *Transport) []string {
	var out []string
	for _, algo := range t.conf.HostKeyAlgorithms {
		if t.hostKeyFor(algo) != nil {
			out = append(out, algo)
		}
	}
	return out
}

func (serverRole) kexInitHook(t *Transport) error {
	if t.hostKeyFor(t.agreed.hostKey) == nil {
		return &AlgorithmError{Category: "host key"}
	}
	return nil
}

func (serverRole) newKeysHook(t *Transport) {
	if t.initialKexDone {
		return
	}
	if u, ok := t.conf.Auth.(unlocker); ok {
		log.Debugln("unlocking auth handler")
		u.Unlock()
	}
}

func (r serverRole) handleChannelOpen(t *Transport, m *Message) error {
	var msg channelOpenMsg
	if err := ssh.Unmarshal(m.Bytes(), &msg); err != nil {
		return errors.Wrap(err, "sshtrans: channel open")
	}
	reason := r.srv.CheckChannelRequest(msg.ChanType, ParseMessage(msg.TypeSpecificData, 0))
	if reason != OpenSucceeded {
		return t.rejectChannel(&msg, reason, openFailureText[reason])
	}
	return t.acceptChannel(&msg)
}

func (r serverRole) checkGlobalRequest(_ *Transport, kind string, m *Message) ([]byte, bool) {
	return r.srv.CheckGlobalRequest(kind, m)
}
