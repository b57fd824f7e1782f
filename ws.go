package sshtrans

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/fangdingjun/go-log/v5"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// wsConn carries a byte stream in binary websocket messages. Read
// deadlines are kept locally so that a timed out Read leaves the
// websocket usable.
type wsConn struct {
	*websocket.Conn

	mu       sync.Mutex
	buf      bytes.Buffer
	deadline time.Time
	notify   chan struct{}
	closed   chan struct{}

	wmu sync.Mutex
}

var _ net.Conn = &wsConn{}

type wsTimeout struct{}

func (wsTimeout) Error() string   { return "sshtrans: websocket read timeout" }
func (wsTimeout) Timeout() bool   { return true }
func (wsTimeout) Temporary() bool { return true }

func newWSConn(c *websocket.Conn) *wsConn {
	wc := &wsConn{
		Conn:   c,
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	go wc.readLoop()
	return wc
}

// NewWSConn dials a websocket server and returns the stream as a net.Conn.
func NewWSConn(p string) (net.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(p, nil)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		conn.Close()
		return nil, errors.Errorf("sshtrans: http status %d", resp.StatusCode)
	}
	return newWSConn(conn), nil
}

// WSHandler upgrades requests to websocket and passes the stream to serve.
func WSHandler(serve func(net.Conn)) http.Handler {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Errorf("websocket upgrade from %s: %s", r.RemoteAddr, err)
			return
		}
		log.Debugf("websocket connection from %s", r.RemoteAddr)
		serve(newWSConn(c))
	})
}

func (wc *wsConn) wake() {
	select {
	case wc.notify <- struct{}{}:
	default:
	}
}

func (wc *wsConn) readLoop() {
	defer close(wc.closed)
	for {
		_, data, err := wc.Conn.ReadMessage()
		if err != nil {
			log.Debugln(err)
			return
		}
		wc.mu.Lock()
		wc.buf.Write(data)
		wc.mu.Unlock()
		wc.wake()
	}
}

func (wc *wsConn) Read(b []byte) (int, error) {
	for {
		wc.mu.Lock()
		if wc.buf.Len() > 0 {
			n, _ := wc.buf.Read(b)
			wc.mu.Unlock()
			return n, nil
		}
		deadline := wc.deadline
		wc.mu.Unlock()

		var expired <-chan time.Time
		var timer *time.Timer
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return 0, wsTimeout{}
			}
			timer = time.NewTimer(d)
			expired = timer.C
		}

		eof := false
		select {
		case <-wc.notify:
		case <-wc.closed:
			wc.mu.Lock()
			eof = wc.buf.Len() == 0
			wc.mu.Unlock()
		case <-expired:
			return 0, wsTimeout{}
		}
		if timer != nil {
			timer.Stop()
		}
		if eof {
			return 0, io.EOF
		}
	}
}

func (wc *wsConn) Write(b []byte) (int, error) {
	wc.wmu.Lock()
	defer wc.wmu.Unlock()
	if err := wc.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (wc *wsConn) SetReadDeadline(t time.Time) error {
	wc.mu.Lock()
	wc.deadline = t
	wc.mu.Unlock()
	wc.wake()
	return nil
}

func (wc *wsConn) SetDeadline(t time.Time) error {
	if err := wc.SetReadDeadline(t); err != nil {
		return err
	}
	return wc.SetWriteDeadline(t)
}
