package sshtrans

import (
	"net"
	"time"
)

// TimedOutConn is a net.Conn whose writes fail after Timeout. Reads are
// left alone, the packet layer polls them with its own deadlines.
type TimedOutConn struct {
	net.Conn
	Timeout time.Duration
}

func (tc *TimedOutConn) Write(b []byte) (int, error) {
	tc.Conn.SetWriteDeadline(time.Now().Add(tc.Timeout))
	return tc.Conn.Write(b)
}
