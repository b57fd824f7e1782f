package sshtrans

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimedOutConn(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	timeout := 300 * time.Millisecond

	go func() {
		s, err := l.Accept()
		if err != nil {
			return
		}
		defer s.Close()

		sConn := &TimedOutConn{s, timeout}
		buf := make([]byte, 100)
		n, err := sConn.Read(buf)
		if err != nil {
			return
		}
		// idle past the timeout; the deadline is refreshed per write
		time.Sleep(2 * timeout)
		sConn.Write(buf[:n])
	}()

	c, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	cConn := &TimedOutConn{c, timeout}
	str := "hello, world"
	_, err = cConn.Write([]byte(str))
	require.NoError(t, err)

	// reads carry no deadline of their own
	buf := make([]byte, 100)
	n, err := cConn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, str, string(buf[:n]))
}
