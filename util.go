package sshtrans

import (
	"io"

	log "github.com/fangdingjun/go-log/v5"
)

// PipeAndClose copies data both ways between c and s and closes both once
// either direction is done.
func PipeAndClose(c io.ReadWriteCloser, s io.ReadWriteCloser) {
	defer func() {
		if err := recover(); err != nil {
			log.Errorf("recovered: %+v", err)
		}
	}()
	defer c.Close()
	defer s.Close()

	done := make(chan struct{}, 2)
	pipe := func(dst io.Writer, src io.Reader) {
		n, err := io.Copy(dst, src)
		if err != nil {
			log.Debugf("pipe ended after %d bytes: %s", n, err)
		}
		done <- struct{}{}
	}
	go pipe(c, s)
	go pipe(s, c)

	<-done
}
