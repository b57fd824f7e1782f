/*
Package sshtrans implements the transport layer of SSH2 (RFC 4253) and the
channel multiplexing of RFC 4254 on top of any byte stream.

A Transport exchanges banners, negotiates algorithms with KEXINIT, runs the
key exchange and then dispatches every incoming packet from a single
goroutine. Key exchange is repeated transparently once enough data has
crossed the link, user traffic waits while it runs.

client usage example

	d := &sshtrans.Dialer{NetConf: &sshtrans.Conf{
		HostKeyCallback: func(algo string, key ssh.PublicKey) error {
			if !bytes.Equal(key.Marshal(), pub.Marshal()) {
				return errors.New("host key mismatch")
			}
			return nil
		},
	}}
	t, err := d.DialContext(ctx, "wss://example.com/ssh")
	if err != nil {
		// handle error
	}
	defer t.Close()

	f := sshtrans.NewForwarder(t)
	f.AddLocalForward("127.0.0.1:8080", "10.0.0.1:80")
	f.AddDynamicForward("127.0.0.1:1080")
	t.Wait()

server usage example

	srv := &sshtrans.ForwardServer{SFTP: true}
	t := sshtrans.NewServer(conn, &sshtrans.Conf{HostKeys: keys}, srv)
	srv.Attach(t)
	if err := t.Start(ctx); err != nil {
		// handle error
	}
	t.Wait()

Connections may be plain TCP, TLS or websocket, and a client can reach the
server through an http, https or socks5 proxy.
*/
package sshtrans
