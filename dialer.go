package sshtrans

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/fangdingjun/go-log/v5"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

var dialer = &net.Dialer{Timeout: 15 * time.Second}

// Dialer connects client sessions over tcp, tls or websocket, optionally
// through a proxy.
type Dialer struct {
	// NetDial specifies the dial function for creating TCP connections. If
	// NetDial is nil, net.Dial is used.
	NetDial func(network, addr string) (net.Conn, error)

	// Proxy returns the proxy to connect through, nil for a direct
	// connection. Schemes http, https and socks5 are supported.
	Proxy func() (*url.URL, error)

	// TLSClientConfig specifies the TLS configuration to use with tls.Client.
	// If nil, the default configuration is used.
	TLSClientConfig *tls.Config

	NetConf *Conf
}

// Dial is DialContext with a background context.
func (d *Dialer) Dial(addr string) (*Transport, error) {
	return d.DialContext(context.Background(), addr)
}

// DialContext connects to addr and completes the first key exchange. addr
// is host:port or a url with scheme tcp, tls, ws or wss.
func (d *Dialer) DialContext(ctx context.Context, addr string) (*Transport, error) {
	conf := Conf{}
	if d.NetConf != nil {
		conf = *d.NetConf
	}
	if conf.Timeout == 0 {
		conf.Timeout = 15 * time.Second
	}

	dialFunc := d.NetDial
	if dialFunc == nil {
		dialFunc = dialer.Dial
	}
	if d.Proxy != nil {
		direct := dialFunc
		dialFunc = func(network, addr string) (net.Conn, error) {
			p, err := d.Proxy()
			if err != nil {
				return nil, err
			}
			if p == nil {
				return direct(network, addr)
			}
			log.Debugf("connect to proxy %s", p)
			conn, err := dialProxy(p, addr)
			if err != nil {
				log.Errorf("connect to proxy error %s", err)
			}
			return conn, err
		}
	}

	if !strings.Contains(addr, "://") {
		addr = "tcp://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	var conn net.Conn
	switch u.Scheme {
	case "tcp":
		conn, err = dialFunc("tcp", u.Host)
	case "tls":
		conn, err = dialFunc("tcp", u.Host)
		if err == nil {
			conn, err = tlsHandshake(conn, u.Hostname(), d.TLSClientConfig)
		}
	case "ws", "wss":
		conn, err = d.dialWebsocket(ctx, u, dialFunc)
	default:
		return nil, errors.Errorf("sshtrans: unknown scheme %s", u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	t := NewClient(conn, &conf)
	if err := t.Start(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

func tlsHandshake(conn net.Conn, host string, cfg *tls.Config) (net.Conn, error) {
	if cfg == nil {
		cfg = &tls.Config{}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	tc := tls.Client(conn, cfg)
	if err := tc.Handshake(); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "sshtrans: tls handshake")
	}
	return tc, nil
}

func (d *Dialer) dialWebsocket(ctx context.Context, u *url.URL, dialFunc func(network, addr string) (net.Conn, error)) (net.Conn, error) {
	wd := websocket.Dialer{
		NetDial:         dialFunc,
		TLSClientConfig: d.TLSClientConfig,
	}
	target := fmt.Sprintf("%s://%s%s", u.Scheme, u.Host, u.Path)
	wsconn, res, err := wd.DialContext(ctx, target, nil)
	if err != nil {
		return nil, err
	}
	res.Body.Close()
	if res.StatusCode != http.StatusSwitchingProtocols {
		wsconn.Close()
		return nil, errors.Errorf("sshtrans: websocket connect failed, http code %d", res.StatusCode)
	}
	return newWSConn(wsconn), nil
}
