package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	log "github.com/fangdingjun/go-log/v5"
	"github.com/fangdingjun/sshtrans"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

func main() {
	var configfile string
	var cfg config
	var logfile string
	var logFileCount int
	var logFileSize int64
	var loglevel string

	flag.StringVar(&configfile, "f", "", "configure file")
	flag.StringVar(&cfg.HostKey, "hostkey", "", "server public key, in authorized_keys format")
	flag.StringVar(&cfg.Proxy, "proxy", "", "proxy url, http, https or socks5")
	flag.BoolVar(&cfg.TLSInsecure, "tls-insecure", false, "insecure tls connnection")
	flag.Var(&cfg.LocalForwards, "L", "forward local port to remote, format [local_host:]local_port:remote_host:remote_port")
	flag.Var(&cfg.RemoteForwards, "R", "forward remote port to local, format [remote_host:]remote_port:local_host:local_port")
	flag.Var(&cfg.DynamicForwards, "D", "enable dynamic forward, format [local_host:]local_port")
	flag.BoolVar(&cfg.Debug, "d", false, "verbose mode")
	flag.BoolVar(&cfg.DumpPackets, "dump", false, "dump every packet at debug level")
	flag.IntVar(&cfg.KeepaliveInterval, "keepalive_interval", 10, "keep alive interval")
	flag.StringVar(&logfile, "log_file", "", "log file, default stdout")
	flag.IntVar(&logFileCount, "log_count", 10, "max count of log to keep")
	flag.Int64Var(&logFileSize, "log_size", 10, "max log file size MB")
	flag.StringVar(&loglevel, "log_level", "INFO", "log level, values:\nOFF, FATAL, PANIC, ERROR, WARN, INFO, DEBUG")

	flag.Usage = usage

	flag.Parse()

	if logfile != "" {
		log.Default.Out = &log.FixedSizeFileWriter{
			MaxCount: logFileCount,
			Name:     logfile,
			MaxSize:  logFileSize * 1024 * 1024,
		}
	}

	if configfile != "" {
		if err := loadConfig(&cfg, configfile); err != nil {
			log.Fatal(err)
		}
	}

	if cfg.Debug {
		loglevel = "DEBUG"
	}

	if loglevel != "" {
		lv, err := log.ParseLevel(loglevel)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		log.Default.Level = lv
	}

	if args := flag.Args(); len(args) > 0 {
		cfg.Server = args[0]
	}
	if cfg.Server == "" {
		fmt.Println("you must specify the server")
		usage()
	}

	log.Debugf("sshtrans client start")

	cb, err := hostKeyCallback(cfg.HostKey)
	if err != nil {
		log.Fatal(err)
	}

	d := &sshtrans.Dialer{
		Proxy: proxyFunc(cfg.Proxy),
		NetConf: &sshtrans.Conf{
			Timeout:           time.Duration(cfg.KeepaliveInterval*2) * time.Second,
			KeepAliveInterval: time.Duration(cfg.KeepaliveInterval) * time.Second,
			HostKeyCallback:   cb,
			Ciphers:           cfg.Ciphers,
			MACs:              cfg.MACs,
			DumpPackets:       cfg.DumpPackets,
		},
	}
	if u, err := url.Parse(cfg.Server); err == nil && u.Hostname() != "" {
		d.TLSClientConfig = &tls.Config{
			ServerName:         u.Hostname(),
			InsecureSkipVerify: cfg.TLSInsecure,
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t, err := d.DialContext(ctx, cfg.Server)
	cancel()
	if err != nil {
		log.Fatal(err)
	}

	kex, hk, cipher, _, mac, _ := t.Algorithms()
	log.Debugf("connected to %s, kex %s, host key %s, cipher %s, mac %s",
		t.RemoteVersion(), kex, hk, cipher, mac)

	f := sshtrans.NewForwarder(t)
	defer f.Close()

	for _, p := range cfg.LocalForwards {
		local, remote, err := parseLocalForward(p)
		if err != nil {
			log.Errorln(err)
			continue
		}
		if err := f.AddLocalForward(local, remote); err != nil {
			log.Errorln(err)
		}
	}

	for _, p := range cfg.RemoteForwards {
		remote, local, err := parseRemoteForward(p)
		if err != nil {
			log.Errorln(err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = f.AddRemoteForward(ctx, remote, local)
		cancel()
		if err != nil {
			log.Errorln(err)
		}
	}

	for _, p := range cfg.DynamicForwards {
		if err := f.AddDynamicForward(dynamicAddr(p)); err != nil {
			log.Errorln(err)
		}
	}

	if err := t.Wait(); err != nil {
		log.Errorln(err)
		os.Exit(1)
	}
	log.Debugf("sshtrans client exit")
}

func parseHostKey(s string) (ssh.PublicKey, error) {
	if buf, err := os.ReadFile(s); err == nil {
		s = string(buf)
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(s))
	return key, err
}

func hostKeyCallback(s string) (func(string, ssh.PublicKey) error, error) {
	if s == "" {
		return func(algo string, key ssh.PublicKey) error {
			log.Warnf("server host key %s %s not verified", algo, ssh.FingerprintSHA256(key))
			return nil
		}, nil
	}
	want, err := parseHostKey(s)
	if err != nil {
		return nil, errors.Wrap(err, "parse host key")
	}
	return func(algo string, key ssh.PublicKey) error {
		if string(key.Marshal()) != string(want.Marshal()) {
			return errors.Errorf("host key mismatch, got %s", ssh.FingerprintSHA256(key))
		}
		return nil
	}, nil
}

// proxyFunc returns the proxy of s, or the proxy named by the environment
// when s is empty.
func proxyFunc(s string) func() (*url.URL, error) {
	if s == "" {
		for _, k := range []string{"https_proxy", "HTTPS_PROXY", "http_proxy", "HTTP_PROXY", "all_proxy", "ALL_PROXY"} {
			if s = os.Getenv(k); s != "" {
				log.Debugf("use proxy %s from %s", s, k)
				break
			}
		}
	}
	if s == "" {
		return nil
	}
	return func() (*url.URL, error) {
		return url.Parse(s)
	}
}

func parseForwardAddr(s string) []string {
	return strings.FieldsFunc(s, func(c rune) bool {
		return c == ':'
	})
}

func parseLocalForward(p string) (local, remote string, err error) {
	addr := parseForwardAddr(p)
	switch len(addr) {
	case 4:
		return strings.Join(addr[:2], ":"), strings.Join(addr[2:], ":"), nil
	case 3:
		return fmt.Sprintf(":%s", addr[0]), strings.Join(addr[1:], ":"), nil
	}
	return "", "", errors.Errorf("wrong forward addr %s, format: [local_host:]local_port:remote_host:remote_port", p)
}

func parseRemoteForward(p string) (remote, local string, err error) {
	addr := parseForwardAddr(p)
	switch len(addr) {
	case 4:
		return strings.Join(addr[:2], ":"), strings.Join(addr[2:], ":"), nil
	case 3:
		return fmt.Sprintf("0.0.0.0:%s", addr[0]), strings.Join(addr[1:], ":"), nil
	}
	return "", "", errors.Errorf("wrong forward addr %s, format: [remote_host:]remote_port:local_host:local_port", p)
}

func dynamicAddr(p string) string {
	if !strings.Contains(p, ":") {
		return fmt.Sprintf(":%s", p)
	}
	return p
}

func usage() {
	usageStr := `Usage:
  sshtrans_client -d -D [bind_address:]port -f configfile
   -L [bind_address:]port:host:hostport
   -R [bind_address:]port:host:hostport
   -hostkey key -proxy url -tls-insecure
   -log_file /path/to/file -log_count 10 -log_size 10
   -log_level INFO server

  server is host:port or a tcp://, tls://, ws:// or wss:// url

Options:
    -d verbose mode

    -dump dump every packet at debug level

    -f configfile
      the configure file in yaml format

    -hostkey key
      the server public key, or a file holding it, in authorized_keys
      format, any key is accepted when empty

    -proxy url
      connect through a http, https or socks5 proxy, the https_proxy,
      http_proxy and all_proxy environment variables are used when empty

    -tls-insecure
      do not verify server's certificate

    -D [bind_adress:]port
      Specifies a local dynamic application-level port
      forwarding. This works by allocating a socket to
      listen to port on the local side, optionally bound
      to the specified bind_address. It acts as a socks5 server.

    -L [bind_address:]port:host:hostport
      Specifies that the given port on the local (client)
      host is to be forwarded to the given host and port
      on the remote side.

    -R [bind_address:]port:host:hostport
      Specifies that the given port on the remote (server)
      host is to be forwarded to the given host and port
      on the local side.

    -keepalive_interval seconds
      the idle interval after which a keep alive request is sent

    -log_file
      log file, default stdout

    -log_count
      max count of log file to keep, default 10

    -log_size
      max log size MB, default 10

    -log_level
      log level, values:
         OFF, FATAL, PANIC, ERROR, WARN, INFO, DEBUG
`
	fmt.Printf("%s", usageStr)
	os.Exit(1)
}
