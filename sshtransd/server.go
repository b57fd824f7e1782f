package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	log "github.com/fangdingjun/go-log/v5"
	"github.com/fangdingjun/sshtrans"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/ssh"
)

func main() {
	var configfile string
	var logfile string
	var logFileCount int
	var logFileSize int64
	var loglevel string

	flag.StringVar(&configfile, "c", "config.yaml", "configure file")
	flag.StringVar(&logfile, "log_file", "", "log file, default stdout")
	flag.IntVar(&logFileCount, "log_count", 10, "max count of log to keep")
	flag.Int64Var(&logFileSize, "log_size", 10, "max log file size MB")
	flag.StringVar(&loglevel, "log_level", "INFO", "log level, values:\nOFF, FATAL, PANIC, ERROR, WARN, INFO, DEBUG")
	flag.Parse()

	conf, err := loadConfig(configfile)
	if err != nil {
		log.Fatal(err)
	}

	if logfile != "" {
		log.Default.Out = &log.FixedSizeFileWriter{
			MaxCount: logFileCount,
			Name:     logfile,
			MaxSize:  logFileSize * 1024 * 1024,
		}
	}

	if conf.Debug {
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

	var hostKeys []ssh.Signer
	for _, f := range conf.HostKeys {
		privateBytes, err := os.ReadFile(f)
		if err != nil {
			log.Fatal(err)
		}
		private, err := ssh.ParsePrivateKey(privateBytes)
		if err != nil {
			log.Fatal(err)
		}
		log.Infof("loaded host key %s %s", private.PublicKey().Type(), ssh.FingerprintSHA256(private.PublicKey()))
		hostKeys = append(hostKeys, private)
	}

	s := &server{
		conf: conf,
		netConf: &sshtrans.Conf{
			Timeout:           conf.timeout(),
			KeepAliveInterval: conf.keepalive(),
			HostKeys:          hostKeys,
			Kex:               conf.Kex,
			Ciphers:           conf.Ciphers,
			MACs:              conf.MACs,
		},
	}

	if conf.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Infof("metrics on http://%s/metrics", conf.MetricsAddr)
			if err := http.ListenAndServe(conf.MetricsAddr, mux); err != nil {
				log.Errorf("metrics server: %s", err)
			}
		}()
	}

	for _, lst := range conf.Listen {
		go func(lst listen) {
			if err := s.listen(lst); err != nil {
				log.Fatal(err)
			}
		}(lst)
	}
	select {}
}

type server struct {
	conf    *serverConfig
	netConf *sshtrans.Conf
}

func (s *server) listen(lst listen) error {
	addr := fmt.Sprintf(":%d", lst.Port)

	var tlsConfig *tls.Config
	if lst.Key != "" && lst.Cert != "" {
		cert, err := tls.LoadX509KeyPair(lst.Cert, lst.Key)
		if err != nil {
			return err
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	if lst.WebsocketPath != "" {
		mux := http.NewServeMux()
		mux.Handle(lst.WebsocketPath, sshtrans.WSHandler(s.serve))
		srv := &http.Server{Addr: addr, Handler: mux, TLSConfig: tlsConfig}
		log.Infof("listen websocket on %s%s", addr, lst.WebsocketPath)
		if tlsConfig != nil {
			return srv.ListenAndServeTLS("", "")
		}
		return srv.ListenAndServe()
	}

	var l net.Listener
	var err error
	if tlsConfig != nil {
		l, err = tls.Listen("tcp", addr, tlsConfig)
	} else {
		l, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return err
	}
	defer l.Close()
	log.Infof("listen on %s", l.Addr())

	for {
		c, err := l.Accept()
		if err != nil {
			return err
		}
		log.Debugf("accept tcp connection from %s", c.RemoteAddr())
		go s.serve(c)
	}
}

// serve runs one session until it ends.
func (s *server) serve(c net.Conn) {
	srv := &sshtrans.ForwardServer{
		SFTP:               s.conf.SFTP,
		AllowRemoteForward: s.conf.RemoteForward,
	}
	t := sshtrans.NewServer(c, s.netConf, srv)
	srv.Attach(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err := t.Start(ctx)
	cancel()
	if err != nil {
		log.Errorf("handshake with %s: %s", c.RemoteAddr(), err)
		t.Close()
		return
	}
	log.Infof("session from %s, client %s", c.RemoteAddr(), t.RemoteVersion())

	if err := t.Wait(); err != nil {
		log.Errorf("session from %s: %s", c.RemoteAddr(), err)
		return
	}
	log.Infof("session from %s closed", c.RemoteAddr())
}
