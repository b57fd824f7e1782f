package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	log "github.com/fangdingjun/go-log/v5"
	"github.com/fangdingjun/sshtrans"
	"github.com/kr/fs"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// copyBufSize matches the sftp max packet.
const copyBufSize = 32 * 1024

type options struct {
	Debug       bool
	Port        int
	Scheme      string
	Path        string
	TLSInsecure bool
	Recursive   bool
	HostKey     string
}

func main() {
	var cfg options
	var logfile string
	var logFileCount int
	var logFileSize int64
	var loglevel string

	flag.Usage = usage

	flag.BoolVar(&cfg.Debug, "d", false, "verbose mode")
	flag.IntVar(&cfg.Port, "p", 2222, "port")
	flag.StringVar(&cfg.Scheme, "scheme", "tcp", "transport, one of tcp, tls, ws, wss")
	flag.StringVar(&cfg.Path, "path", "/ssh", "websocket path")
	flag.BoolVar(&cfg.TLSInsecure, "tls-insecure", false, "insecure tls connection")
	flag.StringVar(&cfg.HostKey, "hostkey", "", "server public key file, in authorized_keys format")
	flag.BoolVar(&cfg.Recursive, "r", false, "recursively copy entries")
	flag.StringVar(&logfile, "log_file", "", "log file, default stdout")
	flag.IntVar(&logFileCount, "log_count", 10, "max count of log to keep")
	flag.Int64Var(&logFileSize, "log_size", 10, "max log file size MB")
	flag.StringVar(&loglevel, "log_level", "INFO", "log level, values:\nOFF, FATAL, PANIC, ERROR, WARN, INFO, DEBUG")
	flag.Parse()

	args := flag.Args()

	if len(args) < 2 {
		flag.Usage()
		os.Exit(1)
	}
	if logfile != "" {
		log.Default.Out = &log.FixedSizeFileWriter{
			MaxCount: logFileCount,
			Name:     logfile,
			MaxSize:  logFileSize * 1024 * 1024,
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

	var err error

	if strings.Contains(args[0], ":") {
		err = download(args, &cfg)
	} else {
		err = upload(args, &cfg)
	}

	if err != nil {
		log.Fatal(err)
	}
}

func hostKeyCallback(file string) (func(string, ssh.PublicKey) error, error) {
	if file == "" {
		return func(algo string, key ssh.PublicKey) error {
			log.Debugf("server host key %s %s", algo, ssh.FingerprintSHA256(key))
			return nil
		}, nil
	}
	buf, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	want, _, _, _, err := ssh.ParseAuthorizedKey(buf)
	if err != nil {
		return nil, err
	}
	return func(algo string, key ssh.PublicKey) error {
		if string(key.Marshal()) != string(want.Marshal()) {
			return fmt.Errorf("host key mismatch, got %s", ssh.FingerprintSHA256(key))
		}
		return nil
	}, nil
}

// sftpConn is a remote side bound to the transport that carries it.
type sftpConn struct {
	remoteFS
	t *sshtrans.Transport
}

func (c *sftpConn) Close() error {
	err := c.Client.Close()
	c.t.Close()
	return err
}

func createSFTPConn(host string, cfg *options) (*sftpConn, error) {
	cb, err := hostKeyCallback(cfg.HostKey)
	if err != nil {
		return nil, err
	}

	d := &sshtrans.Dialer{
		TLSClientConfig: &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: cfg.TLSInsecure,
		},
		NetConf: &sshtrans.Conf{
			Timeout:           10 * time.Second,
			KeepAliveInterval: 10 * time.Second,
			HostKeyCallback:   cb,
		},
	}

	rhost := fmt.Sprintf("%s://%s", cfg.Scheme, net.JoinHostPort(host, fmt.Sprintf("%d", cfg.Port)))
	if cfg.Scheme == "ws" || cfg.Scheme == "wss" {
		rhost += cfg.Path
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	t, err := d.DialContext(ctx, rhost)
	if err != nil {
		return nil, err
	}

	c, err := t.OpenSFTP(ctx, sftp.MaxPacket(copyBufSize))
	if err != nil {
		t.Close()
		return nil, err
	}
	return &sftpConn{remoteFS{c}, t}, nil
}

func splitHostPath(s string) (string, string) {
	var host, path string
	if strings.Contains(s, ":") {
		ss := strings.SplitN(s, ":", 2)
		host = ss[0]
		path = ss[1]
	} else {
		host = s
	}
	return host, path
}

// download copies remote sources, possibly spread over several hosts, to
// the local path in the last argument.
func download(args []string, cfg *options) error {
	local := localFS{}
	target := clean(args[len(args)-1])
	intoDir, err := prepareTarget(local, target, len(args) > 2)
	if err != nil {
		return err
	}

	conns := map[string]*sftpConn{}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	var err1 error
	for _, f := range args[:len(args)-1] {
		host, p := splitHostPath(f)
		if host == "" || p == "" {
			return errors.New("invalid path")
		}
		conn, ok := conns[host]
		if !ok {
			if conn, err = createSFTPConn(host, cfg); err != nil {
				return err
			}
			conns[host] = conn
		}
		if err := copyInto(conn, local, clean(p), target, intoDir, cfg.Recursive); err != nil {
			log.Debugf("download error: %s", err)
			err1 = err
		}
	}
	log.Debugf("done")
	return err1
}

// upload copies local sources to the remote path in the last argument.
func upload(args []string, cfg *options) error {
	host, p := splitHostPath(args[len(args)-1])
	if host == "" || p == "" {
		return errors.New("invalid path")
	}
	target := clean(p)

	conn, err := createSFTPConn(host, cfg)
	if err != nil {
		log.Debugf("create sftp failed: %s", err)
		return err
	}
	defer conn.Close()

	intoDir, err := prepareTarget(conn, target, len(args) > 2)
	if err != nil {
		return err
	}

	var err1 error
	for _, f := range args[:len(args)-1] {
		if err := copyInto(localFS{}, conn, clean(f), target, intoDir, cfg.Recursive); err != nil {
			log.Debugf("upload %s failed: %s", f, err)
			err1 = err
		}
	}
	return err1
}

// side is one end of a copy, the local disk or an sftp session.
type side interface {
	Stat(p string) (os.FileInfo, error)
	Mkdir(p string) error
	Open(p string) (io.ReadCloser, error)
	Create(p string) (io.WriteCloser, error)
	Chmod(p string, mode os.FileMode) error
	Chtimes(p string, atime, mtime time.Time) error
	Walk(root string) *fs.Walker
}

type localFS struct{}

func (localFS) Stat(p string) (os.FileInfo, error) { return os.Stat(p) }

func (localFS) Mkdir(p string) error { return os.Mkdir(p, 0755) }

func (localFS) Open(p string) (io.ReadCloser, error) { return os.Open(p) }

func (localFS) Create(p string) (io.WriteCloser, error) {
	return os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
}

func (localFS) Chmod(p string, mode os.FileMode) error { return os.Chmod(p, mode) }

func (localFS) Chtimes(p string, atime, mtime time.Time) error { return os.Chtimes(p, atime, mtime) }

func (localFS) Walk(root string) *fs.Walker { return fs.Walk(root) }

type remoteFS struct {
	*sftp.Client
}

func (r remoteFS) Open(p string) (io.ReadCloser, error) { return r.Client.Open(p) }

func (r remoteFS) Create(p string) (io.WriteCloser, error) {
	return r.Client.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
}

// prepareTarget reports whether sources go inside target. Several sources
// need target to be a directory and create it when missing.
func prepareTarget(dst side, target string, multi bool) (bool, error) {
	st, err := dst.Stat(target)
	if err == nil {
		if multi && !st.IsDir() {
			return false, errors.New("multiple files can only be transferred to a directory")
		}
		return st.IsDir(), nil
	}
	if !multi {
		return false, nil
	}
	if err := makeDirs(target, dst); err != nil {
		return false, err
	}
	if err := dst.Mkdir(target); err != nil {
		return false, err
	}
	return true, nil
}

// copyInto copies from to target. A directory source needs recursive and
// has its contents merged into target.
func copyInto(src, dst side, from, target string, intoDir, recursive bool) error {
	st, err := src.Stat(from)
	if err != nil {
		return err
	}
	if st.IsDir() {
		if !recursive {
			log.Debugf("omit directory %s", from)
			return nil
		}
		return copyTree(src, dst, from, target)
	}
	to := target
	if intoDir {
		to = path.Join(target, path.Base(from))
	}
	return copyFile(src, dst, from, to)
}

// copyTree copies the regular files under from to the same relative
// paths under to.
func copyTree(src, dst side, from, to string) error {
	log.Debugf("copy tree %s -> %s", from, to)
	w := src.Walk(from)
	for w.Step() {
		if err := w.Err(); err != nil {
			return err
		}
		if !w.Stat().Mode().IsRegular() {
			log.Debugf("skip %s", w.Path())
			continue
		}
		p := clean(w.Path())
		rel := strings.TrimPrefix(p, from)
		fmt.Println(strings.TrimLeft(rel, "/"))

		target := clean(path.Join(to, rel))
		if err := makeDirs(target, dst); err != nil {
			return err
		}
		if err := copyFile(src, dst, p, target); err != nil {
			return err
		}
	}
	return nil
}

// copyFile copies one file and keeps its permission and modtime.
func copyFile(src, dst side, from, to string) error {
	log.Debugf("copy %s -> %s", from, to)
	r, err := src.Open(from)
	if err != nil {
		return err
	}
	defer r.Close()

	w, err := dst.Create(to)
	if err != nil {
		return err
	}
	_, err = io.CopyBuffer(w, r, make([]byte, copyBufSize))
	if err1 := w.Close(); err == nil {
		err = err1
	}
	if err != nil {
		return err
	}

	st, err := src.Stat(from)
	if err != nil {
		return err
	}
	if err := dst.Chmod(to, st.Mode().Perm()); err != nil {
		return err
	}
	return dst.Chtimes(to, st.ModTime(), st.ModTime())
}

// makeDirs creates every missing parent of p.
func makeDirs(p string, dst side) error {
	p = clean(p)
	for i := 1; i < len(p); i++ {
		if p[i] != '/' {
			continue
		}
		if _, err := dst.Stat(p[:i]); err != nil {
			log.Debugf("make directory %s", p[:i])
			if err := dst.Mkdir(p[:i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func usage() {
	usageStr := `Usage:
  sshtrans_cp -p port -scheme tcp|tls|ws|wss -hostkey key.pub
    -r host1:file1 ... host2:file2

Options:
    -d  verbose mode

    -p port
      Port to connect to on the remote host

    -scheme
      transport to the server: tcp, tls, ws or wss

    -path
      websocket path, default /ssh

    -hostkey file
      server public key in authorized_keys format, any key is
      accepted when empty

    -r recursively copy the directories

    -tls-insecure
      do not verify server's certificate

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

func clean(p string) string {
	p = filepath.Clean(p)
	if os.PathSeparator != '/' {
		p = strings.Replace(p, string([]byte{os.PathSeparator}), "/", -1)
	}
	return p
}
