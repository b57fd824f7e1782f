package main

import (
	"os"
	"time"

	"github.com/go-yaml/yaml"
	"github.com/pkg/errors"
)

type listen struct {
	Port int `yaml:"port"`

	// Key and Cert enable TLS on the listener.
	Key  string `yaml:"key"`
	Cert string `yaml:"cert"`

	// WebsocketPath serves sessions over websocket at this path.
	WebsocketPath string `yaml:"websocket_path"`
}

type serverConfig struct {
	Listen      []listen `yaml:"listen"`
	Debug       bool     `yaml:"debug"`
	HostKeys    []string `yaml:"host_key_file"`
	MetricsAddr string   `yaml:"metrics_addr"`

	SFTP          bool `yaml:"sftp"`
	RemoteForward bool `yaml:"remote_forward"`

	KeepaliveInterval int `yaml:"keepalive_interval"`
	Timeout           int `yaml:"timeout"`

	Kex     []string `yaml:"kex"`
	Ciphers []string `yaml:"ciphers"`
	MACs    []string `yaml:"macs"`
}

func (c *serverConfig) keepalive() time.Duration {
	return time.Duration(c.KeepaliveInterval) * time.Second
}

func (c *serverConfig) timeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

func loadConfig(f string) (*serverConfig, error) {
	buf, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}

	var c serverConfig
	if err := yaml.Unmarshal(buf, &c); err != nil {
		return nil, errors.Wrapf(err, "parse %s", f)
	}
	if len(c.Listen) == 0 {
		return nil, errors.Errorf("%s: no listen entry", f)
	}
	if len(c.HostKeys) == 0 {
		return nil, errors.Errorf("%s: no host_key_file", f)
	}
	for _, l := range c.Listen {
		if (l.Key == "") != (l.Cert == "") {
			return nil, errors.Errorf("%s: port %d needs both key and cert", f, l.Port)
		}
	}
	return &c, nil
}
