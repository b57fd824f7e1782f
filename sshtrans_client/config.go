package main

import (
	"os"

	"github.com/go-yaml/yaml"
)

type stringSlice []string

func (lf *stringSlice) Set(val string) error {
	*lf = append(*lf, val)
	return nil
}

func (lf *stringSlice) String() string {
	s := ""
	if lf == nil {
		return s
	}
	for _, v := range *lf {
		s += " "
		s += v
	}
	return s
}

type config struct {
	Server            string      `yaml:"server"`
	HostKey           string      `yaml:"host_key"`
	Proxy             string      `yaml:"proxy"`
	TLSInsecure       bool        `yaml:"tls_insecure"`
	KeepaliveInterval int         `yaml:"keepalive_interval"`
	Debug             bool        `yaml:"debug"`
	DumpPackets       bool        `yaml:"dump_packets"`
	LocalForwards     stringSlice `yaml:"local_forward"`
	RemoteForwards    stringSlice `yaml:"remote_forward"`
	DynamicForwards   stringSlice `yaml:"dynamic_forward"`
	Ciphers           []string    `yaml:"ciphers"`
	MACs              []string    `yaml:"macs"`
}

// loadConfig merges the file f into c. Forwards are appended to the ones
// given on the command line, scalar values override them.
func loadConfig(c *config, f string) error {
	buf, err := os.ReadFile(f)
	if err != nil {
		return err
	}
	var fc config
	if err := yaml.Unmarshal(buf, &fc); err != nil {
		return err
	}
	if fc.Server != "" {
		c.Server = fc.Server
	}
	if fc.HostKey != "" {
		c.HostKey = fc.HostKey
	}
	if fc.Proxy != "" {
		c.Proxy = fc.Proxy
	}
	if fc.KeepaliveInterval != 0 {
		c.KeepaliveInterval = fc.KeepaliveInterval
	}
	c.TLSInsecure = c.TLSInsecure || fc.TLSInsecure
	c.Debug = c.Debug || fc.Debug
	c.DumpPackets = c.DumpPackets || fc.DumpPackets
	c.LocalForwards = append(c.LocalForwards, fc.LocalForwards...)
	c.RemoteForwards = append(c.RemoteForwards, fc.RemoteForwards...)
	c.DynamicForwards = append(c.DynamicForwards, fc.DynamicForwards...)
	if len(fc.Ciphers) != 0 {
		c.Ciphers = fc.Ciphers
	}
	if len(fc.MACs) != 0 {
		c.MACs = fc.MACs
	}
	return nil
}
