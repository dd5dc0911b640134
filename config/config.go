// Package config loads client and emulator settings from a TOML file.
//
// Every field has a default, so an empty or missing file yields a working client for a
// driver on 127.0.0.1:6666.
package config

import (
	"net"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"uscope-rpc/registry"
	"uscope-rpc/transport"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 6666
)

// EnvConfigPath names the environment variable consulted when no path is given.
const EnvConfigPath = "USCOPE_CONFIG"

type Config struct {
	Driver    Driver    `toml:"driver"`
	Timeouts  Timeouts  `toml:"timeouts"`
	Discovery Discovery `toml:"discovery"`
	Limits    Limits    `toml:"limits"`
	Retry     Retry     `toml:"retry"`
	Log       Log       `toml:"log"`
}

type Driver struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	// MaxResponseSize caps accepted responses, in bytes; 0 accepts anything the
	// 4 byte header can announce.
	MaxResponseSize uint32 `toml:"max_response_size"`
}

type Timeouts struct {
	Connect time.Duration `toml:"connect"`
	Read    time.Duration `toml:"read"`
	Write   time.Duration `toml:"write"`
	// Command bounds a whole command including retries; 0 disables.
	Command time.Duration `toml:"command"`
}

type Discovery struct {
	// EtcdEndpoints enables etcd discovery when non-empty.
	EtcdEndpoints []string `toml:"etcd_endpoints"`
	// Instances is a fixed list of driver addresses used instead of etcd.
	Instances   []string      `toml:"instances"`
	Service     string        `toml:"service"`
	Balancer    string        `toml:"balancer"`
	HashKey     string        `toml:"hash_key"`
	TTL         int64         `toml:"ttl"`
	DialTimeout time.Duration `toml:"dial_timeout"`
}

type Limits struct {
	Rate  float64 `toml:"rate"` // commands per second, 0 = unlimited
	Burst int     `toml:"burst"`
	Wait  bool    `toml:"wait"` // block for a token instead of rejecting
}

type Retry struct {
	Attempts  int           `toml:"attempts"`
	BaseDelay time.Duration `toml:"base_delay"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // console or json
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	timeouts := transport.DefaultTimeouts()
	return &Config{
		Driver: Driver{Host: DefaultHost, Port: DefaultPort},
		Timeouts: Timeouts{
			Connect: timeouts.Connect,
			Read:    timeouts.Read,
			Write:   timeouts.Write,
		},
		Discovery: Discovery{
			Service:     registry.DefaultService,
			Balancer:    "round_robin",
			TTL:         10,
			DialTimeout: 5 * time.Second,
		},
		Limits: Limits{Burst: 1},
		Retry:  Retry{BaseDelay: 100 * time.Millisecond},
		Log:    Log{Level: "info", Format: "console"},
	}
}

// Load reads path over the defaults. An empty path falls back to $USCOPE_CONFIG, and
// to the bare defaults if that is unset too.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return cfg, nil
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read config %s", path)
	}
	if err := checkUndecoded(meta); err != nil {
		return nil, errors.Wrapf(err, "Invalid config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "Invalid config %s", path)
	}
	return cfg, nil
}

// Parse decodes TOML text over the defaults.
func Parse(data string) (*Config, error) {
	cfg := Default()
	meta, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to parse config")
	}
	if err := checkUndecoded(meta); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// checkUndecoded rejects keys that match no field, which are usually typos.
func checkUndecoded(meta toml.MetaData) error {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return errors.Errorf("unknown config keys: %v", undecoded)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Driver.Port < 0 || c.Driver.Port > 65535 {
		return errors.Errorf("driver.port %d out of range", c.Driver.Port)
	}
	for name, d := range map[string]time.Duration{
		"connect": c.Timeouts.Connect,
		"read":    c.Timeouts.Read,
		"write":   c.Timeouts.Write,
		"command": c.Timeouts.Command,
	} {
		if d < 0 {
			return errors.Errorf("timeouts.%s must not be negative", name)
		}
	}
	if c.Limits.Rate < 0 {
		return errors.New("limits.rate must not be negative")
	}
	if c.Limits.Rate > 0 && c.Limits.Burst < 1 {
		return errors.New("limits.burst must be at least 1 when limits.rate is set")
	}
	if c.Retry.Attempts < 0 {
		return errors.New("retry.attempts must not be negative")
	}
	if len(c.Discovery.EtcdEndpoints) > 0 && len(c.Discovery.Instances) > 0 {
		return errors.New("discovery.etcd_endpoints and discovery.instances are exclusive")
	}
	return nil
}

// Address is the static driver endpoint.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Driver.Host, strconv.Itoa(c.Driver.Port))
}

// TransportTimeouts converts the timeouts section for the transport package.
func (c *Config) TransportTimeouts() transport.Timeouts {
	return transport.Timeouts{
		Connect: c.Timeouts.Connect,
		Read:    c.Timeouts.Read,
		Write:   c.Timeouts.Write,
	}
}
