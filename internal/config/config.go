// Package config loads and validates the pgbridged TOML configuration.
// Settings come from three layers: the config file itself, a companion
// drop-in directory (<stem>.d/*.toml, channels only), and environment
// variables of the form CONF_SECTION__KEY.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pgbridge/pgbridge/internal/listener"
	"github.com/pgbridge/pgbridge/internal/pgparams"
	"github.com/spf13/viper"
)

const (
	defaultTitle            = "pgbridge"
	defaultWorkerBufferSize = 1
	defaultEventsBufferSize = 1024
	defaultReconnectDelay   = 60
	defaultMaxSSEPerIP      = 10
	defaultMaxSSEGlobal     = 1000
)

// ServerConfig holds the HTTP listener settings. The SSE caps bound
// concurrent streams; zero disables a cap.
type ServerConfig struct {
	Listen       string `mapstructure:"listen"`
	Title        string `mapstructure:"title"`
	NumWorkers   int    `mapstructure:"num_workers"`
	SSLEnabled   bool   `mapstructure:"ssl_enabled"`
	SSLKeyFile   string `mapstructure:"ssl_key_file"`
	SSLCertFile  string `mapstructure:"ssl_cert_file"`
	MaxSSEPerIP  int64  `mapstructure:"max_sse_per_ip"`
	MaxSSEGlobal int64  `mapstructure:"max_sse_global"`
}

// ChannelConfig declares one logical channel: the subscription id exposed
// over HTTP, the Postgres events it carries and the connection to listen on.
type ChannelConfig struct {
	ID               string   `mapstructure:"id" toml:"id"`
	AllowedEvents    []string `mapstructure:"allowed_events" toml:"allowed_events"`
	ConnectionString string   `mapstructure:"connection_string" toml:"connection_string"`
}

// TLSConfig points at the files for a TLS-enabled Postgres connection.
type TLSConfig struct {
	CAFile   string `mapstructure:"ca_file"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// Settings is the top-level pgbridged configuration.
type Settings struct {
	Server           ServerConfig    `mapstructure:"server"`
	Channels         []ChannelConfig `mapstructure:"channel"`
	WorkerBufferSize int             `mapstructure:"worker_buffer_size"`
	EventsBufferSize int             `mapstructure:"events_buffer_size"`
	ReconnectDelay   int             `mapstructure:"reconnect_delay"` // seconds
	PostgresTLS      *TLSConfig      `mapstructure:"postgres_tls"`
}

// ReconnectInterval returns the delay between pool reconnect sweeps.
func (s *Settings) ReconnectInterval() time.Duration {
	return time.Duration(s.ReconnectDelay) * time.Second
}

// TLSFiles converts the postgres_tls section into the form the listener
// pool consumes. Nil when no TLS is configured.
func (s *Settings) TLSFiles() *pgparams.TLSFiles {
	if s.PostgresTLS == nil {
		return nil
	}
	return &pgparams.TLSFiles{
		CAFile:         s.PostgresTLS.CAFile,
		ClientCertFile: s.PostgresTLS.CertFile,
		ClientKeyFile:  s.PostgresTLS.KeyFile,
	}
}

// envKeys lists the settings that may be overridden from the environment.
// Explicit binds are required: viper's AutomaticEnv does not surface
// env-only keys through Unmarshal.
var envKeys = []string{
	"server.listen",
	"server.title",
	"server.num_workers",
	"server.ssl_enabled",
	"server.ssl_key_file",
	"server.ssl_cert_file",
	"server.max_sse_per_ip",
	"server.max_sse_global",
	"worker_buffer_size",
	"events_buffer_size",
	"reconnect_delay",
	"postgres_tls.ca_file",
	"postgres_tls.cert_file",
	"postgres_tls.key_file",
}

// Load reads the TOML config at path, merges drop-in channel files and
// environment overrides, then validates the result.
func Load(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	v.SetDefault("server.title", defaultTitle)
	v.SetDefault("server.max_sse_per_ip", defaultMaxSSEPerIP)
	v.SetDefault("server.max_sse_global", defaultMaxSSEGlobal)
	v.SetDefault("worker_buffer_size", defaultWorkerBufferSize)
	v.SetDefault("events_buffer_size", defaultEventsBufferSize)
	v.SetDefault("reconnect_delay", defaultReconnectDelay)

	v.SetEnvPrefix("CONF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	dropIns, err := loadDropIns(path)
	if err != nil {
		return nil, err
	}
	s.Channels = append(s.Channels, dropIns...)

	s.sanitize(filepath.Dir(path))

	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// dropInFile is the shape of a <stem>.d/*.toml fragment: only channel
// declarations are honored.
type dropInFile struct {
	Channel []ChannelConfig `toml:"channel"`
}

// loadDropIns scans <stem>.d next to the config file and appends every
// [[channel]] block found, in lexical file order. A missing directory is
// not an error.
func loadDropIns(confPath string) ([]ChannelConfig, error) {
	stem := strings.TrimSuffix(confPath, filepath.Ext(confPath))
	dir := stem + ".d"

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read drop-in dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".toml" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var channels []ChannelConfig
	for _, name := range names {
		p := filepath.Join(dir, name)
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("config: read drop-in %s: %w", p, err)
		}
		var f dropInFile
		if err := toml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("config: parse drop-in %s: %w", p, err)
		}
		channels = append(channels, f.Channel...)
	}
	return channels, nil
}

// sanitize normalizes values that are awkward to reject outright: channel
// ids lose their leading slash, the worker count gets its CPU-derived
// default and relative TLS paths are resolved against the config directory.
func (s *Settings) sanitize(confDir string) {
	for i := range s.Channels {
		s.Channels[i].ID = strings.TrimPrefix(s.Channels[i].ID, "/")
	}
	if s.Server.NumWorkers <= 0 {
		// NumCPU counts logical CPUs; the stdlib has no portable physical
		// core count, so on SMT machines this default lands at roughly the
		// physical core count anyway.
		s.Server.NumWorkers = runtime.NumCPU() / 2
		if s.Server.NumWorkers < 1 {
			s.Server.NumWorkers = 1
		}
	}
	s.Server.SSLKeyFile = resolvePath(confDir, s.Server.SSLKeyFile)
	s.Server.SSLCertFile = resolvePath(confDir, s.Server.SSLCertFile)
	if s.PostgresTLS != nil {
		s.PostgresTLS.CAFile = resolvePath(confDir, s.PostgresTLS.CAFile)
		s.PostgresTLS.CertFile = resolvePath(confDir, s.PostgresTLS.CertFile)
		s.PostgresTLS.KeyFile = resolvePath(confDir, s.PostgresTLS.KeyFile)
	}
}

func resolvePath(confDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(confDir, p)
}

func (s *Settings) validate() error {
	if s.Server.Listen == "" {
		return fmt.Errorf("config: server.listen is required")
	}
	host, port, err := net.SplitHostPort(s.Server.Listen)
	if err != nil {
		return fmt.Errorf("config: server.listen %q: %w", s.Server.Listen, err)
	}
	if host == "" {
		return fmt.Errorf("config: server.listen %q: host is required", s.Server.Listen)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return fmt.Errorf("config: server.listen %q: invalid port", s.Server.Listen)
	}

	if s.Server.SSLEnabled && (s.Server.SSLKeyFile == "" || s.Server.SSLCertFile == "") {
		return fmt.Errorf("config: ssl_enabled requires both ssl_key_file and ssl_cert_file")
	}

	if s.Server.MaxSSEPerIP < 0 || s.Server.MaxSSEGlobal < 0 {
		return fmt.Errorf("config: sse caps must not be negative")
	}

	if s.WorkerBufferSize < 1 {
		return fmt.Errorf("config: worker_buffer_size must be at least 1")
	}
	if s.EventsBufferSize < 1 {
		return fmt.Errorf("config: events_buffer_size must be at least 1")
	}
	if s.ReconnectDelay < 1 {
		return fmt.Errorf("config: reconnect_delay must be at least 1 second")
	}

	seen := make(map[string]struct{}, len(s.Channels))
	for _, c := range s.Channels {
		if c.ID == "" {
			return fmt.Errorf("config: channel id is required")
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("config: duplicate channel id %q", c.ID)
		}
		seen[c.ID] = struct{}{}

		if c.ConnectionString == "" {
			return fmt.Errorf("config: channel %q: connection_string is required", c.ID)
		}
		for _, event := range c.AllowedEvents {
			if !listener.ValidEventName(event) {
				return fmt.Errorf("config: channel %q: invalid event name %q", c.ID, event)
			}
		}
	}
	return nil
}
