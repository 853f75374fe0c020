package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values (production)
const (
	DefaultDomain         = "meet.codealchemist.dev"
	DefaultSTUN           = "stun:stun.l.google.com:19302"
	DefaultTURN           = "turn:meet.codealchemist.dev"
	DefaultTURNUser       = "peer-meet"
	DefaultTURNPass       = "peer-meet-secret"
	DefaultErrorPolicy    = "teardown"
	DefaultMaxReconnects  = 3
	DefaultReconnectDelay = 2 * time.Second
	DefaultFlushInterval  = time.Second
	DefaultRelayListen    = ":8080"
	DefaultRelayRate      = 50
	DefaultRelayBurst     = 200
)

var ErrInvalid = errors.New("invalid configuration")

// Config holds application configuration
type Config struct {
	// SignalingURL is the relay's WebSocket base; the session id is appended.
	SignalingURL string

	// ShareOrigin prefixes share links.
	ShareOrigin string

	// ICE servers for WebRTC
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool

	Trickle        bool
	Prewarm        bool
	ErrorPolicy    string
	MaxReconnects  int
	ReconnectDelay time.Duration
	FlushInterval  time.Duration

	// LivenessProbe is the ping interval on connected peers; zero disables.
	LivenessProbe time.Duration

	RelayListen string
	RelayRate   float64
	RelayBurst  int
}

// Options carry CLI flag overrides. Nil and empty values are unset.
type Options struct {
	Domain       string
	SignalingURL string
	ShareOrigin  string
	STUNServer   string
	TURNServer   string
	TURNUser     string
	TURNPass     string
	ForceRelay   *bool
	Trickle      *bool
	Prewarm      *bool
	ErrorPolicy  string

	MaxReconnects  *int
	ReconnectDelay time.Duration
	FlushInterval  time.Duration
	LivenessProbe  *time.Duration

	RelayListen string
	RelayRate   float64
	RelayBurst  int

	// ConfigFile overrides the YAML file location.
	ConfigFile string
}

// file is the YAML layout. Pointers tell absent keys from zero values.
type file struct {
	Domain         string   `yaml:"domain"`
	SignalingURL   string   `yaml:"signaling_url"`
	ShareOrigin    string   `yaml:"share_origin"`
	STUNServer     string   `yaml:"stun_server"`
	TURNServer     *string  `yaml:"turn_server"`
	TURNUser       string   `yaml:"turn_username"`
	TURNPass       string   `yaml:"turn_password"`
	ForceRelay     *bool    `yaml:"force_relay"`
	Trickle        *bool    `yaml:"trickle"`
	Prewarm        *bool    `yaml:"prewarm"`
	ErrorPolicy    string   `yaml:"error_policy"`
	MaxReconnects  *int     `yaml:"max_reconnects"`
	ReconnectDelay string   `yaml:"reconnect_delay"`
	FlushInterval  string   `yaml:"flush_interval"`
	LivenessProbe  *string  `yaml:"liveness_probe"`
	RelayListen    string   `yaml:"relay_listen"`
	RelayRate      *float64 `yaml:"relay_rate"`
	RelayBurst     *int     `yaml:"relay_burst"`
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. YAML config file
// 4. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	cfg := defaults(DefaultDomain)

	f, err := readFile(FilePath(opts.ConfigFile))
	if err != nil {
		return nil, err
	}
	if err := cfg.applyFile(f); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyOptions(opts)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults(domain string) *Config {
	return &Config{
		SignalingURL:   fmt.Sprintf("wss://%s/ws", domain),
		ShareOrigin:    fmt.Sprintf("https://%s", domain),
		STUNServer:     DefaultSTUN,
		TURNServer:     DefaultTURN,
		TURNUser:       DefaultTURNUser,
		TURNPass:       DefaultTURNPass,
		Trickle:        true,
		Prewarm:        true,
		ErrorPolicy:    DefaultErrorPolicy,
		MaxReconnects:  DefaultMaxReconnects,
		ReconnectDelay: DefaultReconnectDelay,
		FlushInterval:  DefaultFlushInterval,
		RelayListen:    DefaultRelayListen,
		RelayRate:      DefaultRelayRate,
		RelayBurst:     DefaultRelayBurst,
	}
}

// FilePath resolves the YAML file location: explicit path, then
// PEER_MEET_CONFIG, then the user config directory.
func FilePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv("PEER_MEET_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "peer-meet", "config.yaml")
}

func readFile(path string) (*file, error) {
	if path == "" {
		return &file{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &file{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &f, nil
}

// setDomain re-derives the URLs that default from the domain.
func (c *Config) setDomain(domain string) {
	d := defaults(domain)
	c.SignalingURL = d.SignalingURL
	c.ShareOrigin = d.ShareOrigin
}

func (c *Config) applyFile(f *file) error {
	if f.Domain != "" {
		c.setDomain(f.Domain)
	}
	setString(&c.SignalingURL, f.SignalingURL)
	setString(&c.ShareOrigin, f.ShareOrigin)
	setString(&c.STUNServer, f.STUNServer)
	if f.TURNServer != nil {
		c.TURNServer = *f.TURNServer
	}
	setString(&c.TURNUser, f.TURNUser)
	setString(&c.TURNPass, f.TURNPass)
	setPtr(&c.ForceRelay, f.ForceRelay)
	setPtr(&c.Trickle, f.Trickle)
	setPtr(&c.Prewarm, f.Prewarm)
	setString(&c.ErrorPolicy, f.ErrorPolicy)
	setPtr(&c.MaxReconnects, f.MaxReconnects)
	setPtr(&c.RelayRate, f.RelayRate)
	setPtr(&c.RelayBurst, f.RelayBurst)
	setString(&c.RelayListen, f.RelayListen)

	if err := setDuration(&c.ReconnectDelay, "reconnect_delay", f.ReconnectDelay); err != nil {
		return err
	}
	if err := setDuration(&c.FlushInterval, "flush_interval", f.FlushInterval); err != nil {
		return err
	}
	if f.LivenessProbe != nil {
		if err := setDuration(&c.LivenessProbe, "liveness_probe", *f.LivenessProbe); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) applyEnv() error {
	if d := os.Getenv("DOMAIN"); d != "" {
		c.setDomain(d)
	}
	setString(&c.SignalingURL, os.Getenv("SIGNALING_URL"))
	setString(&c.ShareOrigin, os.Getenv("SHARE_ORIGIN"))
	setString(&c.STUNServer, os.Getenv("STUN_SERVER"))
	setString(&c.TURNServer, os.Getenv("TURN_SERVER"))
	setString(&c.TURNUser, os.Getenv("TURN_USERNAME"))
	setString(&c.TURNPass, os.Getenv("TURN_PASSWORD"))
	setString(&c.ErrorPolicy, os.Getenv("ERROR_POLICY"))
	setString(&c.RelayListen, os.Getenv("RELAY_LISTEN"))

	for _, b := range []struct {
		key string
		dst *bool
	}{
		{"FORCE_RELAY", &c.ForceRelay},
		{"TRICKLE", &c.Trickle},
		{"PREWARM", &c.Prewarm},
	} {
		if v := os.Getenv(b.key); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%w: %s=%q", ErrInvalid, b.key, v)
			}
			*b.dst = parsed
		}
	}

	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"RECONNECT_DELAY", &c.ReconnectDelay},
		{"FLUSH_INTERVAL", &c.FlushInterval},
		{"LIVENESS_PROBE", &c.LivenessProbe},
	} {
		if err := setDuration(d.dst, d.key, os.Getenv(d.key)); err != nil {
			return err
		}
	}

	if v := os.Getenv("MAX_RECONNECTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: MAX_RECONNECTS=%q", ErrInvalid, v)
		}
		c.MaxReconnects = n
	}
	if v := os.Getenv("RELAY_RATE"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: RELAY_RATE=%q", ErrInvalid, v)
		}
		c.RelayRate = r
	}
	if v := os.Getenv("RELAY_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: RELAY_BURST=%q", ErrInvalid, v)
		}
		c.RelayBurst = n
	}
	return nil
}

func (c *Config) applyOptions(o Options) {
	if o.Domain != "" {
		c.setDomain(o.Domain)
	}
	setString(&c.SignalingURL, o.SignalingURL)
	setString(&c.ShareOrigin, o.ShareOrigin)
	setString(&c.STUNServer, o.STUNServer)
	setString(&c.TURNServer, o.TURNServer)
	setString(&c.TURNUser, o.TURNUser)
	setString(&c.TURNPass, o.TURNPass)
	setPtr(&c.ForceRelay, o.ForceRelay)
	setPtr(&c.Trickle, o.Trickle)
	setPtr(&c.Prewarm, o.Prewarm)
	setString(&c.ErrorPolicy, o.ErrorPolicy)
	setPtr(&c.MaxReconnects, o.MaxReconnects)
	setPtr(&c.LivenessProbe, o.LivenessProbe)
	setString(&c.RelayListen, o.RelayListen)
	if o.ReconnectDelay > 0 {
		c.ReconnectDelay = o.ReconnectDelay
	}
	if o.FlushInterval > 0 {
		c.FlushInterval = o.FlushInterval
	}
	if o.RelayRate > 0 {
		c.RelayRate = o.RelayRate
	}
	if o.RelayBurst > 0 {
		c.RelayBurst = o.RelayBurst
	}
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	u, err := url.Parse(c.SignalingURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("%w: signaling URL %q must be ws:// or wss://", ErrInvalid, c.SignalingURL)
	}
	if c.ErrorPolicy != "teardown" && c.ErrorPolicy != "reconnect" {
		return fmt.Errorf("%w: error policy %q must be teardown or reconnect", ErrInvalid, c.ErrorPolicy)
	}
	if c.MaxReconnects < 0 {
		return fmt.Errorf("%w: max reconnects must not be negative", ErrInvalid)
	}
	if c.ReconnectDelay <= 0 || c.FlushInterval <= 0 || c.LivenessProbe < 0 {
		return fmt.Errorf("%w: intervals must be positive", ErrInvalid)
	}
	if c.ForceRelay && c.TURNServer == "" {
		return fmt.Errorf("%w: cannot force relay mode without TURN server configured", ErrInvalid)
	}
	if c.RelayRate <= 0 || c.RelayBurst <= 0 {
		return fmt.Errorf("%w: relay rate and burst must be positive", ErrInvalid)
	}
	return nil
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	return []string{
		fmt.Sprintf("%s:3478?transport=udp", c.TURNServer),
		fmt.Sprintf("%s:3478?transport=tcp", c.TURNServer),
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setPtr[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, key, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%w: %s=%q", ErrInvalid, key, v)
	}
	*dst = d
	return nil
}
