package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds every node tunable. Values come from defaults, then the TOML
// file, then VEIL_* environment variables, then CLI flags.
type Config struct {
	Listen     string `toml:"listen"`
	QUICListen string `toml:"quic_listen"`
	PublicURL  string `toml:"public_url"`
	DataDir    string `toml:"data_dir"`
	Identity   string `toml:"identity"`

	PacketSize    int           `toml:"packet_size"`
	MaxJitter     time.Duration `toml:"max_jitter"`
	CircuitTTL    time.Duration `toml:"circuit_ttl"`
	CircuitCap    int           `toml:"circuit_cap"`
	RendezvousTTL time.Duration `toml:"rendezvous_ttl"`
	RendezvousCap int           `toml:"rendezvous_cap"`
	RotateEvery   time.Duration `toml:"rotate_every"`

	Tracker      bool          `toml:"tracker"`
	TrackerURL   string        `toml:"tracker_url"`
	RoomTTL      time.Duration `toml:"room_ttl"`
	MaxRooms     int           `toml:"max_rooms"`
	RedisURL     string        `toml:"redis_url"`
	RedisPrefix  string        `toml:"redis_prefix"`
	Seeds        []string      `toml:"seeds"`
	PeerFile     string        `toml:"peer_file"`
	AllowPrivate bool          `toml:"allow_private"`

	ChaffPeers    []string      `toml:"chaff_peers"`
	ChaffInterval time.Duration `toml:"chaff_interval"`

	RateMax    int           `toml:"rate_max"`
	RateWindow time.Duration `toml:"rate_window"`

	TunnelListen string `toml:"tunnel_listen"`

	// MetricsSnapshot, when set, receives a JSON counter dump on shutdown.
	MetricsSnapshot string `toml:"metrics_snapshot"`
}

func Default() Config {
	return Config{
		Listen:        ":8080",
		DataDir:       "veilmesh-data",
		PacketSize:    512,
		MaxJitter:     20 * time.Millisecond,
		CircuitTTL:    5 * time.Minute,
		CircuitCap:    10000,
		RendezvousTTL: 30 * time.Second,
		RendezvousCap: 10000,
		RotateEvery:   time.Hour,
		Tracker:       true,
		RoomTTL:       120 * time.Second,
		MaxRooms:      50000,
		RedisPrefix:   "veil",
		ChaffInterval: 100 * time.Millisecond,
		RateMax:       60,
		RateWindow:    time.Minute,
	}
}

// Load reads path (optional) over the defaults and applies the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.fill()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	envString("VEIL_LISTEN", &c.Listen)
	envString("VEIL_QUIC_LISTEN", &c.QUICListen)
	envString("VEIL_PUBLIC_URL", &c.PublicURL)
	envString("VEIL_DATA_DIR", &c.DataDir)
	envString("VEIL_IDENTITY", &c.Identity)
	if v, ok := envInt("VEIL_PACKET_SIZE"); ok {
		c.PacketSize = v
	}
	envDuration("VEIL_MAX_JITTER", &c.MaxJitter)
	envDuration("VEIL_CIRCUIT_TTL", &c.CircuitTTL)
	if v, ok := envInt("VEIL_CIRCUIT_CAP"); ok {
		c.CircuitCap = v
	}
	envDuration("VEIL_RENDEZVOUS_TTL", &c.RendezvousTTL)
	if v, ok := envInt("VEIL_RENDEZVOUS_CAP"); ok {
		c.RendezvousCap = v
	}
	envDuration("VEIL_ROTATE_EVERY", &c.RotateEvery)
	envBool("VEIL_TRACKER", &c.Tracker)
	envString("VEIL_TRACKER_URL", &c.TrackerURL)
	envDuration("VEIL_ROOM_TTL", &c.RoomTTL)
	if v, ok := envInt("VEIL_MAX_ROOMS"); ok {
		c.MaxRooms = v
	}
	envString("VEIL_REDIS_URL", &c.RedisURL)
	envString("VEIL_REDIS_PREFIX", &c.RedisPrefix)
	envList("VEIL_SEEDS", &c.Seeds)
	envString("VEIL_PEER_FILE", &c.PeerFile)
	envBool("VEIL_ALLOW_PRIVATE", &c.AllowPrivate)
	envList("VEIL_CHAFF_PEERS", &c.ChaffPeers)
	envDuration("VEIL_CHAFF_INTERVAL", &c.ChaffInterval)
	if v, ok := envInt("VEIL_RATE_MAX"); ok {
		c.RateMax = v
	}
	envDuration("VEIL_RATE_WINDOW", &c.RateWindow)
	envString("VEIL_TUNNEL_LISTEN", &c.TunnelListen)
	envString("VEIL_METRICS_SNAPSHOT", &c.MetricsSnapshot)
}

// fill derives paths left empty from DataDir.
func (c *Config) fill() {
	if c.Identity == "" {
		c.Identity = c.DataDir + "/identity.json"
	}
	if c.PeerFile == "" {
		c.PeerFile = c.DataDir + "/peers.json"
	}
}

func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address required")
	}
	if c.PacketSize < 64 || c.PacketSize > 65535 {
		return fmt.Errorf("packet_size out of range: %d", c.PacketSize)
	}
	if c.MaxJitter < 0 {
		return fmt.Errorf("max_jitter must not be negative")
	}
	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("public_url must be ws:// or wss://: %q", c.PublicURL)
		}
	}
	if c.Tracker && c.TrackerURL != "" {
		return fmt.Errorf("tracker and tracker_url are exclusive")
	}
	if c.RateMax <= 0 || c.RateWindow <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	return nil
}

func envString(key string, dst *string) {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		*dst = raw
	}
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string, dst *time.Duration) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*dst = d
	}
}

func envBool(key string, dst *bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		*dst = b
	}
}

func envList(key string, dst *[]string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}
