package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultAddress          = "127.0.0.1"
	defaultPort             = 3000
	defaultDataDir          = "./.roomsync"
	defaultUploadDir        = "./.roomsync/uploads"
	defaultPatchesPerSecond = 50
	defaultPatchBurst       = 100
	defaultSendBuffer       = 64
	defaultMaxUploadBytes   = 8 * 1024 * 1024
	defaultSystemOwner      = "system"
	defaultAvatarTemplate   = "https://images.websim.com/avatar/{username}?width=128&height=128"
	defaultDialTimeout      = 10 * time.Second
	defaultServerURL        = "http://127.0.0.1:3000"
	defaultRoom             = "forum"
)

// Duration accepts "250ms"-style strings in YAML.
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	// PublicURL is the externally reachable base used to build upload URLs.
	PublicURL string `yaml:"public_url"`
}

type StorageConfig struct {
	DataDir        string `yaml:"data_dir"`
	UploadDir      string `yaml:"upload_dir"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	// Persist disables snapshot persistence when false.
	Persist *bool `yaml:"persist"`
}

type LimitsConfig struct {
	PatchesPerSecond float64 `yaml:"patches_per_second"`
	PatchBurst       int     `yaml:"patch_burst"`
	SendBuffer       int     `yaml:"send_buffer"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Sink  string `yaml:"sink"`
}

// BootstrapConfig replaces hardcoded privileged accounts: usernames listed in
// Admins receive the admin role when their profile is first created.
type BootstrapConfig struct {
	Admins         []string `yaml:"admins"`
	SystemOwner    string   `yaml:"system_owner"`
	AvatarTemplate string   `yaml:"avatar_template"`
}

type ClientConfig struct {
	ServerURL   string   `yaml:"server_url"`
	Room        string   `yaml:"room"`
	DialTimeout Duration `yaml:"dial_timeout"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Limits    LimitsConfig    `yaml:"limits"`
	Logging   LoggingConfig   `yaml:"logging"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	Client    ClientConfig    `yaml:"client"`
}

// Addr returns the listen address as host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}

func (c *Config) PersistEnabled() bool {
	return c.Storage.Persist == nil || *c.Storage.Persist
}

// IsBootstrapAdmin reports whether username is a configured admin.
func (c *Config) IsBootstrapAdmin(username string) bool {
	for _, a := range c.Bootstrap.Admins {
		if a == username {
			return true
		}
	}
	return false
}

// Load reads .env (if present), the YAML file at path (if non-empty), applies
// ROOMSYNC_* overrides and fills defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{}
	if path != "" {
		fc, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fc
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyEnv overrides file values with ROOMSYNC_* environment variables.
func ApplyEnv(cfg *Config) error {
	if v, ok := lookup("ROOMSYNC_ADDRESS"); ok {
		cfg.Server.Address = v
	}
	if v, ok := lookup("ROOMSYNC_PORT"); ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ROOMSYNC_PORT: %w", err)
		}
		cfg.Server.Port = p
	}
	if v, ok := lookup("ROOMSYNC_PUBLIC_URL"); ok {
		cfg.Server.PublicURL = v
	}
	if v, ok := lookup("ROOMSYNC_DATA_DIR"); ok {
		cfg.Storage.DataDir = v
	}
	if v, ok := lookup("ROOMSYNC_UPLOAD_DIR"); ok {
		cfg.Storage.UploadDir = v
	}
	if v, ok := lookup("ROOMSYNC_PERSIST"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ROOMSYNC_PERSIST: %w", err)
		}
		cfg.Storage.Persist = &b
	}
	if v, ok := lookup("ROOMSYNC_LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := lookup("ROOMSYNC_BOOTSTRAP_ADMINS"); ok {
		cfg.Bootstrap.Admins = splitList(v)
	}
	if v, ok := lookup("ROOMSYNC_SERVER_URL"); ok {
		cfg.Client.ServerURL = v
	}
	if v, ok := lookup("ROOMSYNC_ROOM"); ok {
		cfg.Client.Room = v
	}
	return nil
}

// Validate fills defaults and rejects invalid values.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		c.Server.Address = defaultAddress
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.PublicURL == "" {
		c.Server.PublicURL = fmt.Sprintf("http://%s", c.Addr())
	}
	c.Server.PublicURL = strings.TrimRight(c.Server.PublicURL, "/")

	if c.Storage.DataDir == "" {
		c.Storage.DataDir = defaultDataDir
	}
	if c.Storage.UploadDir == "" {
		c.Storage.UploadDir = defaultUploadDir
	}
	if c.Storage.MaxUploadBytes <= 0 {
		c.Storage.MaxUploadBytes = defaultMaxUploadBytes
	}

	if c.Limits.PatchesPerSecond <= 0 {
		c.Limits.PatchesPerSecond = defaultPatchesPerSecond
	}
	if c.Limits.PatchBurst <= 0 {
		c.Limits.PatchBurst = defaultPatchBurst
	}
	if c.Limits.SendBuffer <= 0 {
		c.Limits.SendBuffer = defaultSendBuffer
	}

	if c.Bootstrap.SystemOwner == "" {
		c.Bootstrap.SystemOwner = defaultSystemOwner
	}
	if c.Bootstrap.AvatarTemplate == "" {
		c.Bootstrap.AvatarTemplate = defaultAvatarTemplate
	}
	for _, a := range c.Bootstrap.Admins {
		if strings.TrimSpace(a) == "" {
			return fmt.Errorf("bootstrap.admins contains an empty username")
		}
	}

	if c.Client.ServerURL == "" {
		c.Client.ServerURL = defaultServerURL
	}
	if c.Client.Room == "" {
		c.Client.Room = defaultRoom
	}
	if c.Client.DialTimeout <= 0 {
		c.Client.DialTimeout = Duration(defaultDialTimeout)
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
