package offlinegw

import (
	"os"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port      int    `yaml:"port"`
		AdminPort int    `yaml:"adminPort"`
		Origin    string `yaml:"origin"`
	} `yaml:"server"`

	Cache struct {
		Prefix           string   `yaml:"prefix"`
		Version          string   `yaml:"version"`
		Manifest         []string `yaml:"manifest"`
		StaticPrefixes   []string `yaml:"staticPrefixes"`
		StaticExtensions []string `yaml:"staticExtensions"`
		Sitemaps         []string `yaml:"sitemaps"`
	} `yaml:"cache"`

	API struct {
		Hosts    []string `yaml:"hosts"`
		Prefixes []string `yaml:"prefixes"`
	} `yaml:"api"`

	Storage struct {
		Backend string `yaml:"backend"` // memory | leveldb | redis
		Path    string `yaml:"path"`
		RAM     struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Max string `yaml:"max"`
		} `yaml:"disk"`
		Redis struct {
			Addr      string `yaml:"addr"`
			Password  string `yaml:"password"`
			DB        int    `yaml:"db"`
			Namespace string `yaml:"namespace"`
		} `yaml:"redis"`
	} `yaml:"storage"`

	Lifecycle struct {
		InstallConcurrency int    `yaml:"installConcurrency"`
		InstallRetry       string `yaml:"installRetry"`
		FetchTimeout       string `yaml:"fetchTimeout"`
	} `yaml:"lifecycle"`

	Notifications NotificationConfig `yaml:"notifications"`

	Sync struct {
		Tags []string `yaml:"tags"`
	} `yaml:"sync"`

	Logging struct {
		Level         string `yaml:"level"`
		Format        string `yaml:"format"` // json | console
		File          string `yaml:"file"`
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	// compiled
	ramBytes         int64
	diskBytes        int64
	installRetryDur  time.Duration
	fetchTimeoutDur  time.Duration
	logStatsEveryDur time.Duration
}

// NotificationConfig shapes the notification shown for a push event.
type NotificationConfig struct {
	Title       string `yaml:"title"`
	DefaultBody string `yaml:"defaultBody"`
	Icon        string `yaml:"icon"`
	Badge       string `yaml:"badge"`
}

// DefaultConfig returns the values compiled into the binary. A config file only
// overrides what it sets.
func DefaultConfig() Config {
	var cfg Config
	cfg.Server.Port = 8080
	cfg.Server.AdminPort = 9090
	cfg.Cache.Prefix = "sispac"
	cfg.Cache.Version = "v1"
	cfg.Cache.Manifest = []string{"/", "/manifest.json", "/favicon.ico"}
	cfg.Cache.StaticPrefixes = []string{"/static/"}
	cfg.Cache.StaticExtensions = []string{".js", ".css", ".png", ".jpg", ".svg", ".ico"}
	cfg.API.Hosts = []string{"*.supabase.co"}
	cfg.API.Prefixes = []string{"/api/"}
	cfg.Storage.Backend = "leveldb"
	cfg.Storage.Path = "./data/leveldb"
	cfg.Storage.RAM.Max = "64mb"
	cfg.Storage.Disk.Max = "1gb"
	cfg.Lifecycle.InstallConcurrency = 4
	cfg.Lifecycle.InstallRetry = "30s"
	cfg.Lifecycle.FetchTimeout = "30s"
	cfg.Notifications.Title = "SisPAC"
	cfg.Notifications.DefaultBody = "You have a new notification"
	cfg.Notifications.Icon = "/logo192.png"
	cfg.Notifications.Badge = "/favicon.ico"
	cfg.Sync.Tags = []string{"sync-data"}
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	return cfg
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, errors.CodeInvalidConfig, "read config %s", path)
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML on top of DefaultConfig and validates the result.
func ParseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.Wrap(err, errors.CodeInvalidConfig, "parse config")
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return invalidConfig("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if !strings.HasPrefix(cfg.Server.Origin, "http://") && !strings.HasPrefix(cfg.Server.Origin, "https://") {
		return invalidConfig("server.origin must be an http(s) URL, got %q", cfg.Server.Origin)
	}

	if strings.TrimSpace(cfg.Cache.Version) == "" {
		return invalidConfig("cache.version is required")
	}
	for i, p := range cfg.Cache.Manifest {
		if !strings.HasPrefix(p, "/") {
			return invalidConfig("cache.manifest[%d]: path %q must start with /", i, p)
		}
	}
	for i, p := range cfg.Cache.StaticPrefixes {
		if !strings.HasPrefix(p, "/") {
			return invalidConfig("cache.staticPrefixes[%d]: %q must start with /", i, p)
		}
	}
	for i, e := range cfg.Cache.StaticExtensions {
		if !strings.HasPrefix(e, ".") {
			return invalidConfig("cache.staticExtensions[%d]: %q must start with .", i, e)
		}
		cfg.Cache.StaticExtensions[i] = strings.ToLower(e)
	}
	for i, p := range cfg.API.Prefixes {
		if !strings.HasPrefix(p, "/") {
			return invalidConfig("api.prefixes[%d]: %q must start with /", i, p)
		}
	}

	switch cfg.Storage.Backend {
	case "memory", "leveldb":
	case "redis":
		if cfg.Storage.Redis.Addr == "" {
			return invalidConfig("storage.redis.addr is required for the redis backend")
		}
	default:
		return invalidConfig("storage.backend: unknown backend %q", cfg.Storage.Backend)
	}

	var err error
	if cfg.ramBytes, err = parseByteSize(cfg.Storage.RAM.Max); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "storage.ram.max")
	}
	if cfg.diskBytes, err = parseByteSize(cfg.Storage.Disk.Max); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "storage.disk.max")
	}

	if cfg.Lifecycle.InstallConcurrency <= 0 {
		cfg.Lifecycle.InstallConcurrency = 1
	}
	if cfg.installRetryDur, err = parseOptionalDuration(cfg.Lifecycle.InstallRetry); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "lifecycle.installRetry")
	}
	if cfg.fetchTimeoutDur, err = parseOptionalDuration(cfg.Lifecycle.FetchTimeout); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "lifecycle.fetchTimeout")
	}
	if cfg.logStatsEveryDur, err = parseOptionalDuration(cfg.Logging.LogStatsEvery); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "logging.logStatsEvery")
	}
	return nil
}

// StaticGeneration is the name of the current static generation.
func (cfg Config) StaticGeneration() string {
	return generationName(cfg.Cache.Prefix, "static", cfg.Cache.Version)
}

// DynamicGeneration is the name of the current dynamic generation.
func (cfg Config) DynamicGeneration() string {
	return generationName(cfg.Cache.Prefix, "dynamic", cfg.Cache.Version)
}

func generationName(prefix, purpose, version string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{prefix, purpose, version} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "-")
}

func parseOptionalDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func invalidConfig(format string, args ...any) error {
	return errors.Newf(errors.CodeInvalidConfig, format, args...)
}
