// Package config loads dashchat settings from a YAML file, a .env file and
// DASHCHAT_* environment variables, in increasing order of precedence.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/dashchat/pkg/events"
)

const EnvPrefix = "DASHCHAT_"

type Settings struct {
	BaseURL  string `yaml:"base_url"`
	StateDir string `yaml:"state_dir"`
	// PrefsFile defaults to <state_dir>/prefs.yaml.
	PrefsFile string `yaml:"prefs_file"`
	// Token overrides the token stored in the prefs file when set.
	Token    string `yaml:"token"`
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	RehydrateDelay time.Duration `yaml:"rehydrate_delay"`
	HTTPTimeout    time.Duration `yaml:"http_timeout"`

	// CacheDB is the SQLite timeline cache path; "memory" keeps it in process,
	// empty disables the cache.
	CacheDB string `yaml:"cache_db"`
	// BlobDir stores fetched attachments on disk; empty keeps them in memory.
	BlobDir string `yaml:"blob_dir"`

	MirrorAddr string          `yaml:"mirror_addr"`
	Events     events.Settings `yaml:"events"`
}

func Defaults() Settings {
	stateDir := ".dashchat"
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		stateDir = filepath.Join(home, ".dashchat")
	}
	return Settings{
		BaseURL:        "http://localhost:6185",
		StateDir:       stateDir,
		RehydrateDelay: 3 * time.Second,
		HTTPTimeout:    30 * time.Second,
		CacheDB:        filepath.Join(stateDir, "cache.db"),
		MirrorAddr:     "127.0.0.1:8090",
		Events:         events.DefaultSettings(),
	}
}

// Load builds Settings from defaults, then path (skipped when empty or
// missing), then .env, then the environment.
func Load(path string) (*Settings, error) {
	s := Defaults()
	defaultCache := s.CacheDB
	defaultStateDir := s.StateDir

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &s); err != nil {
				return nil, errors.Wrapf(err, "parse config %s", path)
			}
		case os.IsNotExist(err):
		default:
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}
	if err := applyEnv(&s); err != nil {
		return nil, err
	}

	// A relocated state dir moves the default cache with it.
	if s.StateDir != defaultStateDir && s.CacheDB == defaultCache {
		s.CacheDB = filepath.Join(s.StateDir, "cache.db")
	}
	if s.PrefsFile == "" {
		s.PrefsFile = filepath.Join(s.StateDir, "prefs.yaml")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) Validate() error {
	if strings.TrimSpace(s.BaseURL) == "" {
		return errors.New("base_url is required")
	}
	if s.RehydrateDelay <= 0 {
		return errors.New("rehydrate_delay must be positive")
	}
	if s.HTTPTimeout < 0 {
		return errors.New("http_timeout must not be negative")
	}
	if s.Events.Enabled && strings.TrimSpace(s.Events.Addr) == "" {
		return errors.New("events.addr is required when events are enabled")
	}
	return nil
}

func applyEnv(s *Settings) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := os.LookupEnv(EnvPrefix + key)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "parse %s%s", EnvPrefix, key)
		}
		*dst = d
		return nil
	}

	str("BASE_URL", &s.BaseURL)
	str("STATE_DIR", &s.StateDir)
	str("PREFS_FILE", &s.PrefsFile)
	str("TOKEN", &s.Token)
	str("PROVIDER", &s.Provider)
	str("MODEL", &s.Model)
	str("CACHE_DB", &s.CacheDB)
	str("BLOB_DIR", &s.BlobDir)
	str("MIRROR_ADDR", &s.MirrorAddr)
	str("REDIS_ADDR", &s.Events.Addr)
	str("REDIS_GROUP", &s.Events.Group)
	str("REDIS_CONSUMER", &s.Events.Consumer)

	if err := dur("REHYDRATE_DELAY", &s.RehydrateDelay); err != nil {
		return err
	}
	if err := dur("HTTP_TIMEOUT", &s.HTTPTimeout); err != nil {
		return err
	}
	if v, ok := os.LookupEnv(EnvPrefix + "REDIS_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "parse %sREDIS_ENABLED", EnvPrefix)
		}
		s.Events.Enabled = b
	}
	return nil
}
