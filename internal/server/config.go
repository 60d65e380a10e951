package server

import (
	"os"
	"path/filepath"
	"time"
)

// Version is reported by !get_version and over mDNS.
var Version = "0.3.0"

type Config struct {
	Addr string
	// DatabaseURL is a SQLite path or a postgres:// URL. Empty disables
	// persistence.
	DatabaseURL string
	// RedisAddr enables the cross-process relay when set.
	RedisAddr    string
	RedisChannel string
	// AuthSecret enables bearer-token auth on /ws when set.
	AuthSecret string

	IdleInterval time.Duration
	AnswerTTL    time.Duration

	Advertise bool
	Instance  string
}

func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:32125",
		DatabaseURL:  DefaultDatabasePath(),
		IdleInterval: 500 * time.Millisecond,
		AnswerTTL:    3 * time.Second,
	}
}

// DefaultDatabasePath is the SQLite file under the user's cache directory.
func DefaultDatabasePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "outlineserver", "state.db")
}

// ApplyEnv overrides settings from OUTLINE_ADDR, DATABASE_URL, REDIS_ADDR
// and OUTLINE_AUTH_SECRET.
func (c *Config) ApplyEnv() {
	if addr := os.Getenv("OUTLINE_ADDR"); addr != "" {
		c.Addr = addr
	}
	if dbUrl := os.Getenv("DATABASE_URL"); dbUrl != "" {
		c.DatabaseURL = dbUrl
	}
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		c.RedisAddr = redisAddr
	}
	if secret := os.Getenv("OUTLINE_AUTH_SECRET"); secret != "" {
		c.AuthSecret = secret
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.IdleInterval <= 0 {
		c.IdleInterval = defaults.IdleInterval
	}
	if c.AnswerTTL <= 0 {
		c.AnswerTTL = defaults.AnswerTTL
	}
	return c
}
