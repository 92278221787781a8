// Package config reads relay settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/manpreetbhatti/lattice/relay/internal/auth"
)

// Snapshot backends.
const (
	BackendSQLite   = "sqlite"
	BackendBadger   = "badger"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	Port string

	SnapshotBackend  string
	DBPath           string
	BadgerDir        string
	RedisAddr        string
	MongoURI         string
	MongoDatabase    string
	PostgresURL      string
	SnapshotInterval time.Duration
	SnapshotTimeout  time.Duration

	AwarenessInterval time.Duration
	HandshakeTimeout  time.Duration
	SendQueueSize     int
	MaxMessageBytes   int64

	AuthURL     string
	DefaultRole auth.Role

	LogLevel string
	LogDev   bool

	ShutdownTimeout time.Duration
}

func Default() Config {
	return Config{
		Port:              "8080",
		SnapshotBackend:   BackendSQLite,
		DBPath:            "./data/relay.db",
		BadgerDir:         "./data/badger",
		RedisAddr:         "localhost:6379",
		MongoURI:          "mongodb://localhost:27017",
		MongoDatabase:     "lattice",
		PostgresURL:       "postgres://localhost:5432/lattice",
		SnapshotInterval:  15 * time.Second,
		SnapshotTimeout:   5 * time.Second,
		AwarenessInterval: 5 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		SendQueueSize:     256,
		MaxMessageBytes:   1024 * 1024,
		DefaultRole:       auth.RoleEditor,
		LogLevel:          "info",
		ShutdownTimeout:   10 * time.Second,
	}
}

// Load reads envFile when it exists, then the environment. Variables already
// set in the environment win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return Config{}, fmt.Errorf("load %s: %w", envFile, err)
			}
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv over the defaults.
func FromEnv(getenv func(string) string) (Config, error) {
	c := Default()
	p := parser{getenv: getenv}

	p.str("PORT", &c.Port)
	p.str("RELAY_SNAPSHOT_BACKEND", &c.SnapshotBackend)
	p.str("RELAY_DB_PATH", &c.DBPath)
	p.str("RELAY_BADGER_DIR", &c.BadgerDir)
	p.str("RELAY_REDIS_ADDR", &c.RedisAddr)
	p.str("RELAY_MONGO_URI", &c.MongoURI)
	p.str("RELAY_MONGO_DATABASE", &c.MongoDatabase)
	p.str("RELAY_POSTGRES_URL", &c.PostgresURL)
	p.duration("RELAY_SNAPSHOT_INTERVAL", &c.SnapshotInterval)
	p.duration("RELAY_SNAPSHOT_TIMEOUT", &c.SnapshotTimeout)
	p.duration("RELAY_AWARENESS_INTERVAL", &c.AwarenessInterval)
	p.duration("RELAY_HANDSHAKE_TIMEOUT", &c.HandshakeTimeout)
	p.integer("RELAY_SEND_QUEUE", &c.SendQueueSize)
	p.integer64("RELAY_MAX_MESSAGE_BYTES", &c.MaxMessageBytes)
	p.str("RELAY_AUTH_URL", &c.AuthURL)
	p.role("RELAY_DEFAULT_ROLE", &c.DefaultRole)
	p.str("RELAY_LOG_LEVEL", &c.LogLevel)
	p.boolean("RELAY_LOG_DEV", &c.LogDev)
	p.duration("RELAY_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)

	if p.err != nil {
		return Config{}, p.err
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	switch c.SnapshotBackend {
	case BackendSQLite, BackendBadger, BackendRedis, BackendMongo, BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("RELAY_SNAPSHOT_BACKEND: unknown backend %q", c.SnapshotBackend)
	}
	if c.SendQueueSize < 1 {
		return fmt.Errorf("RELAY_SEND_QUEUE: must be positive, got %d", c.SendQueueSize)
	}
	if c.MaxMessageBytes < 1 {
		return fmt.Errorf("RELAY_MAX_MESSAGE_BYTES: must be positive, got %d", c.MaxMessageBytes)
	}
	for name, d := range map[string]time.Duration{
		"RELAY_SNAPSHOT_INTERVAL":  c.SnapshotInterval,
		"RELAY_SNAPSHOT_TIMEOUT":   c.SnapshotTimeout,
		"RELAY_AWARENESS_INTERVAL": c.AwarenessInterval,
		"RELAY_HANDSHAKE_TIMEOUT":  c.HandshakeTimeout,
		"RELAY_SHUTDOWN_TIMEOUT":   c.ShutdownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s: must be positive, got %s", name, d)
		}
	}
	return nil
}

// parser keeps the first error so every setter can be called unconditionally.
type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) lookup(key string) (string, bool) {
	if p.err != nil {
		return "", false
	}
	v := strings.TrimSpace(p.getenv(key))
	return v, v != ""
}

func (p *parser) fail(key, value string, err error) {
	p.err = fmt.Errorf("%s: invalid value %q: %w", key, value, err)
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.lookup(key); ok {
		*dst = v
	}
}

func (p *parser) duration(key string, dst *time.Duration) {
	if v, ok := p.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = d
	}
}

func (p *parser) integer(key string, dst *int) {
	if v, ok := p.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (p *parser) integer64(key string, dst *int64) {
	if v, ok := p.lookup(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (p *parser) boolean(key string, dst *bool) {
	if v, ok := p.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (p *parser) role(key string, dst *auth.Role) {
	if v, ok := p.lookup(key); ok {
		r, err := auth.ParseRole(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = r
	}
}
