// Package config loads the broker configuration: a YAML file with DBIO_*
// environment overrides on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"midas/internal/project/minter"
	"midas/internal/project/models"
	pstrings "midas/pkg/platform/strings"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendFSBased  = "fsbased"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Backends lists every supported backend.
var Backends = []string{BackendMemory, BackendFSBased, BackendPostgres, BackendRedis}

type Config struct {
	Backend     string                      `yaml:"backend"`
	FSBased     FSBasedConfig               `yaml:"fsbased"`
	Postgres    PostgresConfig              `yaml:"postgres"`
	Redis       RedisConfig                 `yaml:"redis"`
	Log         LogConfig                   `yaml:"log"`
	Ops         OpsConfig                   `yaml:"ops"`
	Notifier    NotifierConfig              `yaml:"notifier"`
	Collections map[string]CollectionConfig `yaml:"collections"`
}

type FSBasedConfig struct {
	RootDir string `yaml:"root_dir"`
}

type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig configures the shared go-redis client.
type RedisConfig struct {
	URL          string        `yaml:"url"`
	KeyPrefix    string        `yaml:"key_prefix"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// OpsConfig is the health and metrics listener.
type OpsConfig struct {
	Addr string `yaml:"addr"`
}

// NotifierConfig selects where change events go. "redis" falls back to the
// log while redis is failing; "redis+log" always logs as well.
type NotifierConfig struct {
	Kind          string `yaml:"kind"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// ClientConfig is the shoulder policy for one class of client.
type ClientConfig struct {
	DefaultShoulder  string   `yaml:"default_shoulder"`
	AllowedShoulders []string `yaml:"allowed_shoulders"`
}

type PermsConfig struct {
	Read   []string `yaml:"read"`
	Write  []string `yaml:"write"`
	Admin  []string `yaml:"admin"`
	Delete []string `yaml:"delete"`
}

type ValidatorConfig struct {
	Required []string `yaml:"required"`
}

// CollectionConfig is the broker policy for one record collection.
type CollectionConfig struct {
	DefaultShoulder  string                  `yaml:"default_shoulder"`
	Clients          map[string]ClientConfig `yaml:"clients"`
	LocalIDProviders []string                `yaml:"localid_providers"`
	Superusers       []string                `yaml:"superusers"`
	DefaultPerms     PermsConfig             `yaml:"default_perms"`
	// AutoAcceptWithoutReview defaults to true when unset.
	AutoAcceptWithoutReview *bool           `yaml:"auto_accept_without_review"`
	ReviewSystems           []string        `yaml:"review_systems"`
	Validator               ValidatorConfig `yaml:"validator"`
	ArkNAAN                 string          `yaml:"ark_naan"`
}

// DefaultCollection is configured when the file names no collections.
const DefaultCollection = "dmp"

// Default returns a configuration that runs the memory backend. It has no
// collections; Load adds DefaultCollection when the file names none.
func Default() Config {
	return Config{
		Backend:  BackendMemory,
		Log:      LogConfig{Level: "info", Format: "json"},
		Ops:      OpsConfig{Addr: ":9090"},
		Notifier: NotifierConfig{Kind: "log"},
		Redis:    RedisConfig{PoolSize: 10, DialTimeout: 5 * time.Second, ReadTimeout: 3 * time.Second, WriteTimeout: 3 * time.Second},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	if len(cfg.Collections) == 0 {
		cfg.Collections = map[string]CollectionConfig{
			DefaultCollection: {DefaultShoulder: "mdm0"},
		}
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

// Parse decodes YAML onto cfg; keys absent from raw keep their value.
func Parse(raw []byte, cfg *Config) error {
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ApplyEnv overrides settings from DBIO_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set("DBIO_BACKEND", &c.Backend)
	set("DBIO_FS_ROOT", &c.FSBased.RootDir)
	set("DBIO_POSTGRES_DSN", &c.Postgres.DSN)
	set("DBIO_REDIS_URL", &c.Redis.URL)
	set("DBIO_REDIS_KEY_PREFIX", &c.Redis.KeyPrefix)
	set("DBIO_LOG_LEVEL", &c.Log.Level)
	set("DBIO_LOG_FORMAT", &c.Log.Format)
	set("DBIO_OPS_ADDR", &c.Ops.Addr)
	set("DBIO_NOTIFIER", &c.Notifier.Kind)
	if v := getenv("DBIO_REDIS_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.PoolSize = n
		}
	}
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	switch c.Backend {
	case BackendMemory:
	case BackendFSBased:
		if c.FSBased.RootDir == "" {
			add("fsbased.root_dir is required for the fsbased backend")
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			add("postgres.dsn is required for the postgres backend")
		}
	case BackendRedis:
		if c.Redis.URL == "" {
			add("redis.url is required for the redis backend")
		}
	default:
		add("unknown backend %q (want one of %v)", c.Backend, Backends)
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		add("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		add("log.format %q is not one of json, text", c.Log.Format)
	}
	switch c.Notifier.Kind {
	case "", "none", "log":
	case "redis", "redis+log":
		if c.Redis.URL == "" {
			add("redis.url is required for the %s notifier", c.Notifier.Kind)
		}
	default:
		add("notifier.kind %q is not one of none, log, redis, redis+log", c.Notifier.Kind)
	}

	if len(c.Collections) == 0 {
		add("at least one collection must be configured")
	}
	for _, name := range c.CollectionNames() {
		coll := c.Collections[name]
		if err := coll.Policy().Validate(); err != nil {
			add("collections.%s: %v", name, err)
		}
		if _, err := coll.Perms(); err != nil {
			add("collections.%s.default_perms: %v", name, err)
		}
		if len(pstrings.DedupeAndTrim(coll.ReviewSystems)) != len(coll.ReviewSystems) {
			add("collections.%s.review_systems has blank or repeated names", name)
		}
	}
	return result.ErrorOrNil()
}

// CollectionNames returns the configured collections, sorted.
func (c Config) CollectionNames() []string {
	names := make([]string, 0, len(c.Collections))
	for name := range c.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ErrUnknownCollection is returned by Collection for unconfigured names.
var ErrUnknownCollection = errors.New("unknown collection")

func (c Config) Collection(name string) (CollectionConfig, error) {
	coll, ok := c.Collections[name]
	if !ok {
		return CollectionConfig{}, fmt.Errorf("%w %q", ErrUnknownCollection, name)
	}
	return coll, nil
}

// Policy converts the shoulder settings for the minter.
func (cc CollectionConfig) Policy() minter.Policy {
	p := minter.Policy{
		DefaultShoulder:  cc.DefaultShoulder,
		LocalIDProviders: cc.LocalIDProviders,
	}
	if len(cc.Clients) > 0 {
		p.Groups = make(map[string]minter.Group, len(cc.Clients))
		for name, client := range cc.Clients {
			p.Groups[name] = minter.Group{
				DefaultShoulder:  client.DefaultShoulder,
				AllowedShoulders: client.AllowedShoulders,
			}
		}
	}
	return p
}

// Perms converts default_perms, rejecting blank ids.
func (cc CollectionConfig) Perms() (models.ACLs, error) {
	lists := map[string][]string{
		"read":   cc.DefaultPerms.Read,
		"write":  cc.DefaultPerms.Write,
		"admin":  cc.DefaultPerms.Admin,
		"delete": cc.DefaultPerms.Delete,
	}
	for perm, ids := range lists {
		for _, id := range ids {
			if id == "" {
				return models.ACLs{}, fmt.Errorf("%s lists an empty id", perm)
			}
		}
	}
	acls := models.ACLs{
		Read:   cc.DefaultPerms.Read,
		Write:  cc.DefaultPerms.Write,
		Admin:  cc.DefaultPerms.Admin,
		Delete: cc.DefaultPerms.Delete,
	}
	acls.Normalize()
	return acls, nil
}

// AutoAccept resolves auto_accept_without_review, true by default.
func (cc CollectionConfig) AutoAccept() bool {
	return cc.AutoAcceptWithoutReview == nil || *cc.AutoAcceptWithoutReview
}
