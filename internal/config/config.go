package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/conf"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/cache"

	"execution-core/internal/bootstrap/dotenv"
)

// CacheTTL holds the TTL buckets handed to internal/cache.NewTTLSet.
type CacheTTL struct {
	Short  int `json:",default=10"` // seconds
	Medium int `json:",default=60"`
	Long   int `json:",default=3600"`
}

// PostgresConf mirrors goctl style database settings while allowing pool tuning.
type PostgresConf struct {
	DataSource  string        `json:",optional"`
	MaxOpen     int           `json:",default=20"`
	MaxIdle     int           `json:",default=5"`
	MaxLifetime time.Duration `json:",default=30m"`
}

// NatsConf configures the message bus connection.
type NatsConf struct {
	URL            string        `json:",optional"`
	RequestTimeout time.Duration `json:",default=5s"`
}

// AuthConf holds the token signing secret. The engine itself does not verify
// tokens: principals reach the dispatcher already validated.
type AuthConf struct {
	Secret string `json:",optional"`
}

// HealthConf configures the liveness/readiness HTTP endpoint.
type HealthConf struct {
	Port int `json:",default=8081"`
}

type Config struct {
	Log logx.LogConf `json:",optional"`

	// Env indicates the running environment: test | dev | prod.
	Env      string          `json:",default=test"`
	Postgres PostgresConf    `json:",optional"`
	Nats     NatsConf        `json:",optional"`
	Cache    cache.CacheConf `json:",optional"`
	TTL      CacheTTL        `json:",optional"`
	Auth     AuthConf        `json:",optional"`
	Health   HealthConf      `json:",optional"`

	// Resilience governs the startup-connect retry policy shared by the
	// store, cache and bus clients.
	Resilience struct {
		MaxAttempts      int           `json:",default=5"`
		InitialDelay     time.Duration `json:",default=200ms"`
		MaxDelay         time.Duration `json:",default=10s"`
		CircuitFailures  int           `json:",default=5"`
		CircuitSuccesses int           `json:",default=2"`
		CircuitTimeout   time.Duration `json:",default=30s"`
		CircuitHalfOpenN int           `json:",default=2"`
	} `json:",optional"`

	mainPath string
	baseDir  string
}

const defaultConfigRelativePath = "etc/executioncore.yaml"

var configFileFlag = flag.String("f", defaultConfigRelativePath, "the config file")

func init() {
	dotenv.LoadOnce()
}

func ConfigFile() string {
	candidate := defaultConfigRelativePath
	if configFileFlag != nil {
		if trimmed := strings.TrimSpace(*configFileFlag); trimmed != "" {
			candidate = trimmed
		}
	}

	if resolved, ok := resolveConfigPath(candidate); ok {
		return resolved
	}
	return candidate
}

func OverrideConfigFile(path string) (restore func()) {
	prev := ConfigFile()
	if configFileFlag != nil {
		*configFileFlag = path
	}
	return func() {
		if configFileFlag != nil {
			*configFileFlag = prev
		}
	}
}

func (c *Config) IsTestEnv() bool {
	return c.Env == "test" || c.Env == ""
}

func resolveConfigPath(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	if filepath.IsAbs(path) {
		if fileExists(path) {
			return path, true
		}
		return "", false
	}

	startDirs := make([]string, 0, 3)
	if cwd, err := os.Getwd(); err == nil {
		startDirs = append(startDirs, cwd)
	}
	if exePath, err := os.Executable(); err == nil {
		startDirs = append(startDirs, filepath.Dir(exePath))
	}

	seen := make(map[string]struct{}, len(startDirs))
	for _, dir := range startDirs {
		dir = filepath.Clean(dir)
		if dir == "" {
			continue
		}
		if _, ok := seen[dir]; ok {
			continue
		}
		seen[dir] = struct{}{}
		if resolved, ok := searchUpwards(dir, path); ok {
			return resolved, true
		}
	}

	return "", false
}

func searchUpwards(start, rel string) (string, bool) {
	dir := filepath.Clean(start)
	for {
		candidate := filepath.Join(dir, rel)
		if fileExists(candidate) {
			return candidate, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

func MustLoad() *Config {
	path := ConfigFile()
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

func Load(path string) (*Config, error) {
	dotenv.LoadOnce()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %s: %w", path, err)
	}

	var cfg Config
	if err := conf.Load(absPath, &cfg, conf.UseEnv()); err != nil {
		return nil, fmt.Errorf("load config %s: %w", absPath, err)
	}

	cfg.mainPath = absPath
	cfg.baseDir = filepath.Dir(absPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Env)) {
	case "", "test", "dev", "prod":
		if strings.TrimSpace(c.Env) == "" {
			c.Env = "test"
		}
	default:
		return errors.New("config: env must be one of test|dev|prod")
	}
	if strings.TrimSpace(c.Postgres.DataSource) == "" {
		return errors.New("config: postgres.dataSource is required")
	}
	if strings.TrimSpace(c.Nats.URL) == "" {
		return errors.New("config: nats.url is required")
	}
	if !c.IsTestEnv() && strings.TrimSpace(c.Auth.Secret) == "" {
		return errors.New("config: auth.secret is required outside test env")
	}
	return c.validateTTL()
}

func (c *Config) validateTTL() error {
	if c.TTL.Short <= 0 {
		return errors.New("config: ttl.short must be positive")
	}
	if c.TTL.Medium <= 0 {
		return errors.New("config: ttl.medium must be positive")
	}
	if c.TTL.Long <= 0 {
		return errors.New("config: ttl.long must be positive")
	}
	return nil
}

func (c *Config) MainPath() string {
	return c.mainPath
}

func (c *Config) BaseDir() string {
	return c.baseDir
}
