package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type BlobConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type ParamStoreConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StaticHost struct {
	Host string            `yaml:"host"`
	Tags map[string]string `yaml:"tags"`
}

type InventoryConfig struct {
	Mode           string       `yaml:"mode"` // "static" or "kubernetes"
	Hosts          []StaticHost `yaml:"hosts"`
	KubeConfigPath string       `yaml:"kube_config_path"`
}

type TransportConfig struct {
	Mode    string `yaml:"mode"` // "local" or "http"
	BaseURL string `yaml:"base_url"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	TTLHours int    `yaml:"ttl_hours"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type ReleaseConfig struct {
	Root   string `yaml:"root"`
	Retain int    `yaml:"retain"`
}

type HealthConfig struct {
	Path            string `yaml:"path"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	MaxAttempts     int    `yaml:"max_attempts"`
}

type MonitorConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	MaxAttempts     int `yaml:"max_attempts"`
}

type RollingConfig struct {
	MaxConcurrency int `yaml:"max_concurrency"`
	MaxErrors      int `yaml:"max_errors"`
}

type Config struct {
	Blob       BlobConfig       `yaml:"blob"`
	ParamStore ParamStoreConfig `yaml:"param_store"`
	Inventory  InventoryConfig  `yaml:"inventory"`
	Transport  TransportConfig  `yaml:"transport"`
	Mongo      MongoConfig      `yaml:"mongo"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Release    ReleaseConfig    `yaml:"release"`
	Health     HealthConfig     `yaml:"health"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Rolling    RollingConfig    `yaml:"rolling"`
}

// LoadConfig reads the yaml file, fills defaults and applies FLEETCD_*
// environment overrides.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Inventory.Mode == "" {
		c.Inventory.Mode = "static"
	}
	if c.Transport.Mode == "" {
		c.Transport.Mode = "local"
	}
	if c.Mongo.TTLHours == 0 {
		c.Mongo.TTLHours = 24 * 30
	}
	if c.Release.Root == "" {
		c.Release.Root = "/srv/app"
	}
	if c.Release.Retain == 0 {
		c.Release.Retain = 3
	}
	if c.Health.Path == "" {
		c.Health.Path = "/health"
	}
	if c.Health.IntervalSeconds == 0 {
		c.Health.IntervalSeconds = 2
	}
	if c.Health.MaxAttempts == 0 {
		c.Health.MaxAttempts = 30
	}
	if c.Monitor.IntervalSeconds == 0 {
		c.Monitor.IntervalSeconds = 10
	}
	if c.Monitor.MaxAttempts == 0 {
		c.Monitor.MaxAttempts = 100
	}
	if c.Rolling.MaxConcurrency == 0 {
		c.Rolling.MaxConcurrency = 1
	}
	// Rolling.MaxErrors defaults to 0: first host failure halts dispatch.
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FLEETCD_BLOB_ENDPOINT"); v != "" {
		c.Blob.Endpoint = v
	}
	if v := os.Getenv("FLEETCD_BLOB_BUCKET"); v != "" {
		c.Blob.Bucket = v
	}
	if v := os.Getenv("FLEETCD_BLOB_ACCESS_KEY"); v != "" {
		c.Blob.AccessKey = v
	}
	if v := os.Getenv("FLEETCD_BLOB_SECRET_KEY"); v != "" {
		c.Blob.SecretKey = v
	}
	if v := os.Getenv("FLEETCD_REDIS_ADDR"); v != "" {
		c.ParamStore.Addr = v
	}
	if v := os.Getenv("FLEETCD_MONGO_URI"); v != "" {
		c.Mongo.URI = v
	}
	if v := os.Getenv("FLEETCD_TELEGRAM_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("FLEETCD_RELEASE_ROOT"); v != "" {
		c.Release.Root = v
	}
	if v := os.Getenv("ROLLING_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Rolling.MaxConcurrency = n
		}
	}
}
