package util

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const Name = "blogpub"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host              string
		HttpPort          int    `yaml:"httpPort"`
		CanonicalHostname string `yaml:"canonicalHostname"`
		BaseUrl           string `yaml:"baseUrl"`
		SiteId            int64  `yaml:"siteId"`
		ActorName         string `yaml:"actorName"`
		BlogName          string `yaml:"blogName"`
		Summary           string `yaml:"summary"`
		AvatarUrl         string `yaml:"avatarUrl"`
		HeaderUrl         string `yaml:"headerUrl"`
		PrivateKeyPath    string `yaml:"privateKeyPath"`
		PublicKeyPath     string `yaml:"publicKeyPath"`
		DatabasePath      string `yaml:"databasePath"`
		LogLevel          string `yaml:"logLevel"`
	}
	Admin struct {
		Token string
	}
	Delivery struct {
		Interval  time.Duration
		Timeout   time.Duration
		Workers   int
		BatchSize int `yaml:"batchSize"`
	}
	Memcached struct {
		Addr string
	}
	Redis struct {
		Addr    string
		LockKey string        `yaml:"lockKey"`
		LockTTL time.Duration `yaml:"lockTtl"`
	}
}

// ReadConf loads config.yaml (working directory first, then the user config
// directory), falls back to the embedded defaults and applies BLOGPUB_*
// environment overrides.
func ReadConf() (*AppConfig, error) {
	c := &AppConfig{}

	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		log.Infof("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		if configDir, dirErr := GetConfigDir(); dirErr == nil {
			userConfigPath := filepath.Join(configDir, ConfigFileName)
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				log.Warnf("Could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Infof("Created default config file at %s", userConfigPath)
			}
		}
	}

	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	return c, c.Validate()
}

func (c *AppConfig) applyEnv() error {
	vars := map[string]*string{
		"BLOGPUB_HOST":               &c.Conf.Host,
		"BLOGPUB_CANONICAL_HOSTNAME": &c.Conf.CanonicalHostname,
		"BLOGPUB_BASE_URL":           &c.Conf.BaseUrl,
		"BLOGPUB_ACTOR_NAME":         &c.Conf.ActorName,
		"BLOGPUB_BLOG_NAME":          &c.Conf.BlogName,
		"BLOGPUB_DATABASE_PATH":      &c.Conf.DatabasePath,
		"BLOGPUB_LOG_LEVEL":          &c.Conf.LogLevel,
		"BLOGPUB_ADMIN_TOKEN":        &c.Admin.Token,
		"BLOGPUB_MEMCACHED_ADDR":     &c.Memcached.Addr,
		"BLOGPUB_REDIS_ADDR":         &c.Redis.Addr,
	}
	for name, target := range vars {
		if v := os.Getenv(name); v != "" {
			*target = v
		}
	}

	ints := map[string]*int{
		"BLOGPUB_HTTPPORT":         &c.Conf.HttpPort,
		"BLOGPUB_DELIVERY_WORKERS": &c.Delivery.Workers,
		"BLOGPUB_DELIVERY_BATCH":   &c.Delivery.BatchSize,
	}
	for name, target := range ints {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*target = n
		}
	}

	if v := os.Getenv("BLOGPUB_SITE_ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("BLOGPUB_SITE_ID: %w", err)
		}
		c.Conf.SiteId = n
	}

	durations := map[string]*time.Duration{
		"BLOGPUB_DELIVERY_INTERVAL": &c.Delivery.Interval,
		"BLOGPUB_DELIVERY_TIMEOUT":  &c.Delivery.Timeout,
	}
	for name, target := range durations {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*target = d
		}
	}
	return nil
}

// Validate checks the fields every command depends on
func (c *AppConfig) Validate() error {
	switch {
	case c.Conf.CanonicalHostname == "":
		return fmt.Errorf("in config file: canonicalHostname is required")
	case c.Conf.ActorName == "":
		return fmt.Errorf("in config file: actorName is required")
	case c.Conf.HttpPort <= 0:
		return fmt.Errorf("in config file: invalid httpPort %d", c.Conf.HttpPort)
	}
	if c.Conf.SiteId == 0 {
		c.Conf.SiteId = 1
	}
	if c.Conf.BaseUrl == "" {
		c.Conf.BaseUrl = "https://" + c.Conf.CanonicalHostname
	}
	if c.Delivery.Interval <= 0 {
		c.Delivery.Interval = time.Minute
	}
	if c.Delivery.Timeout <= 0 {
		c.Delivery.Timeout = 30 * time.Second
	}
	if c.Redis.LockKey == "" {
		c.Redis.LockKey = Name + ":delivery-lock"
	}
	if c.Redis.LockTTL <= 0 {
		c.Redis.LockTTL = 10 * time.Minute
	}
	return nil
}
