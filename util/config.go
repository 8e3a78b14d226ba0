package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const Name = "courier"
const ConfigFileName = "config.yaml"
const EnvPrefix = "COURIER_"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host               string
		HttpPort           int      `yaml:"httpPort"`
		SshPort            int      `yaml:"sshPort"`
		SslDomain          string   `yaml:"sslDomain"`
		WithAp             bool     `yaml:"withAp"`
		WithAdmin          bool     `yaml:"withAdmin"`
		Database           string   `yaml:"database"`
		UserAgent          string   `yaml:"userAgent"`
		HttpTimeout        int      `yaml:"httpTimeout"`
		DeliveryWorkers    int      `yaml:"deliveryWorkers"`
		QueueBatch         int      `yaml:"queueBatch"`
		QueueInterval      int      `yaml:"queueInterval"`
		MaxCollectionPages int      `yaml:"maxCollectionPages"`
		CacheSize          int      `yaml:"cacheSize"`
		CacheTTL           int      `yaml:"cacheTTL"`
		AvatarDir          string   `yaml:"avatarDir"`
		AvatarMaxBytes     int64    `yaml:"avatarMaxBytes"`
		AdminKeys          []string `yaml:"adminKeys"`
	}
}

// ReadConf loads the config file from the working directory or the user
// config directory, falling back to the embedded defaults.
func ReadConf() (*AppConfig, error) {
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		log.Warn("config file not found, using embedded defaults", "path", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				log.Warn("could not write default config", "path", userConfigPath, "err", writeErr)
			} else {
				log.Info("created default config file", "path", userConfigPath)
			}
		}
	}

	return parseConf(buf)
}

// ReadConfFrom loads an explicit config file, e.g. from --config.
func ReadConfFrom(path string) (*AppConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return parseConf(buf)
}

func parseConf(buf []byte) (*AppConfig, error) {
	c := &AppConfig{}
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}
	c.applyEnv()
	return c, nil
}

func (c *AppConfig) applyEnv() {
	setString := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		v := os.Getenv(EnvPrefix + name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Warn("ignoring invalid integer in environment", "var", EnvPrefix+name, "value", v)
			return
		}
		*dst = n
	}
	setBool := func(name string, dst *bool) {
		switch os.Getenv(EnvPrefix + name) {
		case "true":
			*dst = true
		case "false":
			*dst = false
		}
	}

	setString("HOST", &c.Conf.Host)
	setInt("HTTPPORT", &c.Conf.HttpPort)
	setInt("SSHPORT", &c.Conf.SshPort)
	setString("SSLDOMAIN", &c.Conf.SslDomain)
	setBool("WITH_AP", &c.Conf.WithAp)
	setBool("WITH_ADMIN", &c.Conf.WithAdmin)
	setString("DATABASE", &c.Conf.Database)
	setString("USER_AGENT", &c.Conf.UserAgent)
	setInt("HTTP_TIMEOUT", &c.Conf.HttpTimeout)
	setInt("DELIVERY_WORKERS", &c.Conf.DeliveryWorkers)
	setInt("MAX_COLLECTION_PAGES", &c.Conf.MaxCollectionPages)
	setString("AVATAR_DIR", &c.Conf.AvatarDir)

	if keys := os.Getenv(EnvPrefix + "ADMIN_KEYS"); keys != "" {
		c.Conf.AdminKeys = strings.Split(keys, ";")
	}
}

// BaseURL is the https origin local actors live under.
func (c *AppConfig) BaseURL() string {
	return "https://" + c.Conf.SslDomain
}

func (c *AppConfig) HTTPTimeout() time.Duration {
	if c.Conf.HttpTimeout <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Conf.HttpTimeout) * time.Second
}

func (c *AppConfig) CacheTTL() time.Duration {
	return time.Duration(c.Conf.CacheTTL) * time.Second
}

func (c *AppConfig) QueueInterval() time.Duration {
	if c.Conf.QueueInterval <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Conf.QueueInterval) * time.Second
}

// UserAgentString is sent on every federation request.
func (c *AppConfig) UserAgentString() string {
	ua := c.Conf.UserAgent
	if ua == "" {
		ua = Name
	}
	return fmt.Sprintf("%s/%s (+%s)", ua, GetVersion(), c.BaseURL())
}
