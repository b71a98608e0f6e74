package config

import (
	"fmt"
	"log"
	"time"

	"skypost/pkg/config"
)

type Config struct {
	DB     config.DBConfig     `yaml:"db"`
	MQ     config.MQConfig     `yaml:"mq"`
	Redis  config.RedisConfig  `yaml:"redis"`
	JWT    config.JWTConfig    `yaml:"jwt"`
	Server config.ServerConfig `yaml:"server"`
	Upload config.UploadConfig `yaml:"upload"`
	WS     config.WSConfig     `yaml:"ws"`
	Otel   config.OtelConfig   `yaml:"otel"`
	Outbox config.OutboxConfig `yaml:"outbox"`
}

func Load() *Config {
	// 使用统一配置中心
	env := config.GetConfigEnv()
	configDir := config.GetEnv("CONFIG_DIR", "config")

	cfg, err := LoadFrom(env, configDir)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// LoadFrom 读取 base + env yaml，再用环境变量覆盖
func LoadFrom(env, configDir string) (*Config, error) {
	cfgMap, err := config.LoadConfig(env, configDir)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := config.Decode(cfgMap, &cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖（优先级最高）
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideUploadFromEnv(&cfg.Upload)
	config.OverrideWSFromEnv(&cfg.WS)

	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("jwt.secret is required")
	}
	return &cfg, nil
}

func (c *Config) TokenTTL() time.Duration {
	if c.JWT.ExpirationHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.JWT.ExpirationHours) * time.Hour
}

func (c *Config) AuthTimeout() time.Duration {
	if c.WS.AuthTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.WS.AuthTimeoutSeconds) * time.Second
}

func (c *Config) SendTimeout() time.Duration {
	if c.WS.SendTimeoutMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.WS.SendTimeoutMS) * time.Millisecond
}

func (c *Config) OutboxInterval() time.Duration {
	if c.Outbox.IntervalMS <= 0 {
		return time.Second
	}
	return time.Duration(c.Outbox.IntervalMS) * time.Millisecond
}

// 表单字段和 multipart 边界的余量
const formOverhead = 1 << 20

// MaxRequestBytes caps a whole /mail/send body.
func (c *Config) MaxRequestBytes() int64 {
	size := c.Upload.MaxFileSize
	if size <= 0 {
		size = 10 * 1024 * 1024
	}
	files := c.Upload.MaxFiles
	if files <= 0 {
		files = 10
	}
	return size*int64(files) + formOverhead
}
