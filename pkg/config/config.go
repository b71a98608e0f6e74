package config

import (
	"os"
	"strconv"
	"strings"
)

// DBConfig 数据库配置
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
	// 慢查询阈值（毫秒），0 表示使用默认值
	SlowQueryMS int `yaml:"slow_query_ms"`
}

// MQConfig 消息队列配置
type MQConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// JWTConfig JWT配置
type JWTConfig struct {
	Secret          string `yaml:"secret"`
	ExpirationHours int    `yaml:"expiration_hours"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

// UploadConfig 附件上传配置
type UploadConfig struct {
	Folder            string   `yaml:"folder"`
	MaxFileSize       int64    `yaml:"max_file_size"`
	MaxFiles          int      `yaml:"max_files"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
}

// WSConfig 实时通知连接配置
type WSConfig struct {
	MaxConnections        int `yaml:"max_connections"`
	MaxConnectionsPerUser int `yaml:"max_connections_per_user"`
	AuthTimeoutSeconds    int `yaml:"auth_timeout_seconds"`
	SendTimeoutMS         int `yaml:"send_timeout_ms"`
}

// OtelConfig OpenTelemetry 配置
type OtelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// OutboxConfig Outbox 分发配置
type OutboxConfig struct {
	IntervalMS int `yaml:"interval_ms"`
	BatchSize  int `yaml:"batch_size"`
	MaxRetries int `yaml:"max_retries"`
}

// OverrideDBFromEnv 从环境变量覆盖数据库配置
func OverrideDBFromEnv(cfg *DBConfig) {
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Host = host
	}
	if port, ok := envInt("DB_PORT"); ok {
		cfg.Port = port
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.Name = name
	}
}

// OverrideMQFromEnv 从环境变量覆盖MQ配置
func OverrideMQFromEnv(cfg *MQConfig) {
	if url := os.Getenv("MQ_URL"); url != "" {
		cfg.URL = url
	}
}

// OverrideRedisFromEnv 从环境变量覆盖Redis配置
func OverrideRedisFromEnv(cfg *RedisConfig) {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Password = password
	}
}

// OverrideJWTFromEnv 从环境变量覆盖JWT配置
func OverrideJWTFromEnv(cfg *JWTConfig) {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Secret = secret
	}
	if hours, ok := envInt("JWT_EXPIRATION_HOURS"); ok {
		cfg.ExpirationHours = hours
	}
}

// OverrideServerFromEnv 从环境变量覆盖服务器配置
func OverrideServerFromEnv(cfg *ServerConfig) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
}

// OverrideUploadFromEnv 从环境变量覆盖上传配置
func OverrideUploadFromEnv(cfg *UploadConfig) {
	if folder := os.Getenv("UPLOAD_FOLDER"); folder != "" {
		cfg.Folder = folder
	}
	if v := os.Getenv("MAX_FILE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxFileSize = size
		}
	}
	if n, ok := envInt("MAX_FILES_PER_MESSAGE"); ok {
		cfg.MaxFiles = n
	}
	if exts := os.Getenv("ALLOWED_EXTENSIONS"); exts != "" {
		cfg.AllowedExtensions = strings.Split(exts, ",")
	}
}

// OverrideWSFromEnv 从环境变量覆盖连接配置
func OverrideWSFromEnv(cfg *WSConfig) {
	if n, ok := envInt("WS_MAX_CONNECTIONS"); ok {
		cfg.MaxConnections = n
	}
	if n, ok := envInt("WS_MAX_CONNECTIONS_PER_USER"); ok {
		cfg.MaxConnectionsPerUser = n
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
