package config

import (
	"encoding/json"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Auth     AuthConfig     `json:"auth"`
	Redis    RedisConfig    `json:"redis"`
	Kafka    KafkaConfig    `json:"kafka"`
	Routing  RoutingConfig  `json:"routing"`
}

type ServerConfig struct {
	Addr       string `json:"addr"`
	InstanceID string `json:"instance_id"` // 本实例标识，用于跨实例事件去重
}

type DatabaseConfig struct {
	DSN string `json:"dsn"`
}

type AuthConfig struct {
	JWTSecret     string `json:"jwt_secret"`
	TokenExpiry   int    `json:"token_expiry"`   // in hours
	RefreshExpiry int    `json:"refresh_expiry"` // in hours
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type KafkaConfig struct {
	Brokers       []string `json:"brokers"`
	GroupID       string   `json:"group_id"`
	AuditTopic    string   `json:"audit_topic"`
	Username      string   `json:"username"`
	Password      string   `json:"password"`
	SASLMechanism string   `json:"sasl_mechanism"` // PLAIN / SCRAM-SHA-256 / SCRAM-SHA-512
	UseTLS        bool     `json:"use_tls"`
	CertFile      string   `json:"cert_file"`
	KeyFile       string   `json:"key_file"`
	CAFile        string   `json:"ca_file"`
}

type RoutingConfig struct {
	PresenceTTLSeconds  int `json:"presence_ttl_seconds"`  // 在线记录过期时间，默认30秒
	DefaultMaxChats     int `json:"default_max_chats"`     // 客服默认最大并发会话数
	HandshakeTimeoutSec int `json:"handshake_timeout_sec"` // 握手认证超时
}

func LoadConfig() (config Config, err error) {
	// 先加载 .env（不存在则忽略）
	_ = godotenv.Load()

	file, err := os.Open("config/config.json")
	if err != nil {
		return config, err
	}
	defer func(file *os.File) {
		closeErr := file.Close()
		if closeErr != nil {
			log.Printf("Error closing config file: %v", closeErr)
		}
	}(file)
	decoder := json.NewDecoder(file)
	err = decoder.Decode(&config)
	if err != nil {
		return config, err
	}
	config.applyEnv()
	config.applyDefaults()
	return config, nil
}

// 环境变量覆盖配置文件
func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("KAFKA_SASL_MECHANISM"); v != "" {
		c.Kafka.SASLMechanism = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("INSTANCE_ID"); v != "" {
		c.Server.InstanceID = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.InstanceID == "" {
		host, _ := os.Hostname()
		c.Server.InstanceID = host
	}
	if c.Routing.PresenceTTLSeconds <= 0 {
		c.Routing.PresenceTTLSeconds = 30
	}
	if c.Routing.DefaultMaxChats <= 0 {
		c.Routing.DefaultMaxChats = 5
	}
	if c.Routing.HandshakeTimeoutSec <= 0 {
		c.Routing.HandshakeTimeoutSec = 10
	}
	if c.Kafka.AuditTopic == "" {
		c.Kafka.AuditTopic = "routing-audit"
	}
}
