package config

import (
	"os"
	"strconv"
	"time"
)

// DBConfig 数据库配置
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	MaxConns int32  `yaml:"max_conns"`
	// 慢查询阈值，0 表示使用默认 100ms
	SlowQuery time.Duration `yaml:"slow_query"`
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
	Secret string `yaml:"secret"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port string `yaml:"port"`
}

// ChainConfig 链 RPC 配置
type ChainConfig struct {
	RPCURL       string        `yaml:"rpc_url"`
	ChainID      int64         `yaml:"chain_id"`
	PollInterval time.Duration `yaml:"poll_interval"`  // 回执轮询间隔
	ReceiptWait  time.Duration `yaml:"receipt_wait"`   // 等待回执的最长时间
	ArbiterAddr  string        `yaml:"arbiter_wallet"` // 仲裁者钱包地址
}

// GatewayConfig 交易构建后端配置
type GatewayConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// OverrideDBFromEnv 从环境变量覆盖数据库配置
func OverrideDBFromEnv(cfg *DBConfig) {
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
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
}

// OverrideServerFromEnv 从环境变量覆盖服务器配置
func OverrideServerFromEnv(cfg *ServerConfig) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
}

// OverrideChainFromEnv 从环境变量覆盖链配置
func OverrideChainFromEnv(cfg *ChainConfig) {
	if url := os.Getenv("CHAIN_RPC_URL"); url != "" {
		cfg.RPCURL = url
	}
	if id := os.Getenv("CHAIN_ID"); id != "" {
		if v, err := strconv.ParseInt(id, 10, 64); err == nil {
			cfg.ChainID = v
		}
	}
	if addr := os.Getenv("ARBITER_WALLET"); addr != "" {
		cfg.ArbiterAddr = addr
	}
}

// OverrideGatewayFromEnv 从环境变量覆盖交易构建后端配置
func OverrideGatewayFromEnv(cfg *GatewayConfig) {
	if url := os.Getenv("TX_GATEWAY_URL"); url != "" {
		cfg.BaseURL = url
	}
}
