package config

import (
	"log"
	"os"
	"time"

	"escrowflow/pkg/config"
	"escrowflow/pkg/logger"
)

type GuardConfig struct {
	Backend       string        `yaml:"backend"`        // memory / redis
	DeliveringTTL time.Duration `yaml:"delivering_ttl"` // delivering 状态的过期时间，防止进程崩溃后永久锁死
	DeliveredTTL  time.Duration `yaml:"delivered_ttl"`  // 0 表示不过期
}

type ReconcileConfig struct {
	Interval         time.Duration `yaml:"interval"`
	BatchSize        int           `yaml:"batch_size"`
	MaxRetries       int           `yaml:"max_retries"`
	InlineMaxElapsed time.Duration `yaml:"inline_max_elapsed"` // 同步重试的总时长，0 表示不做同步重试
}

type OutboxConfig struct {
	Embedded   bool          `yaml:"embedded"` // false 时由 escrow-worker 发送
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
}

type ConsumerConfig struct {
	DedupTTL   time.Duration `yaml:"dedup_ttl"`
	MaxRetries int64         `yaml:"max_retries"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

type Config struct {
	DB        config.DBConfig      `yaml:"db"`
	MQ        config.MQConfig      `yaml:"mq"`
	Redis     config.RedisConfig   `yaml:"redis"`
	JWT       config.JWTConfig     `yaml:"jwt"`
	Server    config.ServerConfig  `yaml:"server"`
	Chain     config.ChainConfig   `yaml:"chain"`
	Gateway   config.GatewayConfig `yaml:"gateway"`
	Log       logger.Options       `yaml:"log"`
	Guard     GuardConfig          `yaml:"guard"`
	Reconcile ReconcileConfig      `yaml:"reconcile"`
	Outbox    OutboxConfig         `yaml:"outbox"`
	Consumer  ConsumerConfig       `yaml:"consumer"`
	Tracing   TracingConfig        `yaml:"tracing"`
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

// LoadFrom loads base.yaml + <env>.yaml from dir, applies defaults and env overrides.
func LoadFrom(env, dir string) (*Config, error) {
	cfgMap, err := config.LoadConfig(env, dir)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := config.Decode(cfgMap, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	// 环境变量覆盖（优先级最高）
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideChainFromEnv(&cfg.Chain)
	config.OverrideGatewayFromEnv(&cfg.Gateway)
	if backend := os.Getenv("GUARD_BACKEND"); backend != "" {
		cfg.Guard.Backend = backend
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8080"
	}
	if cfg.Chain.PollInterval == 0 {
		cfg.Chain.PollInterval = 2 * time.Second
	}
	if cfg.Chain.ReceiptWait == 0 {
		cfg.Chain.ReceiptWait = 3 * time.Minute
	}
	if cfg.Gateway.Timeout == 0 {
		cfg.Gateway.Timeout = 15 * time.Second
	}
	if cfg.Guard.Backend == "" {
		cfg.Guard.Backend = "memory"
	}
	if cfg.Guard.DeliveringTTL == 0 {
		cfg.Guard.DeliveringTTL = 10 * time.Minute
	}
	if cfg.Reconcile.Interval == 0 {
		cfg.Reconcile.Interval = 30 * time.Second
	}
	if cfg.Reconcile.BatchSize == 0 {
		cfg.Reconcile.BatchSize = 50
	}
	if cfg.Reconcile.MaxRetries == 0 {
		cfg.Reconcile.MaxRetries = 10
	}
	if cfg.Outbox.Interval == 0 {
		cfg.Outbox.Interval = time.Second
	}
	if cfg.Outbox.BatchSize == 0 {
		cfg.Outbox.BatchSize = 100
	}
	if cfg.Outbox.MaxRetries == 0 {
		cfg.Outbox.MaxRetries = 5
	}
	if cfg.Consumer.DedupTTL == 0 {
		cfg.Consumer.DedupTTL = 24 * time.Hour
	}
	if cfg.Consumer.MaxRetries == 0 {
		cfg.Consumer.MaxRetries = 5
	}
}
