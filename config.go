package gamebus

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// BrokerProvider broker 适配器选择。
type BrokerProvider string

const (
	// BrokerNone 无 broker：单进程降级模式，仅本进程内分发。
	BrokerNone     BrokerProvider = ""
	BrokerRedis    BrokerProvider = "redis"
	BrokerRabbitMQ BrokerProvider = "rabbitmq"
)

type RedisConfig struct {
	Addr     string `env:"GB_REDIS_ADDR"`
	Username string `env:"GB_REDIS_USERNAME"`
	Password string `env:"GB_REDIS_PASSWORD"`
	DB       int    `env:"GB_REDIS_DB"`
}

type RabbitMQConfig struct {
	URI      string `env:"GB_RABBITMQ_URI"`
	Exchange string `env:"GB_RABBITMQ_EXCHANGE"`
	Prefetch int    `env:"GB_RABBITMQ_PREFETCH"`
}

type BrokerConfig struct {
	Provider BrokerProvider `env:"GB_BROKER_PROVIDER"`
	Redis    RedisConfig
	RabbitMQ RabbitMQConfig
}

// BatchConfig 单分类的批处理参数；BatchSize<=1 表示即时刷出。
type BatchConfig struct {
	BatchSize    int
	BatchTimeout time.Duration
}

// BridgeConfig 桥接与连接层参数。
type BridgeConfig struct {
	// QueueDepth 出站队列挂起事件上限；满后跨进程发布快速失败。
	QueueDepth int `env:"GB_BRIDGE_QUEUE_DEPTH"`
	// ReplayWindow 断连后为可靠投递保留事件的窗口。
	ReplayWindow time.Duration `env:"GB_BRIDGE_REPLAY_WINDOW"`
	// ReplayMaxEvents 单玩家重放缓冲上限。
	ReplayMaxEvents int `env:"GB_BRIDGE_REPLAY_MAX_EVENTS"`
}

type MonitoringConfig struct {
	MetricsInterval time.Duration `env:"GB_METRICS_INTERVAL"`
	// AlertErrorRate 统计窗口内错误率告警阈值（0 禁用）。
	AlertErrorRate float64 `env:"GB_ALERT_ERROR_RATE"`
}

// DedupConfig exactly-once 去重窗口配置。
// 提供 KV 或 Redis 参数则多进程共享去重；缺省为进程内 LRU。
type DedupConfig struct {
	KV            KV     `env:"-"`
	RedisAddr     string `env:"GB_DEDUP_REDIS_ADDR"`
	RedisUsername string `env:"GB_DEDUP_REDIS_USERNAME"`
	RedisPassword string `env:"GB_DEDUP_REDIS_PASSWORD"`
	RedisDB       int    `env:"GB_DEDUP_REDIS_DB"`

	Prefix string        `env:"GB_DEDUP_PREFIX"`
	TTL    time.Duration `env:"GB_DEDUP_TTL"`
}

// Config 总配置，经 New 传入。
type Config struct {
	// Namespace 隔离 broker 通道与去重键前缀，建议与部署环境一致。
	Namespace string `env:"GB_NAMESPACE"`

	Broker BrokerConfig

	// DefaultTTL 未显式给 TTL 的事件的缺省存活期。
	DefaultTTL time.Duration `env:"GB_DEFAULT_TTL"`
	// MaxEventSize 事件 payload 字节上限（0 不限制）。
	MaxEventSize int `env:"GB_MAX_EVENT_SIZE"`
	// RetentionWindow 重复 eventId 检测的保留窗口。
	RetentionWindow time.Duration `env:"GB_RETENTION_WINDOW"`
	// BroadcastCategories 允许空 targets 的广播分类。
	BroadcastCategories []Category `env:"GB_BROADCAST_CATEGORIES"`

	EnablePersistence bool   `env:"GB_ENABLE_PERSISTENCE"`
	PersistencePath   string `env:"GB_PERSISTENCE_PATH"`
	// PersistenceRetention 审计记录保留期，维护任务定期裁剪。
	PersistenceRetention time.Duration `env:"GB_PERSISTENCE_RETENTION"`

	EnableTracing bool `env:"GB_ENABLE_TRACING"`

	Retry RetryPolicy `env:"-"`
	// Batch 分类级批处理配置；未配置的分类即时刷出。
	Batch map[Category]BatchConfig `env:"-"`

	Bridge     BridgeConfig
	Monitoring MonitoringConfig
	Dedup      DedupConfig
}

// ConfigFromEnv 从环境变量构建配置。
func ConfigFromEnv() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) withDefaults() Config {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 30 * time.Second
	}
	if c.MaxEventSize <= 0 {
		c.MaxEventSize = 64 * 1024
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = 5 * time.Minute
	}
	if len(c.BroadcastCategories) == 0 {
		c.BroadcastCategories = []Category{CategoryGameState, CategoryNotification}
	}
	if c.Bridge.QueueDepth <= 0 {
		c.Bridge.QueueDepth = 4096
	}
	if c.Bridge.ReplayWindow <= 0 {
		c.Bridge.ReplayWindow = 30 * time.Second
	}
	if c.Monitoring.MetricsInterval <= 0 {
		c.Monitoring.MetricsInterval = 10 * time.Second
	}
	if c.Dedup.Prefix == "" {
		c.Dedup.Prefix = "gb:dedup"
	}
	if c.Dedup.TTL <= 0 {
		c.Dedup.TTL = 10 * time.Minute
	}
	if c.PersistenceRetention <= 0 {
		c.PersistenceRetention = 24 * time.Hour
	}
	return c
}

// channelPrefix broker 通道名前缀。
func (c Config) channelPrefix() string {
	if c.Namespace == "" {
		return "gb:"
	}
	return "gb:" + c.Namespace + ":"
}
