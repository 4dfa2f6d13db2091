package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	Topic    string // 遥测订阅主题，如 "telemetry/+/+"
}

// Config 遥测服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	HTTP struct {
		ListenAddr   string
		ReadTimeout  time.Duration
		WriteTimeout time.Duration
	}

	Ingest struct {
		DeviceCacheTTL    time.Duration // 设备注册表缓存 TTL
		SequenceTolerance int64         // 序列号回退容忍度（建议性检查）

		BatchSize     int           // 单租户批量写入阈值
		BufferCap     int           // 缓冲区硬上限（所有租户合计），满则背压
		FlushInterval time.Duration // 定时刷写间隔
		FlushRetries  int           // 刷写失败重试次数
		FlushBackoff  time.Duration // 重试退避基数

		LastSeenFlushInterval time.Duration // 设备 last_seen 异步回写间隔
		StaleAfter            time.Duration // 超过该时长未上报标记 STALE
		OfflineAfter          time.Duration // 超过该时长未上报标记 OFFLINE
	}

	Evaluator struct {
		PollInterval       time.Duration // 兜底轮询间隔（唤醒信号丢失时保证评估不停摆）
		EscalationInterval time.Duration // 升级巡检间隔
		WakeupStream       string        // 数据到达唤醒流
		ConsumerGroup      string
		ConsumerName       string
	}

	Dispatcher struct {
		QueueSize     int
		SendTimeout   time.Duration
		SendRetries   int
		EncryptionKey string // 渠道密文 AES-256 密钥（hex，32 字节）
	}

	Quarantine struct {
		Stream string // 隔离事件审计流
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 从环境变量加载配置（带默认值）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "telemetry")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 20)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "wisefido-telemetry")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1
	cfg.MQTT.Topic = getEnv("MQTT_TOPIC", "telemetry/+/+")

	cfg.HTTP.ListenAddr = getEnv("HTTP_LISTEN_ADDR", ":8080")
	cfg.HTTP.ReadTimeout = getEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second)
	cfg.HTTP.WriteTimeout = getEnvDuration("HTTP_WRITE_TIMEOUT", 10*time.Second)

	cfg.Ingest.DeviceCacheTTL = getEnvDuration("INGEST_DEVICE_CACHE_TTL", 30*time.Second)
	cfg.Ingest.SequenceTolerance = int64(getEnvInt("INGEST_SEQ_TOLERANCE", 5))
	cfg.Ingest.BatchSize = getEnvInt("INGEST_BATCH_SIZE", 500)
	cfg.Ingest.BufferCap = getEnvInt("INGEST_BUFFER_CAP", 10000)
	cfg.Ingest.FlushInterval = getEnvDuration("INGEST_FLUSH_INTERVAL", 2*time.Second)
	cfg.Ingest.FlushRetries = getEnvInt("INGEST_FLUSH_RETRIES", 3)
	cfg.Ingest.FlushBackoff = getEnvDuration("INGEST_FLUSH_BACKOFF", 500*time.Millisecond)
	cfg.Ingest.LastSeenFlushInterval = getEnvDuration("INGEST_LASTSEEN_FLUSH_INTERVAL", 15*time.Second)
	cfg.Ingest.StaleAfter = getEnvDuration("INGEST_STALE_AFTER", 5*time.Minute)
	cfg.Ingest.OfflineAfter = getEnvDuration("INGEST_OFFLINE_AFTER", 30*time.Minute)

	cfg.Evaluator.PollInterval = getEnvDuration("EVAL_POLL_INTERVAL", 15*time.Second)
	cfg.Evaluator.EscalationInterval = getEnvDuration("EVAL_ESCALATION_INTERVAL", 60*time.Second)
	cfg.Evaluator.WakeupStream = getEnv("EVAL_WAKEUP_STREAM", "telemetry:ingested")
	cfg.Evaluator.ConsumerGroup = getEnv("EVAL_CONSUMER_GROUP", "wisefido-telemetry-eval")
	cfg.Evaluator.ConsumerName = getEnv("EVAL_CONSUMER_NAME", hostnameOr("eval-1"))

	cfg.Dispatcher.QueueSize = getEnvInt("DISPATCH_QUEUE_SIZE", 1024)
	cfg.Dispatcher.SendTimeout = getEnvDuration("DISPATCH_SEND_TIMEOUT", 10*time.Second)
	cfg.Dispatcher.SendRetries = getEnvInt("DISPATCH_SEND_RETRIES", 2)
	cfg.Dispatcher.EncryptionKey = getEnv("CHANNEL_ENCRYPTION_KEY", "")

	cfg.Quarantine.Stream = getEnv("QUARANTINE_STREAM", "quarantine:events")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func hostnameOr(defaultValue string) string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return defaultValue
}
