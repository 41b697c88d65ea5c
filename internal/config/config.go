package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr string
	DBPath   string

	RedisAddr string
	RedisDB   int

	// Kafka 集群地址（逗号分隔）、Topic、消费者组
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// Redis Stream outbox（流转提交后入流，Relay 异步转 Kafka）
	OrderEventStream   string
	OrderEventGroup    string
	OrderEventConsumer string

	// 事务单元截止时间与幂等记录有效期
	TxTimeout      time.Duration
	IdempotencyTTL time.Duration

	// 单据号分配器重试参数
	SeqMaxAttempts    int
	SeqBaseDelay      time.Duration
	SeqDelayIncrement time.Duration
	SeqJitter         time.Duration

	// 写接口限流与库存缓存策略
	MutateRateLimit  int
	MutateRateWindow time.Duration
	StockCacheTTL    time.Duration
}

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		DBPath:             getEnv("DB_PATH", "tile_erp.db"),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:            0,
		KafkaBrokers:       splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:         getEnv("KAFKA_TOPIC", "tile-erp-order-events"),
		KafkaGroupID:       getEnv("KAFKA_GROUP_ID", "tile-erp-event-archiver"),
		OrderEventStream:   getEnv("ORDER_EVENT_STREAM", "tile_erp:order_events"),
		OrderEventGroup:    getEnv("ORDER_EVENT_GROUP", "tile-erp-relay-group"),
		OrderEventConsumer: getEnv("ORDER_EVENT_CONSUMER", "tile-erp-relay-1"),
		TxTimeout:          5 * time.Second,
		IdempotencyTTL:     7 * 24 * time.Hour,
		SeqMaxAttempts:     15,
		SeqBaseDelay:       20 * time.Millisecond,
		SeqDelayIncrement:  10 * time.Millisecond,
		SeqJitter:          30 * time.Millisecond,
		MutateRateLimit:    1000,
		MutateRateWindow:   time.Second,
		StockCacheTTL:      time.Hour,
	}

	redisDB, err := getEnvInt("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.RedisDB = redisDB

	txTimeoutMs, err := getEnvInt("TX_TIMEOUT_MS", int(cfg.TxTimeout.Milliseconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid TX_TIMEOUT_MS: %w", err)
	}
	if txTimeoutMs <= 0 {
		return AppConfig{}, fmt.Errorf("TX_TIMEOUT_MS must be > 0")
	}
	cfg.TxTimeout = time.Duration(txTimeoutMs) * time.Millisecond

	idemTTLHour, err := getEnvInt("IDEMPOTENCY_TTL_HOUR", int(cfg.IdempotencyTTL.Hours()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid IDEMPOTENCY_TTL_HOUR: %w", err)
	}
	if idemTTLHour < 0 {
		return AppConfig{}, fmt.Errorf("IDEMPOTENCY_TTL_HOUR must be >= 0 (0 = never expire)")
	}
	cfg.IdempotencyTTL = time.Duration(idemTTLHour) * time.Hour

	seqAttempts, err := getEnvInt("SEQ_MAX_ATTEMPTS", cfg.SeqMaxAttempts)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid SEQ_MAX_ATTEMPTS: %w", err)
	}
	if seqAttempts <= 0 {
		return AppConfig{}, fmt.Errorf("SEQ_MAX_ATTEMPTS must be > 0")
	}
	cfg.SeqMaxAttempts = seqAttempts

	rateLimit, err := getEnvInt("MUTATE_RATE_LIMIT", cfg.MutateRateLimit)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid MUTATE_RATE_LIMIT: %w", err)
	}
	if rateLimit <= 0 {
		return AppConfig{}, fmt.Errorf("MUTATE_RATE_LIMIT must be > 0")
	}
	cfg.MutateRateLimit = rateLimit

	rateWindowSec, err := getEnvInt("MUTATE_RATE_WINDOW_SEC", int(cfg.MutateRateWindow.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid MUTATE_RATE_WINDOW_SEC: %w", err)
	}
	if rateWindowSec <= 0 {
		return AppConfig{}, fmt.Errorf("MUTATE_RATE_WINDOW_SEC must be > 0")
	}
	cfg.MutateRateWindow = time.Duration(rateWindowSec) * time.Second

	stockTTLMin, err := getEnvInt("STOCK_CACHE_TTL_MIN", int(cfg.StockCacheTTL.Minutes()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid STOCK_CACHE_TTL_MIN: %w", err)
	}
	if stockTTLMin <= 0 {
		return AppConfig{}, fmt.Errorf("STOCK_CACHE_TTL_MIN must be > 0")
	}
	cfg.StockCacheTTL = time.Duration(stockTTLMin) * time.Minute

	if len(cfg.KafkaBrokers) == 0 {
		return AppConfig{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if cfg.KafkaTopic == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_TOPIC must not be empty")
	}
	if cfg.KafkaGroupID == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_GROUP_ID must not be empty")
	}
	if cfg.OrderEventStream == "" {
		return AppConfig{}, fmt.Errorf("ORDER_EVENT_STREAM must not be empty")
	}
	if cfg.OrderEventGroup == "" {
		return AppConfig{}, fmt.Errorf("ORDER_EVENT_GROUP must not be empty")
	}
	if cfg.OrderEventConsumer == "" {
		return AppConfig{}, fmt.Errorf("ORDER_EVENT_CONSUMER must not be empty")
	}

	return cfg, nil
}

// DSN 拼 SQLite 连接串：busy_timeout 等写锁、txlock=immediate 让写事务起手即排队，
// 避免「先读后写」升级锁造成的死锁报错。
func (c AppConfig) DSN() string {
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate", c.DBPath)
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
