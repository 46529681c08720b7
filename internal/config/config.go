package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Zitadel   ZitadelConfig
	Gateway   GatewayConfig
	RateLimit RateLimitConfig
	Provider  ProviderConfig
	Poller    PollerConfig
	TaskStore TaskStoreConfig
	History   HistoryConfig
	Mongo     MongoConfig
	Storage   StorageConfig
	Kafka     KafkaConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	GenerationsPerHour int
}

// ProviderConfig configures the generation queue provider
type ProviderConfig struct {
	APIKey  string
	BaseURL string
	Timeout int // seconds, per HTTP request
}

type PollerConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// TaskStoreConfig selects where the task snapshot is persisted.
// Driver is one of "none", "redis" or "sqlite".
type TaskStoreConfig struct {
	Driver     string
	SQLitePath string
	RedisKey   string
}

// HistoryConfig selects the history backend: "memory", "redis" or "mongo".
type HistoryConfig struct {
	Driver string
}

type MongoConfig struct {
	URI        string
	Username   string
	Password   string
	Database   string
	Collection string
}

// StorageConfig configures media archiving. Driver is "none", "r2" or "minio".
type StorageConfig struct {
	Driver string
	R2     R2Config
	MinIO  MinIOConfig
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type MinIOConfig struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	BucketName string
	Secure     bool
	PublicURL  string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

func Load() (*Config, error) {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	readSecret("REDIS_PASSWORD")
	readSecret("PROVIDER_API_KEY")
	readSecret("JWT_SECRET")
	readSecret("MONGO_PASSWORD")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("MINIO_SECRET_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = v.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = v.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = v.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = v.BindEnv("ratelimit.generations_per_hour", "RATELIMIT_GENERATIONS_PER_HOUR")
	_ = v.BindEnv("provider.api_key", "PROVIDER_API_KEY")
	_ = v.BindEnv("provider.base_url", "PROVIDER_BASE_URL")
	_ = v.BindEnv("provider.timeout", "PROVIDER_TIMEOUT")
	_ = v.BindEnv("poller.interval", "POLLER_INTERVAL")
	_ = v.BindEnv("poller.timeout", "POLLER_TIMEOUT")
	_ = v.BindEnv("taskstore.driver", "TASKSTORE_DRIVER")
	_ = v.BindEnv("taskstore.sqlite_path", "TASKSTORE_SQLITE_PATH")
	_ = v.BindEnv("taskstore.redis_key", "TASKSTORE_REDIS_KEY")
	_ = v.BindEnv("history.driver", "HISTORY_DRIVER")
	_ = v.BindEnv("mongo.uri", "MONGO_URI")
	_ = v.BindEnv("mongo.username", "MONGO_USERNAME")
	_ = v.BindEnv("mongo.password", "MONGO_PASSWORD")
	_ = v.BindEnv("mongo.database", "MONGO_DATABASE")
	_ = v.BindEnv("mongo.collection", "MONGO_COLLECTION")
	_ = v.BindEnv("storage.driver", "STORAGE_DRIVER")
	_ = v.BindEnv("storage.r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("storage.r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("storage.r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("storage.r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("storage.r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("storage.minio.endpoint", "MINIO_ENDPOINT")
	_ = v.BindEnv("storage.minio.access_key", "MINIO_ACCESS_KEY")
	_ = v.BindEnv("storage.minio.secret_key", "MINIO_SECRET_KEY")
	_ = v.BindEnv("storage.minio.bucket_name", "MINIO_BUCKET_NAME")
	_ = v.BindEnv("storage.minio.secure", "MINIO_SECURE")
	_ = v.BindEnv("storage.minio.public_url", "MINIO_PUBLIC_URL")
	_ = v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	_ = v.BindEnv("kafka.topic", "KAFKA_TOPIC")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.expiration", 24)
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("ratelimit.generations_per_hour", 60)

	v.SetDefault("provider.base_url", "https://queue.fal.run")
	v.SetDefault("provider.timeout", 60)

	v.SetDefault("poller.interval", "3s")
	v.SetDefault("poller.timeout", "10m")

	v.SetDefault("taskstore.driver", "redis")
	v.SetDefault("taskstore.sqlite_path", "data/tasks.db")
	v.SetDefault("taskstore.redis_key", "taskstore:snapshot")

	v.SetDefault("history.driver", "redis")
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "sellerstudio")
	v.SetDefault("mongo.collection", "history")

	v.SetDefault("storage.driver", "none")
	v.SetDefault("storage.minio.secure", true)

	v.SetDefault("kafka.topic", "generation-events")

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetString("server.port"),
			Env:      v.GetString("server.env"),
			LogLevel: v.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("jwt.secret"),
			Expiration: v.GetInt("jwt.expiration"),
		},
		Zitadel: ZitadelConfig{
			Domain:   v.GetString("zitadel.domain"),
			ClientID: v.GetString("zitadel.client_id"),
			Issuer:   v.GetString("zitadel.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		RateLimit: RateLimitConfig{
			GenerationsPerHour: v.GetInt("ratelimit.generations_per_hour"),
		},
		Provider: ProviderConfig{
			APIKey:  v.GetString("provider.api_key"),
			BaseURL: strings.TrimRight(v.GetString("provider.base_url"), "/"),
			Timeout: v.GetInt("provider.timeout"),
		},
		Poller: PollerConfig{
			Interval: v.GetDuration("poller.interval"),
			Timeout:  v.GetDuration("poller.timeout"),
		},
		TaskStore: TaskStoreConfig{
			Driver:     strings.ToLower(v.GetString("taskstore.driver")),
			SQLitePath: v.GetString("taskstore.sqlite_path"),
			RedisKey:   v.GetString("taskstore.redis_key"),
		},
		History: HistoryConfig{
			Driver: strings.ToLower(v.GetString("history.driver")),
		},
		Mongo: MongoConfig{
			URI:        v.GetString("mongo.uri"),
			Username:   v.GetString("mongo.username"),
			Password:   v.GetString("mongo.password"),
			Database:   v.GetString("mongo.database"),
			Collection: v.GetString("mongo.collection"),
		},
		Storage: StorageConfig{
			Driver: strings.ToLower(v.GetString("storage.driver")),
			R2: R2Config{
				AccountID:       v.GetString("storage.r2.account_id"),
				AccessKeyID:     v.GetString("storage.r2.access_key_id"),
				SecretAccessKey: v.GetString("storage.r2.secret_access_key"),
				BucketName:      v.GetString("storage.r2.bucket_name"),
				PublicURL:       v.GetString("storage.r2.public_url"),
			},
			MinIO: MinIOConfig{
				Endpoint:   v.GetString("storage.minio.endpoint"),
				AccessKey:  v.GetString("storage.minio.access_key"),
				SecretKey:  v.GetString("storage.minio.secret_key"),
				BucketName: v.GetString("storage.minio.bucket_name"),
				Secure:     v.GetBool("storage.minio.secure"),
				PublicURL:  v.GetString("storage.minio.public_url"),
			},
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetString("kafka.brokers")),
			Topic:   v.GetString("kafka.topic"),
		},
	}

	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
