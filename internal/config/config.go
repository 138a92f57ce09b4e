package config

import (
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Fusion      FusionConfig      `mapstructure:"fusion"`
	Batcher     BatcherConfig     `mapstructure:"batcher"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Scorer      ScorerConfig      `mapstructure:"scorer"`
	Aggregation AggregationConfig `mapstructure:"aggregation"`
	Retention   RetentionConfig   `mapstructure:"retention"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Security    SecurityConfig    `mapstructure:"security"`
}

type ServerConfig struct {
	Port         string `mapstructure:"port"`
	Mode         string `mapstructure:"mode"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	MaxConnections int           `mapstructure:"max_connections"`
	MaxIdleTime    time.Duration `mapstructure:"max_idle_time"`
	MaxLifetime    time.Duration `mapstructure:"max_lifetime"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type RedisConfig struct {
	URL        string        `mapstructure:"url"`
	MaxRetries int           `mapstructure:"max_retries"`
	PoolSize   int           `mapstructure:"pool_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topics  struct {
		BehaviorEvents string `mapstructure:"behavior_events"`
	} `mapstructure:"topics"`
	ConsumerGroup string `mapstructure:"consumer_group"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// FusionConfig parameterizes every stage of the fusion pipeline.
type FusionConfig struct {
	AlgorithmWeights map[string]float64 `mapstructure:"algorithm_weights"`
	Dedup            DedupConfig        `mapstructure:"dedup"`
	Policy           PolicyConfig       `mapstructure:"policy"`
	Diversity        DiversityConfig    `mapstructure:"diversity"`
	Boosts           BoostConfig        `mapstructure:"boosts"`
}

type DedupConfig struct {
	TitleWeight         float64 `mapstructure:"title_weight"`
	DescriptionWeight   float64 `mapstructure:"description_weight"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
}

type PolicyConfig struct {
	MinQuality        float64  `mapstructure:"min_quality"`
	MaxAgeDays        int      `mapstructure:"max_age_days"`
	BlockedCategories []string `mapstructure:"blocked_categories"`
	BlockedAuthors    []string `mapstructure:"blocked_authors"`
	MinRating         float64  `mapstructure:"min_rating"`
	RequireReview     bool     `mapstructure:"require_review"`
}

type DiversityConfig struct {
	Lambda           float64 `mapstructure:"lambda"`
	CategoryWeight   float64 `mapstructure:"category_weight"`
	KindWeight       float64 `mapstructure:"kind_weight"`
	AuthorWeight     float64 `mapstructure:"author_weight"`
	TimeWeight       float64 `mapstructure:"time_weight"`
	MaxCategoryRatio float64 `mapstructure:"max_category_ratio"`
	MaxAuthorRatio   float64 `mapstructure:"max_author_ratio"`
}

type BoostConfig struct {
	BaseWeight            float64 `mapstructure:"base_weight"`
	FreshnessWeight       float64 `mapstructure:"freshness_weight"`
	PopularityWeight      float64 `mapstructure:"popularity_weight"`
	PersonalizationWeight float64 `mapstructure:"personalization_weight"`
	FreshnessHalfLife     float64 `mapstructure:"freshness_half_life_hours"`
	PopularityMaxExpected float64 `mapstructure:"popularity_max_expected"`
}

type BatcherConfig struct {
	MaxBatchSize  int           `mapstructure:"max_batch_size"`
	BatchTimeout  time.Duration `mapstructure:"batch_timeout"`
	MaxWorkers    int           `mapstructure:"max_workers"`
	MaxQueueDepth int           `mapstructure:"max_queue_depth"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
}

type CacheConfig struct {
	L1Size      int           `mapstructure:"l1_size"`
	ViewerTTL   time.Duration `mapstructure:"viewer_ttl"`
	ItemTTL     time.Duration `mapstructure:"item_ttl"`
	TrendingTTL time.Duration `mapstructure:"trending_ttl"`
	StatsTTL    time.Duration `mapstructure:"stats_ttl"`
	ModelTTL    time.Duration `mapstructure:"model_ttl"`
}

type ScorerConfig struct {
	ModelPath string `mapstructure:"model_path"`
	Version   string `mapstructure:"version"`
}

type AggregationConfig struct {
	ViewerWindowDays        int `mapstructure:"viewer_window_days"`
	ItemWindowDays          int `mapstructure:"item_window_days"`
	MinInteractions         int `mapstructure:"min_interactions"`
	TrendingWindowHours     int `mapstructure:"trending_window_hours"`
	TrendingMinInteractions int `mapstructure:"trending_min_interactions"`
	TrendingLimit           int `mapstructure:"trending_limit"`
}

type RetentionConfig struct {
	BehaviorDays int `mapstructure:"behavior_days"`
	VectorDays   int `mapstructure:"vector_days"`
	BackupDays   int `mapstructure:"backup_days"`
}

type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
}

type SecurityConfig struct {
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	setDefaults(v)

	// Environment variable overrides
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional, continue with env vars and defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	// All keys are enumerated; anything unrecognized is a load error.
	if err := v.Unmarshal(&config, func(dc *mapstructure.DecoderConfig) {
		dc.ErrorUnused = true
	}); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "development")
	v.SetDefault("server.max_body_bytes", 1048576)

	// Database defaults
	v.SetDefault("database.url", "postgres://localhost:5432/rerank")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.max_idle_time", "15m")
	v.SetDefault("database.max_lifetime", "1h")
	v.SetDefault("database.connect_timeout", "10s")

	// Redis defaults
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.timeout", "5s")

	// Kafka defaults
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topics.behavior_events", "behavior-events")
	v.SetDefault("kafka.consumer_group", "rerank-behavior-consumer")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	// Fusion defaults
	v.SetDefault("fusion.algorithm_weights", map[string]float64{})
	v.SetDefault("fusion.dedup.title_weight", 0.4)
	v.SetDefault("fusion.dedup.description_weight", 0.6)
	v.SetDefault("fusion.dedup.similarity_threshold", 0.8)
	v.SetDefault("fusion.policy.min_quality", 0.0)
	v.SetDefault("fusion.policy.max_age_days", 365)
	v.SetDefault("fusion.policy.blocked_categories", []string{})
	v.SetDefault("fusion.policy.blocked_authors", []string{})
	v.SetDefault("fusion.policy.min_rating", 0.0)
	v.SetDefault("fusion.policy.require_review", false)
	v.SetDefault("fusion.diversity.lambda", 0.7)
	v.SetDefault("fusion.diversity.category_weight", 0.3)
	v.SetDefault("fusion.diversity.kind_weight", 0.2)
	v.SetDefault("fusion.diversity.author_weight", 0.2)
	v.SetDefault("fusion.diversity.time_weight", 0.3)
	v.SetDefault("fusion.diversity.max_category_ratio", 0.4)
	v.SetDefault("fusion.diversity.max_author_ratio", 0.3)
	v.SetDefault("fusion.boosts.base_weight", 0.6)
	v.SetDefault("fusion.boosts.freshness_weight", 0.15)
	v.SetDefault("fusion.boosts.popularity_weight", 0.15)
	v.SetDefault("fusion.boosts.personalization_weight", 0.1)
	v.SetDefault("fusion.boosts.freshness_half_life_hours", 24.0)
	v.SetDefault("fusion.boosts.popularity_max_expected", 20.0)

	// Batcher defaults
	v.SetDefault("batcher.max_batch_size", 64)
	v.SetDefault("batcher.batch_timeout", "10ms")
	v.SetDefault("batcher.max_workers", 4)
	v.SetDefault("batcher.max_queue_depth", 0) // 0 means 8 * max_batch_size
	v.SetDefault("batcher.call_timeout", "1s")

	// Cache defaults
	v.SetDefault("cache.l1_size", 10000)
	v.SetDefault("cache.viewer_ttl", "1h")
	v.SetDefault("cache.item_ttl", "2h")
	v.SetDefault("cache.trending_ttl", "1h")
	v.SetDefault("cache.stats_ttl", "1h")
	v.SetDefault("cache.model_ttl", "24h")

	// Scorer defaults
	v.SetDefault("scorer.model_path", "./models/ranker.json")
	v.SetDefault("scorer.version", "")

	// Aggregation defaults
	v.SetDefault("aggregation.viewer_window_days", 30)
	v.SetDefault("aggregation.item_window_days", 7)
	v.SetDefault("aggregation.min_interactions", 5)
	v.SetDefault("aggregation.trending_window_hours", 24)
	v.SetDefault("aggregation.trending_min_interactions", 10)
	v.SetDefault("aggregation.trending_limit", 100)

	// Retention defaults
	v.SetDefault("retention.behavior_days", 90)
	v.SetDefault("retention.vector_days", 30)
	v.SetDefault("retention.backup_days", 7)

	// Monitoring defaults
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("security.cors.allowed_headers", []string{"*"})
}
