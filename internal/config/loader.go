package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/canontab/canontab/internal/db"
	"github.com/canontab/canontab/internal/domain"
)

// Server holds HTTP server settings.
type Server struct {
	Addr           string
	AllowedOrigins []string
}

// Blob holds blob store settings.
type Blob struct {
	Dir string
}

// Queue holds queue backend and retry settings.
type Queue struct {
	Backend     string // "memory" or "nats"
	NATSURL     string
	MaxAttempts int
	RetryBase   time.Duration
	Concurrency map[domain.Stage]int
}

// Pipeline holds the stage tuning knobs.
type Pipeline struct {
	InferenceSampleSize int
	ReviewThreshold     float64
	FuzzyMinSimilarity  float64
	AlternativeMin      float64
	UseTemplates        bool
}

// Config aggregates every runtime setting.
type Config struct {
	Database db.Config
	Server   Server
	Blob     Blob
	Queue    Queue
	Pipeline Pipeline
	LogLevel string
	LogJSON  bool
}

// Load reads config.yaml from configPath (optional) with env overrides under
// the CANONTAB prefix, e.g. CANONTAB_DATABASE_HOST.
func Load(configPath string) (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.SetEnvPrefix("CANONTAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	dbDefaults := db.DefaultConfig()
	v.SetDefault("database.host", dbDefaults.Host)
	v.SetDefault("database.port", dbDefaults.Port)
	v.SetDefault("database.user", dbDefaults.User)
	v.SetDefault("database.password", dbDefaults.Password)
	v.SetDefault("database.dbname", dbDefaults.DBName)
	v.SetDefault("database.sslmode", dbDefaults.SSLMode)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowedOrigins", []string{"http://localhost:3000"})

	v.SetDefault("blob.dir", "./data/blobs")

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.natsUrl", "nats://localhost:4222")
	v.SetDefault("queue.maxAttempts", 3)
	v.SetDefault("queue.retryBase", "1s")
	v.SetDefault("queue.concurrency.parse", 5)
	v.SetDefault("queue.concurrency.infer", 5)
	v.SetDefault("queue.concurrency.map", 5)
	v.SetDefault("queue.concurrency.validate", 3)
	v.SetDefault("queue.concurrency.output", 3)

	v.SetDefault("pipeline.inferenceSampleSize", 1000)
	v.SetDefault("pipeline.reviewThreshold", 0.8)
	v.SetDefault("pipeline.fuzzyMinSimilarity", 0.5)
	v.SetDefault("pipeline.alternativeMin", 0.4)
	v.SetDefault("pipeline.useTemplates", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	// Config file is optional; defaults plus env cover the common case.
	_ = v.ReadInConfig()

	cfg := Config{
		Database: db.Config{
			Host:     v.GetString("database.host"),
			Port:     v.GetInt("database.port"),
			User:     v.GetString("database.user"),
			Password: v.GetString("database.password"),
			DBName:   v.GetString("database.dbname"),
			SSLMode:  v.GetString("database.sslmode"),
		},
		Server: Server{
			Addr:           v.GetString("server.addr"),
			AllowedOrigins: v.GetStringSlice("server.allowedOrigins"),
		},
		Blob: Blob{Dir: v.GetString("blob.dir")},
		Queue: Queue{
			Backend:     v.GetString("queue.backend"),
			NATSURL:     v.GetString("queue.natsUrl"),
			MaxAttempts: v.GetInt("queue.maxAttempts"),
			RetryBase:   v.GetDuration("queue.retryBase"),
			Concurrency: map[domain.Stage]int{
				domain.StageParse:    v.GetInt("queue.concurrency.parse"),
				domain.StageInfer:    v.GetInt("queue.concurrency.infer"),
				domain.StageMap:      v.GetInt("queue.concurrency.map"),
				domain.StageValidate: v.GetInt("queue.concurrency.validate"),
				domain.StageOutput:   v.GetInt("queue.concurrency.output"),
			},
		},
		Pipeline: Pipeline{
			InferenceSampleSize: v.GetInt("pipeline.inferenceSampleSize"),
			ReviewThreshold:     v.GetFloat64("pipeline.reviewThreshold"),
			FuzzyMinSimilarity:  v.GetFloat64("pipeline.fuzzyMinSimilarity"),
			AlternativeMin:      v.GetFloat64("pipeline.alternativeMin"),
			UseTemplates:        v.GetBool("pipeline.useTemplates"),
		},
		LogLevel: v.GetString("log.level"),
		LogJSON:  v.GetBool("log.json"),
	}

	return cfg, nil
}
