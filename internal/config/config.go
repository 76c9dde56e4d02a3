package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server      ServerConfig
	Redis       RedisConfig
	Pipeline    PipelineConfig
	Ingest      IngestConfig
	Fingerprint FingerprintConfig
	Transcribe  TranscribeConfig
	Storage     StorageConfig
	RateLimit   RateLimitConfig
	Log         LogConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// PipelineConfig bounds the scheduler's worker pool and retry policy.
type PipelineConfig struct {
	Concurrency     int // asynq worker pool size
	MaxRetry        int // transient retries per stage task
	StageTimeoutSec int // hard timeout for any single stage task
	EventRetention  int // hours a batch's records are kept after completion
}

type IngestConfig struct {
	WorkspaceDir   string
	MaxFileSizeMB  int64
	MaxBatchFiles  int
	FFmpegPath     string
	ExtractTimeout int // seconds
	SampleRate     int // target rate for extracted audio
}

type FingerprintConfig struct {
	MinSeconds    float64 // tracks shorter than this are rejected
	SilenceRMS    float64 // mean RMS below this means confidence 0
	PairThreshold float64 // minimum pairwise confidence to use an offset
}

type TranscribeConfig struct {
	ServiceURL    string
	APIKey        string
	Timeout       int     // seconds
	RerouteCutoff float64 // economy results below this mean confidence re-run on balanced
}

type StorageConfig struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type RateLimitConfig struct {
	SubmitPerHour int
	RetryPerHour  int
}

type LogConfig struct {
	Level      string
	File       string // empty means stdout only
	MaxSizeMB  int
	MaxBackups int
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("STT_API_KEY")
	readSecret("STORAGE_ACCOUNT_ID")
	readSecret("STORAGE_ACCESS_KEY_ID")
	readSecret("STORAGE_SECRET_ACCESS_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("pipeline.concurrency", "PIPELINE_CONCURRENCY")
	_ = viper.BindEnv("pipeline.max_retry", "PIPELINE_MAX_RETRY")
	_ = viper.BindEnv("pipeline.stage_timeout", "PIPELINE_STAGE_TIMEOUT")
	_ = viper.BindEnv("pipeline.event_retention", "PIPELINE_EVENT_RETENTION")
	_ = viper.BindEnv("ingest.workspace_dir", "INGEST_WORKSPACE_DIR")
	_ = viper.BindEnv("ingest.max_file_size_mb", "INGEST_MAX_FILE_SIZE_MB")
	_ = viper.BindEnv("ingest.max_batch_files", "INGEST_MAX_BATCH_FILES")
	_ = viper.BindEnv("ingest.ffmpeg_path", "FFMPEG_PATH")
	_ = viper.BindEnv("ingest.extract_timeout", "INGEST_EXTRACT_TIMEOUT")
	_ = viper.BindEnv("ingest.sample_rate", "INGEST_SAMPLE_RATE")
	_ = viper.BindEnv("fingerprint.min_seconds", "FINGERPRINT_MIN_SECONDS")
	_ = viper.BindEnv("fingerprint.silence_rms", "FINGERPRINT_SILENCE_RMS")
	_ = viper.BindEnv("fingerprint.pair_threshold", "FINGERPRINT_PAIR_THRESHOLD")
	_ = viper.BindEnv("transcribe.service_url", "STT_SERVICE_URL")
	_ = viper.BindEnv("transcribe.api_key", "STT_API_KEY")
	_ = viper.BindEnv("transcribe.timeout", "STT_TIMEOUT")
	_ = viper.BindEnv("transcribe.reroute_cutoff", "STT_REROUTE_CUTOFF")
	_ = viper.BindEnv("storage.account_id", "STORAGE_ACCOUNT_ID")
	_ = viper.BindEnv("storage.access_key_id", "STORAGE_ACCESS_KEY_ID")
	_ = viper.BindEnv("storage.secret_access_key", "STORAGE_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("storage.bucket_name", "STORAGE_BUCKET_NAME")
	_ = viper.BindEnv("storage.public_url", "STORAGE_PUBLIC_URL")
	_ = viper.BindEnv("ratelimit.submit_per_hour", "RATELIMIT_SUBMIT_PER_HOUR")
	_ = viper.BindEnv("ratelimit.retry_per_hour", "RATELIMIT_RETRY_PER_HOUR")
	_ = viper.BindEnv("log.level", "LOG_LEVEL")
	_ = viper.BindEnv("log.file", "LOG_FILE")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("pipeline.concurrency", 4)
	viper.SetDefault("pipeline.max_retry", 3)
	viper.SetDefault("pipeline.stage_timeout", 600)
	viper.SetDefault("pipeline.event_retention", 24)

	viper.SetDefault("ingest.workspace_dir", "./workspace")
	viper.SetDefault("ingest.max_file_size_mb", 2048)
	viper.SetDefault("ingest.max_batch_files", 16)
	viper.SetDefault("ingest.ffmpeg_path", "ffmpeg")
	viper.SetDefault("ingest.extract_timeout", 300)
	viper.SetDefault("ingest.sample_rate", 8000)

	viper.SetDefault("fingerprint.min_seconds", 5.0)
	viper.SetDefault("fingerprint.silence_rms", 0.003)
	viper.SetDefault("fingerprint.pair_threshold", 0.35)

	viper.SetDefault("transcribe.timeout", 120)
	viper.SetDefault("transcribe.reroute_cutoff", 0.60)

	viper.SetDefault("ratelimit.submit_per_hour", 20)
	viper.SetDefault("ratelimit.retry_per_hour", 60)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.max_size_mb", 100)
	viper.SetDefault("log.max_backups", 5)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Pipeline: PipelineConfig{
			Concurrency:     viper.GetInt("pipeline.concurrency"),
			MaxRetry:        viper.GetInt("pipeline.max_retry"),
			StageTimeoutSec: viper.GetInt("pipeline.stage_timeout"),
			EventRetention:  viper.GetInt("pipeline.event_retention"),
		},
		Ingest: IngestConfig{
			WorkspaceDir:   viper.GetString("ingest.workspace_dir"),
			MaxFileSizeMB:  viper.GetInt64("ingest.max_file_size_mb"),
			MaxBatchFiles:  viper.GetInt("ingest.max_batch_files"),
			FFmpegPath:     viper.GetString("ingest.ffmpeg_path"),
			ExtractTimeout: viper.GetInt("ingest.extract_timeout"),
			SampleRate:     viper.GetInt("ingest.sample_rate"),
		},
		Fingerprint: FingerprintConfig{
			MinSeconds:    viper.GetFloat64("fingerprint.min_seconds"),
			SilenceRMS:    viper.GetFloat64("fingerprint.silence_rms"),
			PairThreshold: viper.GetFloat64("fingerprint.pair_threshold"),
		},
		Transcribe: TranscribeConfig{
			ServiceURL:    viper.GetString("transcribe.service_url"),
			APIKey:        viper.GetString("transcribe.api_key"),
			Timeout:       viper.GetInt("transcribe.timeout"),
			RerouteCutoff: viper.GetFloat64("transcribe.reroute_cutoff"),
		},
		Storage: StorageConfig{
			AccountID:       viper.GetString("storage.account_id"),
			AccessKeyID:     viper.GetString("storage.access_key_id"),
			SecretAccessKey: viper.GetString("storage.secret_access_key"),
			BucketName:      viper.GetString("storage.bucket_name"),
			PublicURL:       viper.GetString("storage.public_url"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerHour: viper.GetInt("ratelimit.submit_per_hour"),
			RetryPerHour:  viper.GetInt("ratelimit.retry_per_hour"),
		},
		Log: LogConfig{
			Level:      viper.GetString("log.level"),
			File:       viper.GetString("log.file"),
			MaxSizeMB:  viper.GetInt("log.max_size_mb"),
			MaxBackups: viper.GetInt("log.max_backups"),
		},
	}

	return cfg, nil
}
