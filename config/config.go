package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Auth          AuthConfig
	AWS           AWSConfig
	Transcription TranscriptionConfig
	Analysis      AnalysisConfig
	Streaming     StreamingConfig
	Kafka         KafkaConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AuthConfig holds session-credential and fallback-key settings.
type AuthConfig struct {
	JWTSecret       string
	ExpireMinutes   int
	RefreshEndpoint string // remote credential refresh; empty disables refresh
	APIKey          string // pre-shared fallback key; empty disables fallback
	APIKeyHash      string // bcrypt hash used to verify inbound fallback keys
}

// AWSConfig holds AWS credentials and the segment bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	SegmentsBucket       string
	PresignExpireMinutes int
}

// TranscriptionConfig holds the remote transcription endpoint settings.
type TranscriptionConfig struct {
	BaseURL          string
	RequestTimeout   time.Duration
	MaxRetries       int
	FinalizeAttempts int
	FinalizeDelay    time.Duration
}

// AnalysisConfig holds the remote analysis trigger/listing settings and
// the polling schedule.
type AnalysisConfig struct {
	BaseURL         string
	TriggerRetries  int
	TriggerDelay    time.Duration
	PollBase        time.Duration
	PollMultiplier  float64
	PollCap         time.Duration
	PollCeiling     time.Duration
	StallTimeout    time.Duration
	UploadThreshold int64 // bytes; at or above this the two-phase path is used
}

// StreamingConfig holds capture and session defaults.
type StreamingConfig struct {
	ChunkInterval time.Duration
	StopGrace     time.Duration
	MediaFormats  []string // ordered encoding preference list
}

// KafkaConfig holds optional downstream event publishing settings.
type KafkaConfig struct {
	Brokers         []string
	TopicTranscript string
	TopicAnalysis   string
	Enabled         bool
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/wingman?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "wingman"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Auth: AuthConfig{
			JWTSecret:       getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireMinutes:   getEnvInt("JWT_EXPIRE_MINUTES", 60),
			RefreshEndpoint: getEnv("AUTH_REFRESH_ENDPOINT", ""),
			APIKey:          getEnv("ANALYSIS_API_KEY", ""),
			APIKeyHash:      getEnv("ANALYSIS_API_KEY_HASH", ""),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			SegmentsBucket:       getEnv("AWS_S3_SEGMENTS_BUCKET", "wingman-interview-videos"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Transcription: TranscriptionConfig{
			BaseURL:          getEnv("TRANSCRIPTION_BASE_URL", "http://localhost:9090"),
			RequestTimeout:   getEnvDuration("TRANSCRIPTION_REQUEST_TIMEOUT", 10*time.Second),
			MaxRetries:       getEnvInt("TRANSCRIPTION_MAX_RETRIES", 2),
			FinalizeAttempts: getEnvInt("TRANSCRIPTION_FINALIZE_ATTEMPTS", 3),
			FinalizeDelay:    getEnvDuration("TRANSCRIPTION_FINALIZE_DELAY", 2*time.Second),
		},
		Analysis: AnalysisConfig{
			BaseURL:         getEnv("ANALYSIS_BASE_URL", "http://localhost:9091"),
			TriggerRetries:  getEnvInt("ANALYSIS_TRIGGER_RETRIES", 3),
			TriggerDelay:    getEnvDuration("ANALYSIS_TRIGGER_DELAY", 5*time.Second),
			PollBase:        getEnvDuration("ANALYSIS_POLL_BASE", 10*time.Second),
			PollMultiplier:  getEnvFloat("ANALYSIS_POLL_MULTIPLIER", 1.5),
			PollCap:         getEnvDuration("ANALYSIS_POLL_CAP", 30*time.Second),
			PollCeiling:     getEnvDuration("ANALYSIS_POLL_CEILING", 10*time.Minute),
			StallTimeout:    getEnvDuration("ANALYSIS_STALL_TIMEOUT", 30*time.Second),
			UploadThreshold: getEnvInt64("ANALYSIS_UPLOAD_THRESHOLD_BYTES", 20*1024*1024),
		},
		Streaming: StreamingConfig{
			ChunkInterval: getEnvDuration("STREAM_CHUNK_INTERVAL", 2*time.Second),
			StopGrace:     getEnvDuration("STREAM_STOP_GRACE", time.Second),
			MediaFormats:  splitTrim(getEnv("STREAM_MEDIA_FORMATS", "audio/webm;codecs=opus,audio/webm,audio/ogg;codecs=opus"), ","),
		},
		Kafka: KafkaConfig{
			Brokers:         splitTrim(getEnv("KAFKA_BROKERS", ""), ","),
			TopicTranscript: getEnv("KAFKA_TOPIC_TRANSCRIPT", "interview.transcript.final"),
			TopicAnalysis:   getEnv("KAFKA_TOPIC_ANALYSIS", "interview.analysis.completed"),
			Enabled:         getEnv("KAFKA_ENABLED", "false") == "true",
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}
