package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Env      string
	HTTPAddr string
	WSAddr   string

	DatabaseURL   string
	DBMaxConns    int
	MigrationsDir string

	MinioEndpoint string
	MinioUser     string
	MinioPassword string
	MinioUseSSL   bool

	SnapshotBucket   string
	AttachmentBucket string

	RedisAddr string
	RedisDB   int

	AuthServiceURL string
	JWTSecret      string

	AllowedOrigins string

	SnapshotThreshold int
	WorkerInterval    time.Duration
	SnapshotSizeLimit int64
	Debounce          time.Duration
	MaxDebounce       time.Duration
	PingInterval      time.Duration

	RateLimitRPS   float64
	RateLimitBurst int

	// SMTP Configuration
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string

	BaseURL string
}

func Load() Config {
	return Config{
		Env:      getenv("ENV", "development"),
		HTTPAddr: fmt.Sprintf(":%d", getenvInt("PORT", 3000)),
		WSAddr:   fmt.Sprintf(":%d", getenvInt("HOCUSPOCUS_PORT", 1234)),

		DatabaseURL:   databaseURL(),
		DBMaxConns:    getenvInt("DB_MAX_CONNS", 20),
		MigrationsDir: getenv("MIGRATIONS_DIR", "./db/migrations"),

		MinioEndpoint: getenv("MINIO_HOST", "localhost") + ":" + getenv("MINIO_PORT", "9000"),
		MinioUser:     getenv("MINIO_USER", "minioadmin"),
		MinioPassword: getenv("MINIO_PASSWORD", "minioadmin"),
		MinioUseSSL:   getenvBool("MINIO_USE_SSL", false),

		SnapshotBucket:   getenv("MINIO_SNAPSHOT_BUCKET", "crdt-snapshots"),
		AttachmentBucket: getenv("MINIO_ATTACHMENT_BUCKET", "attachments"),

		RedisAddr: getenv("REDIS_HOST", "localhost") + ":" + getenv("REDIS_PORT", "6379"),
		RedisDB:   getenvInt("REDIS_DB", 0),

		AuthServiceURL: strings.TrimRight(getenv("AUTH_SERVICE_URL", ""), "/"),
		JWTSecret:      getenv("JWT_SECRET", ""),

		AllowedOrigins: getenv("ALLOWED_ORIGINS", "*"),

		SnapshotThreshold: getenvInt("SNAPSHOT_THRESHOLD_UPDATES", 200),
		WorkerInterval:    time.Duration(getenvInt("SNAPSHOT_WORKER_INTERVAL_MS", 30000)) * time.Millisecond,
		SnapshotSizeLimit: int64(getenvInt("SNAPSHOT_SIZE_LIMIT_MB", 5)) * 1024 * 1024,
		Debounce:          time.Duration(getenvInt("HOCUSPOCUS_DEBOUNCE", 2000)) * time.Millisecond,
		MaxDebounce:       time.Duration(getenvInt("HOCUSPOCUS_MAX_DEBOUNCE", 10000)) * time.Millisecond,
		PingInterval:      time.Duration(getenvInt("HOCUSPOCUS_TIMEOUT", 30000)) * time.Millisecond,

		RateLimitRPS:   float64(getenvInt("RATE_LIMIT_RPS", 50)),
		RateLimitBurst: getenvInt("RATE_LIMIT_BURST", 100),

		// SMTP - empty by default, share emails disabled if not configured
		SMTPHost:     getenv("SMTP_HOST", ""),
		SMTPPort:     getenv("SMTP_PORT", "587"),
		SMTPUsername: getenv("SMTP_USERNAME", ""),
		SMTPPassword: getenv("SMTP_PASSWORD", ""),
		SMTPFrom:     getenv("SMTP_FROM", ""),
		SMTPFromName: getenv("SMTP_FROM_NAME", "Inkwell"),

		BaseURL: getenv("BASE_URL", "http://localhost:3000"),
	}
}

func (c Config) Production() bool {
	return c.Env == "production"
}

func databaseURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		getenv("DB_USER", "inkwell"),
		getenv("DB_PASSWORD", "inkwell"),
		getenv("DB_HOST", "localhost"),
		getenv("DB_PORT", "5432"),
		getenv("DB_NAME", "inkwell"),
	)
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
