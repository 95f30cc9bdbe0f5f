package config

import (
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	Env     string
	Pool    PoolConfig
	Payload PayloadConfig
}

type PoolConfig struct {
	MinWorkers  int
	MaxWorkers  int
	IdleTimeout time.Duration
	JoinTimeout time.Duration
	// WorkerCommand is the argv used to launch worker processes.
	WorkerCommand []string
}

type PayloadConfig struct {
	// Dir holds spilled payloads for the file backend.
	Dir string
	// SpillThreshold is the max inline IPC payload in bytes.
	SpillThreshold int
	// MaxAge bounds orphaned payload lifetime.
	MaxAge time.Duration

	S3 S3Config
}

type S3Config struct {
	Enabled   bool
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	port := flag.String("port", ":8090", "server port")
	flag.Parse()

	if envPort := os.Getenv("PORT"); envPort != "" {
		if strings.HasPrefix(envPort, ":") {
			*port = envPort
		} else {
			*port = ":" + envPort
		}
	}

	env := strings.TrimSpace(os.Getenv("APP_ENV"))
	if env == "" {
		env = "local"
	}

	return &Config{
		Port:    *port,
		Env:     env,
		Pool:    loadPoolConfig(),
		Payload: loadPayloadConfig(),
	}, nil
}

func loadPoolConfig() PoolConfig {
	workerCmd := strings.TrimSpace(os.Getenv("REACTOR_WORKER_CMD"))
	if workerCmd == "" {
		// Default to the worker binary next to the server binary.
		if exe, err := os.Executable(); err == nil {
			workerCmd = filepath.Join(filepath.Dir(exe), "reactor-worker")
		} else {
			workerCmd = "reactor-worker"
		}
	}
	return PoolConfig{
		MinWorkers:    envInt("REACTOR_POOL_MIN_WORKERS", 1),
		MaxWorkers:    envInt("REACTOR_POOL_MAX_WORKERS", 4),
		IdleTimeout:   envDuration("REACTOR_POOL_IDLE_TIMEOUT", 2*time.Second),
		JoinTimeout:   envDuration("REACTOR_POOL_JOIN_TIMEOUT", 30*time.Second),
		WorkerCommand: strings.Fields(workerCmd),
	}
}

func loadPayloadConfig() PayloadConfig {
	dir := strings.TrimSpace(os.Getenv("REACTOR_PAYLOAD_DIR"))
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "reactor-payloads")
	}
	return PayloadConfig{
		Dir:            dir,
		SpillThreshold: envInt("REACTOR_PAYLOAD_THRESHOLD", 256*1024),
		MaxAge:         envDuration("REACTOR_PAYLOAD_MAX_AGE", time.Hour),
		S3:             loadS3Config(),
	}
}

func loadS3Config() S3Config {
	endpoint := strings.TrimSpace(os.Getenv("REACTOR_PAYLOAD_S3_ENDPOINT"))
	return S3Config{
		Enabled:   endpoint != "",
		Endpoint:  endpoint,
		Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("REACTOR_PAYLOAD_S3_REGION")), "us-east-1"),
		AccessKey: firstNonEmpty(strings.TrimSpace(os.Getenv("REACTOR_PAYLOAD_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))),
		SecretKey: firstNonEmpty(strings.TrimSpace(os.Getenv("REACTOR_PAYLOAD_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD"))),
		Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("REACTOR_PAYLOAD_S3_BUCKET")), "reactor-payloads"),
		UseSSL:    envBool("REACTOR_PAYLOAD_S3_USE_SSL", false),
	}
}

func envInt(name string, fallback int) int {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envDuration(name string, fallback time.Duration) time.Duration {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func envBool(name string, fallback bool) bool {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		if b, err := strconv.ParseBool(raw); err == nil {
			return b
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
