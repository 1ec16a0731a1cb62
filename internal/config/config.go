// Package config centralizes the orchestrator's environment-variable
// surface into one typed struct loaded at startup, replacing scattered
// os.Getenv/getEnvDefault calls with a single explicit dependency.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully resolved process configuration.
type Config struct {
	// HTTP
	ListenAddr string

	// Storage
	DataDir string

	// Fingerprinting (C1)
	SampleSizeBuckets []int

	// Cache (C4)
	CacheTTL              time.Duration
	MinCacheReuseSamples  int

	// Dispatcher / credentials (C5)
	CredentialEnvelopeTTL time.Duration

	// Queue / lease (C6)
	LeaseTTL time.Duration

	// Worker (C7)
	WorkerConcurrency int
	TaskMaxDuration   time.Duration
	CancelLatencyBound time.Duration
	ProgressMinInterval time.Duration

	// Queue adapter backend selection: "memory" or "nats"
	QueueBackend string
	NATSURL      string

	// Credential envelope signer
	JWTSigningKey string

	// Maintenance
	MaintenanceCronExpr string

	// Observability
	ServiceName string
	JSONLog     bool
	LogLevel    string
	OTLPEndpoint string
}

// Load reads every recognized environment variable, applying the defaults
// named in the external-interfaces configuration surface.
func Load() (*Config, error) {
	c := &Config{
		ListenAddr:            getEnv("EVALORC_LISTEN_ADDR", ":8080"),
		DataDir:               getEnv("EVALORC_DATA_DIR", "./data"),
		CacheTTL:              getDuration("EVALORC_CACHE_TTL", 24*time.Hour),
		MinCacheReuseSamples:  getInt("EVALORC_MIN_CACHE_REUSE_SAMPLES", 25),
		CredentialEnvelopeTTL: getDuration("EVALORC_CREDENTIAL_ENVELOPE_TTL", 15*time.Minute),
		LeaseTTL:              getDuration("EVALORC_LEASE_TTL", 30*time.Second),
		WorkerConcurrency:     getInt("EVALORC_WORKER_CONCURRENCY", 4),
		TaskMaxDuration:       getDuration("EVALORC_TASK_MAX_DURATION", 30*time.Minute),
		CancelLatencyBound:    getDuration("EVALORC_CANCEL_LATENCY_BOUND", 5*time.Second),
		ProgressMinInterval:   getDuration("EVALORC_PROGRESS_MIN_INTERVAL", 500*time.Millisecond),
		QueueBackend:          getEnv("EVALORC_QUEUE_BACKEND", "memory"),
		NATSURL:               getEnv("EVALORC_NATS_URL", "nats://127.0.0.1:4222"),
		JWTSigningKey:         getEnv("EVALORC_JWT_SIGNING_KEY", "dev-signing-key-change-me"),
		MaintenanceCronExpr:   getEnv("EVALORC_MAINTENANCE_CRON", ""),
		ServiceName:           getEnv("EVALORC_SERVICE_NAME", "evalorc"),
		JSONLog:               getBool("EVALORC_JSON_LOG", false),
		LogLevel:              getEnv("EVALORC_LOG_LEVEL", "info"),
		OTLPEndpoint:          getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}

	buckets, err := parseBuckets(getEnv("EVALORC_SAMPLE_SIZE_BUCKETS", "10,25,50,100,250,500,1000"))
	if err != nil {
		return nil, fmt.Errorf("parse EVALORC_SAMPLE_SIZE_BUCKETS: %w", err)
	}
	c.SampleSizeBuckets = buckets

	if c.QueueBackend != "memory" && c.QueueBackend != "nats" {
		return nil, fmt.Errorf("invalid EVALORC_QUEUE_BACKEND %q: must be memory or nats", c.QueueBackend)
	}

	return c, nil
}

func parseBuckets(raw string) ([]int, error) {
	parts := strings.Split(raw, ",")
	buckets := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("bucket %q: %w", p, err)
		}
		buckets = append(buckets, n)
	}
	if len(buckets) == 0 {
		return nil, fmt.Errorf("no buckets specified")
	}
	return buckets, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
