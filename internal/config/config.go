package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	CoreDatabaseURL string
	TemporalAddress string
	HTTPListenAddr  string
	MetricsAddr     string
	LogLevel        string
	ServiceName     string

	// BillingWebhookSecret is the shared secret for validating inbound
	// billing webhook signatures.
	BillingWebhookSecret string

	// DockerHost is the container runtime endpoint used to deploy instance
	// workloads and auto-scaled pool servers.
	DockerHost    string
	InstanceImage string
	DbServerImage string
	DockerNetwork string

	// ExternalHost is the hostname advertised in instance endpoints for
	// ports published by the container runtime.
	ExternalHost string

	// Pool sizing and health monitoring.
	PoolMaxInstances       int
	PoolSpareThreshold     int
	HealthFailureThreshold int
	ReadinessTimeoutSecs   int

	// NotifyWebhookURL receives fire-and-forget lifecycle notifications.
	NotifyWebhookURL string

	// TiersFile optionally overrides the built-in resource tier catalog.
	TiersFile string

	// Migration dumps are staged in S3-compatible object storage.
	DumpBucket   string
	S3Endpoint   string
	S3AccessKey  string
	S3SecretKey  string
}

func Load() (*Config, error) {
	cfg := &Config{
		CoreDatabaseURL:        getEnv("CORE_DATABASE_URL", ""),
		TemporalAddress:        getEnv("TEMPORAL_ADDRESS", "localhost:7233"),
		HTTPListenAddr:         getEnv("HTTP_LISTEN_ADDR", ":8090"),
		MetricsAddr:            getEnv("METRICS_ADDR", ""),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		ServiceName:            getEnv("SERVICE_NAME", ""),
		BillingWebhookSecret:   getEnv("BILLING_WEBHOOK_SECRET", ""),
		DockerHost:             getEnv("DOCKER_HOST", "unix:///var/run/docker.sock"),
		InstanceImage:          getEnv("INSTANCE_IMAGE", "registry.localhost:5000/app-instance:latest"),
		DbServerImage:          getEnv("DB_SERVER_IMAGE", "postgres:17"),
		DockerNetwork:          getEnv("DOCKER_NETWORK", "controlplane_default"),
		ExternalHost:           getEnv("EXTERNAL_HOST", "localhost"),
		PoolMaxInstances:       getEnvInt("POOL_MAX_INSTANCES", 50),
		PoolSpareThreshold:     getEnvInt("POOL_SPARE_THRESHOLD", 5),
		HealthFailureThreshold: getEnvInt("HEALTH_FAILURE_THRESHOLD", 3),
		ReadinessTimeoutSecs:   getEnvInt("READINESS_TIMEOUT_SECS", 300),
		NotifyWebhookURL:       getEnv("NOTIFY_WEBHOOK_URL", ""),
		TiersFile:              getEnv("TIERS_FILE", ""),
		DumpBucket:             getEnv("DUMP_BUCKET", "instance-dumps"),
		S3Endpoint:             getEnv("S3_ENDPOINT", ""),
		S3AccessKey:            getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:            getEnv("S3_SECRET_KEY", ""),
	}

	return cfg, nil
}

// Validate checks that the config has everything the given service needs.
func (c *Config) Validate(service string) error {
	if c.CoreDatabaseURL == "" {
		return fmt.Errorf("%s: CORE_DATABASE_URL is required", service)
	}
	switch service {
	case "core-api":
		if c.BillingWebhookSecret == "" {
			return fmt.Errorf("core-api: BILLING_WEBHOOK_SECRET is required")
		}
	case "worker":
		if c.DockerHost == "" {
			return fmt.Errorf("worker: DOCKER_HOST is required")
		}
	}
	return nil
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
