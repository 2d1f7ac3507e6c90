// Package config loads engine configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every recognized engine option.
type Config struct {
	Port     string
	LogLevel string
	DataDir  string

	// Ingestion gates
	SchemaAcceptMajors []uint64
	SkewPast           time.Duration
	SkewFuture         time.Duration

	// Adaptive baselines
	WindowSize         int
	MinSamples         int
	AdaptationRate     float64
	DeviationThreshold float64

	// Resource detection
	SustainedWindow int

	// Cycle execution
	Phase1Workers         int
	Phase1Deadline        time.Duration
	CycleEventLimit       int
	CycleMetricLimit      int
	CausalWindowSeconds   float64
	RiskWeightWorkflow    float64
	RiskWeightResource    float64
	RiskWeightCompliance  float64
	CycleInterval         time.Duration // 0 disables the periodic tick
	PolicyPackPath        string        // empty = embedded default pack
	BaselineSnapshotEvery time.Duration

	// Rate limiting: in-process by default, Redis-backed when RedisAddr set.
	IngestRatePerSecond float64
	IngestBurst         int
	RedisAddr           string
	RedisPassword       string
	RedisDB             int

	// HTTP auth; empty secret disables the middleware.
	AuthJWTSecret string

	// Telemetry
	OTLPEndpoint     string
	TelemetryEnabled bool
}

// Load reads configuration from environment variables, applying the
// documented defaults for anything unset.
func Load() *Config {
	return &Config{
		Port:     envStr("PORT", "8080"),
		LogLevel: envStr("LOG_LEVEL", "INFO"),
		DataDir:  envStr("DATA_DIR", "./data"),

		SchemaAcceptMajors: envMajors("SCHEMA_ACCEPT_MAJORS", []uint64{1}),
		SkewPast:           envDuration("SKEW_PAST", 24*time.Hour),
		SkewFuture:         envDuration("SKEW_FUTURE", 5*time.Minute),

		WindowSize:         envInt("WINDOW_SIZE", 50),
		MinSamples:         envInt("MIN_SAMPLES", 10),
		AdaptationRate:     envFloat("ADAPTATION_RATE", 0.1),
		DeviationThreshold: envFloat("DEVIATION_THRESHOLD", 2.5),

		SustainedWindow: envInt("SUSTAINED_WINDOW", 3),

		Phase1Workers:         envInt("PHASE1_WORKERS", 4),
		Phase1Deadline:        envDuration("PHASE1_DEADLINE", 5*time.Second),
		CycleEventLimit:       envInt("CYCLE_OBSERVATION_EVENT_LIMIT", 100),
		CycleMetricLimit:      envInt("CYCLE_OBSERVATION_METRIC_LIMIT", 100),
		CausalWindowSeconds:   envFloat("CAUSAL_WINDOW_SECONDS", 60),
		RiskWeightWorkflow:    envFloat("RISK_WEIGHT_WORKFLOW", 0.35),
		RiskWeightResource:    envFloat("RISK_WEIGHT_RESOURCE", 0.35),
		RiskWeightCompliance:  envFloat("RISK_WEIGHT_COMPLIANCE", 0.30),
		CycleInterval:         envDuration("CYCLE_INTERVAL", 0),
		PolicyPackPath:        os.Getenv("POLICY_PACK_PATH"),
		BaselineSnapshotEvery: envDuration("BASELINE_SNAPSHOT_EVERY", 5*time.Minute),

		IngestRatePerSecond: envFloat("INGEST_RATE_PER_SECOND", 100),
		IngestBurst:         envInt("INGEST_BURST", 200),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             envInt("REDIS_DB", 0),

		AuthJWTSecret: os.Getenv("AUTH_JWT_SECRET"),

		OTLPEndpoint:     envStr("OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: os.Getenv("TELEMETRY_ENABLED") == "true",
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// envMajors parses a comma-separated list of accepted schema major
// versions, e.g. "1,2".
func envMajors(key string, def []uint64) []uint64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var majors []uint64
	for _, part := range strings.Split(v, ",") {
		if n, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64); err == nil {
			majors = append(majors, n)
		}
	}
	if len(majors) == 0 {
		return def
	}
	return majors
}
