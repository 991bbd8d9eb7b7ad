// Batchd is a batch inference job control plane.
// Copyright (C) 2026 Batchd Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config loads runtime configuration from environment variables
// with defaults matching the documented recognized options. Flags layered
// on top are wired in cmd/batchd.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds runtime configuration for the batchd process.
type Config struct {
	HTTPAddr  string // BATCHD_HTTP_ADDR
	DBPath    string // DB_PATH
	DataDir   string // DATA_DIR: input/output JSONL files live under here
	LogLevel  string // LOG_LEVEL: info|debug

	// Scheduler
	PollInterval time.Duration // POLL_INTERVAL_S

	// Runner
	ChunkSize   int     // CHUNK_SIZE
	Temperature float64 // SAMPLING_TEMPERATURE
	TopP        float64 // SAMPLING_TOP_P
	MaxTokens   int     // SAMPLING_MAX_TOKENS

	// Inference backend and GPU probe
	InferenceURL     string        // INFERENCE_URL: OpenAI-compatible completion server
	InferenceTimeout time.Duration // INFERENCE_TIMEOUT_S: per-chunk request timeout
	NvidiaSMIPath    string        // NVIDIA_SMI_PATH: empty disables the probe

	// Admission gates
	MaxRequestsPerJob      int     // MAX_REQUESTS_PER_JOB
	MaxQueueDepth          int     // MAX_QUEUE_DEPTH
	MaxTotalQueuedRequests int64   // MAX_TOTAL_QUEUED_REQUESTS
	GPUMemoryThreshold     float64 // GPU_MEMORY_THRESHOLD
	GPUTempThreshold       float64 // GPU_TEMP_THRESHOLD

	// Webhooks
	WebhookMaxRetries int           // WEBHOOK_MAX_RETRIES
	WebhookTimeout    time.Duration // WEBHOOK_TIMEOUT_S
	WebhookSecret     string        // WEBHOOK_SECRET (do not log value)

	CompletionWindow string // COMPLETION_WINDOW_DEFAULT

	// Rate limiting for mutating API endpoints.
	RateLimitPerMinute int // RATE_LIMIT_PER_MINUTE (0 disables)
}

// Default returns defaults aligned with the recognized options.
func Default() Config {
	return Config{
		HTTPAddr:               ":8080",
		DBPath:                 "./batchd.db",
		DataDir:                "./data/batches",
		LogLevel:               "info",
		PollInterval:           10 * time.Second,
		ChunkSize:              5000,
		Temperature:            0.7,
		TopP:                   0.9,
		MaxTokens:              1024,
		InferenceURL:           "http://127.0.0.1:8000",
		InferenceTimeout:       10 * time.Minute,
		NvidiaSMIPath:          "nvidia-smi",
		MaxRequestsPerJob:      50000,
		MaxQueueDepth:          20,
		MaxTotalQueuedRequests: 1_000_000,
		GPUMemoryThreshold:     95.0,
		GPUTempThreshold:       85.0,
		WebhookMaxRetries:      3,
		WebhookTimeout:         30 * time.Second,
		WebhookSecret:          "",
		CompletionWindow:       "24h",
		RateLimitPerMinute:     60,
	}
}

// FromEnv seeds a Config from environment variables on top of defaults.
func FromEnv() (Config, error) {
	cfg := Default()

	cfg.HTTPAddr = getenv("BATCHD_HTTP_ADDR", cfg.HTTPAddr)
	cfg.DBPath = getenv("DB_PATH", cfg.DBPath)
	cfg.DataDir = getenv("DATA_DIR", cfg.DataDir)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.WebhookSecret = getenv("WEBHOOK_SECRET", cfg.WebhookSecret)
	cfg.CompletionWindow = getenv("COMPLETION_WINDOW_DEFAULT", cfg.CompletionWindow)
	cfg.InferenceURL = getenv("INFERENCE_URL", cfg.InferenceURL)
	cfg.NvidiaSMIPath = getenv("NVIDIA_SMI_PATH", cfg.NvidiaSMIPath)

	var err error
	if cfg.PollInterval, err = getenvSeconds("POLL_INTERVAL_S", cfg.PollInterval); err != nil {
		return cfg, err
	}
	if cfg.ChunkSize, err = getenvInt("CHUNK_SIZE", cfg.ChunkSize); err != nil {
		return cfg, err
	}
	if cfg.MaxRequestsPerJob, err = getenvInt("MAX_REQUESTS_PER_JOB", cfg.MaxRequestsPerJob); err != nil {
		return cfg, err
	}
	if cfg.MaxQueueDepth, err = getenvInt("MAX_QUEUE_DEPTH", cfg.MaxQueueDepth); err != nil {
		return cfg, err
	}
	if v := os.Getenv("MAX_TOTAL_QUEUED_REQUESTS"); v != "" {
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			return cfg, fmt.Errorf("invalid MAX_TOTAL_QUEUED_REQUESTS: %w", perr)
		}
		cfg.MaxTotalQueuedRequests = n
	}
	if cfg.GPUMemoryThreshold, err = getenvFloat("GPU_MEMORY_THRESHOLD", cfg.GPUMemoryThreshold); err != nil {
		return cfg, err
	}
	if cfg.GPUTempThreshold, err = getenvFloat("GPU_TEMP_THRESHOLD", cfg.GPUTempThreshold); err != nil {
		return cfg, err
	}
	if cfg.WebhookMaxRetries, err = getenvInt("WEBHOOK_MAX_RETRIES", cfg.WebhookMaxRetries); err != nil {
		return cfg, err
	}
	if cfg.WebhookTimeout, err = getenvSeconds("WEBHOOK_TIMEOUT_S", cfg.WebhookTimeout); err != nil {
		return cfg, err
	}
	if cfg.RateLimitPerMinute, err = getenvInt("RATE_LIMIT_PER_MINUTE", cfg.RateLimitPerMinute); err != nil {
		return cfg, err
	}
	if cfg.Temperature, err = getenvFloat("SAMPLING_TEMPERATURE", cfg.Temperature); err != nil {
		return cfg, err
	}
	if cfg.TopP, err = getenvFloat("SAMPLING_TOP_P", cfg.TopP); err != nil {
		return cfg, err
	}
	if cfg.MaxTokens, err = getenvInt("SAMPLING_MAX_TOKENS", cfg.MaxTokens); err != nil {
		return cfg, err
	}
	if cfg.InferenceTimeout, err = getenvSeconds("INFERENCE_TIMEOUT_S", cfg.InferenceTimeout); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks bounds on the configuration.
func (c *Config) Validate() error {
	if c.PollInterval < time.Second {
		return fmt.Errorf("POLL_INTERVAL_S must be at least 1 second")
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("CHUNK_SIZE must be positive")
	}
	if c.MaxRequestsPerJob < 1 {
		return fmt.Errorf("MAX_REQUESTS_PER_JOB must be positive")
	}
	if c.MaxQueueDepth < 1 {
		return fmt.Errorf("MAX_QUEUE_DEPTH must be positive")
	}
	if c.MaxTotalQueuedRequests < int64(c.MaxRequestsPerJob) {
		return fmt.Errorf("MAX_TOTAL_QUEUED_REQUESTS must be at least MAX_REQUESTS_PER_JOB")
	}
	if c.GPUMemoryThreshold <= 0 || c.GPUMemoryThreshold > 100 {
		return fmt.Errorf("GPU_MEMORY_THRESHOLD must be in (0, 100]")
	}
	if c.GPUTempThreshold <= 0 {
		return fmt.Errorf("GPU_TEMP_THRESHOLD must be positive")
	}
	if c.WebhookMaxRetries < 1 {
		return fmt.Errorf("WEBHOOK_MAX_RETRIES must be at least 1")
	}
	if c.WebhookTimeout < time.Second {
		return fmt.Errorf("WEBHOOK_TIMEOUT_S must be at least 1 second")
	}
	if _, err := time.ParseDuration(c.CompletionWindow); err != nil {
		return fmt.Errorf("invalid COMPLETION_WINDOW_DEFAULT: %w", err)
	}
	if c.InferenceURL == "" {
		return fmt.Errorf("INFERENCE_URL must be set")
	}
	if c.InferenceTimeout < time.Second {
		return fmt.Errorf("INFERENCE_TIMEOUT_S must be at least 1 second")
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}
	return i, nil
}

func getenvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getenvSeconds(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(n) * time.Second, nil
}
