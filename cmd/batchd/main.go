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

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"batchd/internal/api"
	"batchd/internal/config"
	"batchd/internal/gpu"
	"batchd/internal/intake"
	"batchd/internal/metrics"
	"batchd/internal/middleware"
	"batchd/internal/model"
	"batchd/internal/runner"
	"batchd/internal/scheduler"
	"batchd/internal/store"
	"batchd/internal/webhook"
	"batchd/pkg/batch"
)

// parseConfig builds the Config from env + flags.
// Flags override environment variables.
func parseConfig() (config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return cfg, err
	}

	flag.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address (env BATCHD_HTTP_ADDR)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite DB path (env DB_PATH)")
	flag.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Batch file directory (env DATA_DIR)")
	flag.StringVar(&cfg.InferenceURL, "inference-url", cfg.InferenceURL, "OpenAI-compatible completion server (env INFERENCE_URL)")
	flag.StringVar(&cfg.NvidiaSMIPath, "nvidia-smi", cfg.NvidiaSMIPath, "nvidia-smi binary path, empty disables the probe (env NVIDIA_SMI_PATH)")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Scheduler poll interval (env POLL_INTERVAL_S, seconds)")
	flag.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "Requests per inference chunk (env CHUNK_SIZE)")
	flag.StringVar(&cfg.WebhookSecret, "webhook-secret", cfg.WebhookSecret, "Webhook HMAC secret (env WEBHOOK_SECRET)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: info|debug (env LOG_LEVEL)")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func redactedSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

func logConfig(cfg config.Config) {
	// Do not log secret values
	log.Printf("batchd configuration:")
	log.Printf("  addr=%s", cfg.HTTPAddr)
	log.Printf("  db=%s", cfg.DBPath)
	log.Printf("  data_dir=%s", cfg.DataDir)
	log.Printf("  inference_url=%s", cfg.InferenceURL)
	log.Printf("  nvidia_smi=%s", cfg.NvidiaSMIPath)
	log.Printf("  poll_interval=%s", cfg.PollInterval)
	log.Printf("  chunk_size=%d", cfg.ChunkSize)
	log.Printf("  max_requests_per_job=%d max_queue_depth=%d max_total_queued=%d",
		cfg.MaxRequestsPerJob, cfg.MaxQueueDepth, cfg.MaxTotalQueuedRequests)
	log.Printf("  gpu_memory_threshold=%.1f gpu_temp_threshold=%.1f",
		cfg.GPUMemoryThreshold, cfg.GPUTempThreshold)
	log.Printf("  webhook_max_retries=%d webhook_timeout=%s webhook_secret=%s",
		cfg.WebhookMaxRetries, cfg.WebhookTimeout, redactedSecret(cfg.WebhookSecret))
	log.Printf("  completion_window=%s", cfg.CompletionWindow)
	log.Printf("  rate_limit_per_minute=%d", cfg.RateLimitPerMinute)
	log.Printf("  log_level=%s", cfg.LogLevel)
}

func newMux(ap *api.API, limiter *middleware.RateLimiter) http.Handler {
	mux := http.NewServeMux()
	ap.Register(mux)
	mux.Handle("/metrics", metrics.Handler())

	var h http.Handler = mux
	if limiter != nil {
		h = limiter.Middleware(h)
	}
	return middleware.SecurityHeaders(middleware.DefaultSecurityHeadersConfig())(h)
}

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC | log.Lmsgprefix)
	log.SetPrefix("[batchd] ")

	cfg, err := parseConfig()
	if err != nil {
		log.Printf("configuration error: %v", err)
		os.Exit(1)
	}
	logConfig(cfg)

	inputDir := filepath.Join(cfg.DataDir, "input")
	outputDir := filepath.Join(cfg.DataDir, "output")
	for _, dir := range []string{inputDir, outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Printf("failed to create %s: %v", dir, err)
			os.Exit(1)
		}
	}

	st, err := store.Open(context.Background(), cfg.DBPath)
	if err != nil {
		log.Printf("failed to open store: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	var probe batch.HealthProbe
	if cfg.NvidiaSMIPath != "" {
		probe = gpu.NewSMIProbe(cfg.NvidiaSMIPath)
	}

	in := intake.New(st, probe, intake.Config{
		InputDir:               inputDir,
		MaxRequestsPerJob:      cfg.MaxRequestsPerJob,
		MaxQueueDepth:          cfg.MaxQueueDepth,
		MaxTotalQueuedRequests: cfg.MaxTotalQueuedRequests,
		GPUMemoryThreshold:     cfg.GPUMemoryThreshold,
		GPUTempThreshold:       cfg.GPUTempThreshold,
		CompletionWindow:       cfg.CompletionWindow,
		WebhookSecret:          cfg.WebhookSecret,
		WebhookMaxRetries:      cfg.WebhookMaxRetries,
		WebhookTimeout:         cfg.WebhookTimeout,
	}, log.Default())

	dispatcher := webhook.New(st, webhook.Config{
		Secret:     cfg.WebhookSecret,
		MaxRetries: cfg.WebhookMaxRetries,
		Timeout:    cfg.WebhookTimeout,
	}, log.Default())

	modelClient := model.New(cfg.InferenceURL, cfg.InferenceTimeout, log.Default())
	run := runner.New(st, modelClient, probe, dispatcher, runner.Config{
		OutputDir: outputDir,
		ChunkSize: cfg.ChunkSize,
		Params: batch.GenerateParams{
			Temperature: cfg.Temperature,
			TopP:        cfg.TopP,
			MaxTokens:   cfg.MaxTokens,
		},
	}, log.Default())

	sched := scheduler.New(st, run, probe, cfg.PollInterval, log.Default())
	schedCtx, schedCancel := context.WithCancel(context.Background())
	go sched.Run(schedCtx)

	ap := api.New(st, in, dispatcher, probe, api.Limits{
		MaxRequestsPerJob:      cfg.MaxRequestsPerJob,
		MaxQueueDepth:          cfg.MaxQueueDepth,
		MaxTotalQueuedRequests: cfg.MaxTotalQueuedRequests,
	}, log.Default())

	var limiter *middleware.RateLimiter
	if cfg.RateLimitPerMinute > 0 {
		rlCfg := middleware.DefaultRateLimitConfig()
		rlCfg.RequestsPerMinute = cfg.RateLimitPerMinute
		rlCfg.Logger = log.Default()
		limiter = middleware.NewRateLimiter(rlCfg)
		defer limiter.Stop()
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newMux(ap, limiter),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute, // uploads can be large
		WriteTimeout:      5 * time.Minute, // result streams can be large
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal: %s, initiating graceful shutdown...", sig)
	case err := <-errCh:
		log.Printf("server error: %v", err)
	}

	// Stop claiming new work; a running job is interrupted at its next
	// chunk boundary and resumes from the output file on restart.
	schedCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	// Let in-flight webhook deliveries drain.
	dispatcher.Wait()
	log.Printf("shutdown complete")
}
