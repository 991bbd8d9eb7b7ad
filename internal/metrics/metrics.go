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

package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsTotal        *prometheus.CounterVec
	chunkDuration    *prometheus.HistogramVec
	tokensProcessed  prometheus.Counter
	modelLoads       *prometheus.CounterVec
	modelLoadSeconds prometheus.Histogram
	webhookAttempts  *prometheus.CounterVec
	deadLetters      prometheus.Counter
	admissionRejects *prometheus.CounterVec
	queueDepth       prometheus.Gauge
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncJobTerminal records a job reaching a terminal status.
func IncJobTerminal(status string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobsTotal != nil {
		jobsTotal.WithLabelValues(sanitizeLabel(status, "unknown")).Inc()
	}
}

// ObserveChunk records a chunk's inference duration and token throughput.
func ObserveChunk(model string, duration time.Duration, tokens int64) {
	mu.RLock()
	defer mu.RUnlock()
	if chunkDuration != nil {
		chunkDuration.WithLabelValues(sanitizeLabel(model, "unknown")).Observe(durationSeconds(duration))
	}
	if tokensProcessed != nil && tokens > 0 {
		tokensProcessed.Add(float64(tokens))
	}
}

// ObserveModelLoad records a model load attempt and its duration.
func ObserveModelLoad(model string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	mu.RLock()
	defer mu.RUnlock()
	if modelLoads != nil {
		modelLoads.WithLabelValues(sanitizeLabel(model, "unknown"), outcome).Inc()
	}
	if modelLoadSeconds != nil && err == nil {
		modelLoadSeconds.Observe(durationSeconds(duration))
	}
}

// IncWebhookAttempt records one webhook delivery attempt by outcome
// ("sent", "retryable", "exhausted").
func IncWebhookAttempt(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if webhookAttempts != nil {
		webhookAttempts.WithLabelValues(sanitizeLabel(outcome, "unknown")).Inc()
	}
}

// IncDeadLetter records a webhook delivery moved to the dead-letter table.
func IncDeadLetter() {
	mu.RLock()
	defer mu.RUnlock()
	if deadLetters != nil {
		deadLetters.Inc()
	}
}

// IncAdmissionReject records a rejected intake by reason
// ("queue_full", "too_many_requests", "gpu_unhealthy", "invalid_jsonl").
func IncAdmissionReject(reason string) {
	mu.RLock()
	defer mu.RUnlock()
	if admissionRejects != nil {
		admissionRejects.WithLabelValues(sanitizeLabel(reason, "unknown")).Inc()
	}
}

// SetQueueDepth publishes the current count of active jobs.
func SetQueueDepth(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if queueDepth != nil {
		queueDepth.Set(float64(n))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batchd",
		Name:      "jobs_total",
		Help:      "Jobs reaching a terminal status, grouped by status.",
	}, []string{"status"})

	chunks := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "batchd",
		Name:      "chunk_duration_seconds",
		Help:      "Inference duration per chunk, by model.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"model"})

	tokens := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "batchd",
		Name:      "tokens_processed_total",
		Help:      "Total tokens processed across all chunks.",
	})

	loads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batchd",
		Name:      "model_loads_total",
		Help:      "Model load attempts by model and outcome.",
	}, []string{"model", "outcome"})

	loadSeconds := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "batchd",
		Name:      "model_load_duration_seconds",
		Help:      "Duration of successful model loads.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
	})

	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batchd",
		Name:      "webhook_attempts_total",
		Help:      "Webhook delivery attempts by outcome.",
	}, []string{"outcome"})

	dead := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "batchd",
		Name:      "webhook_dead_letters_total",
		Help:      "Webhook deliveries moved to the dead-letter table.",
	})

	rejects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batchd",
		Name:      "admission_rejects_total",
		Help:      "Intake rejections by reason.",
	}, []string{"reason"})

	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "batchd",
		Name:      "queue_depth",
		Help:      "Jobs currently in validating, in_progress, or finalizing.",
	})

	registry.MustRegister(jobs, chunks, tokens, loads, loadSeconds, webhooks, dead, rejects, depth)

	reg = registry
	jobsTotal = jobs
	chunkDuration = chunks
	tokensProcessed = tokens
	modelLoads = loads
	modelLoadSeconds = loadSeconds
	webhookAttempts = webhooks
	deadLetters = dead
	admissionRejects = rejects
	queueDepth = depth
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' || r == '/' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
