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

// Package webhook delivers terminal-job notifications over HTTP, signing
// each body with HMAC-SHA256 and retrying with exponential backoff.
// Permanently undeliverable payloads land in the dead-letter table, from
// which an operator can trigger redelivery.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"batchd/internal/metrics"
	"batchd/pkg/batch"
)

// Store is the persistence surface the dispatcher needs.
type Store interface {
	GetJob(ctx context.Context, id string) (*batch.Job, error)
	UpdateWebhookDelivery(ctx context.Context, id string, status batch.WebhookStatus, attempts int, lastAttempt int64, deliveryErr string) error
	EnqueueDeadLetter(ctx context.Context, dl *batch.DeadLetter) error
	GetDeadLetter(ctx context.Context, id int64) (*batch.DeadLetter, error)
	MarkDeadLetterRetry(ctx context.Context, id int64, success bool, now time.Time) error
}

// Config sets delivery defaults; jobs may override retries and timeout.
type Config struct {
	Secret     string
	MaxRetries int
	Timeout    time.Duration
}

// Dispatcher sends webhook notifications in background goroutines, one
// per job. Attempts for a single job are serialized; jobs interleave.
type Dispatcher struct {
	store  Store
	client *http.Client
	cfg    Config
	logger *log.Logger
	now    func() time.Time
	sleep  func(time.Duration)
	wg     sync.WaitGroup
}

// New constructs a Dispatcher.
func New(st Store, cfg Config, logger *log.Logger) *Dispatcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Dispatcher{
		store:  st,
		client: &http.Client{},
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		sleep:  time.Sleep,
	}
}

// SetNow overrides the clock for tests.
func (d *Dispatcher) SetNow(now func() time.Time) { d.now = now }

// SetSleep overrides the backoff sleep for tests.
func (d *Dispatcher) SetSleep(sleep func(time.Duration)) { d.sleep = sleep }

func (d *Dispatcher) logf(format string, args ...any) {
	if d.logger != nil {
		d.logger.Printf("[webhook] "+format, args...)
	}
}

// Notify schedules delivery for a terminal job. It returns immediately;
// delivery runs in the background.
func (d *Dispatcher) Notify(jobID string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(context.Background(), jobID)
	}()
}

// Wait blocks until all in-flight deliveries finish. Used at shutdown.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) deliver(ctx context.Context, jobID string) {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		d.logf("job %s: load failed: %v", jobID, err)
		return
	}
	if job.Webhook.URL == "" || !wantsEvent(job.Webhook.Events, job.Status) {
		return
	}

	payload, err := d.Payload(job)
	if err != nil {
		d.logf("job %s: payload build failed: %v", jobID, err)
		return
	}

	maxRetries := job.Webhook.MaxRetries
	if maxRetries <= 0 {
		maxRetries = d.cfg.MaxRetries
	}
	timeout := job.Webhook.Timeout
	if timeout <= 0 {
		timeout = d.cfg.Timeout
	}

	var lastErr string
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := d.attempt(ctx, job, payload, timeout)
		now := d.now().Unix()
		if err == nil {
			metrics.IncWebhookAttempt("sent")
			if uerr := d.store.UpdateWebhookDelivery(ctx, jobID, batch.WebhookSent, attempt, now, ""); uerr != nil {
				d.logf("job %s: record delivery failed: %v", jobID, uerr)
			}
			d.logf("job %s: delivered to %s on attempt %d", jobID, job.Webhook.URL, attempt)
			return
		}

		lastErr = err.Error()
		metrics.IncWebhookAttempt("failed")
		d.logf("job %s: attempt %d/%d failed: %v", jobID, attempt, maxRetries, err)
		if uerr := d.store.UpdateWebhookDelivery(ctx, jobID, "", attempt, now, lastErr); uerr != nil {
			d.logf("job %s: record attempt failed: %v", jobID, uerr)
		}
		if attempt < maxRetries {
			d.sleep(time.Duration(1<<(attempt-1)) * time.Second)
		}
	}

	now := d.now().Unix()
	if err := d.store.UpdateWebhookDelivery(ctx, jobID, batch.WebhookFailed, maxRetries, now, lastErr); err != nil {
		d.logf("job %s: record exhaustion failed: %v", jobID, err)
	}
	dl := &batch.DeadLetter{
		BatchID:       jobID,
		WebhookURL:    job.Webhook.URL,
		Payload:       string(payload),
		ErrorMessage:  lastErr,
		Attempts:      maxRetries,
		LastAttemptAt: now,
		CreatedAt:     now,
	}
	if err := d.store.EnqueueDeadLetter(ctx, dl); err != nil {
		d.logf("job %s: dead-letter insert failed: %v", jobID, err)
		return
	}
	metrics.IncDeadLetter()
	d.logf("job %s: delivery exhausted after %d attempts, dead-lettered id=%d", jobID, maxRetries, dl.ID)
}

// RetryDeadLetter redelivers one dead-letter entry once, recording the
// outcome. The original payload bytes are sent verbatim.
func (d *Dispatcher) RetryDeadLetter(ctx context.Context, id int64) (*batch.DeadLetter, error) {
	dl, err := d.store.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	job, err := d.store.GetJob(ctx, dl.BatchID)
	if err != nil {
		return nil, err
	}

	timeout := job.Webhook.Timeout
	if timeout <= 0 {
		timeout = d.cfg.Timeout
	}
	err = d.post(ctx, dl.WebhookURL, d.secretFor(job), []byte(dl.Payload), timeout)
	success := err == nil
	if success {
		metrics.IncWebhookAttempt("sent")
	} else {
		metrics.IncWebhookAttempt("failed")
		d.logf("dead letter %d: retry failed: %v", id, err)
	}
	if merr := d.store.MarkDeadLetterRetry(ctx, id, success, d.now()); merr != nil {
		return nil, merr
	}
	return d.store.GetDeadLetter(ctx, id)
}

func (d *Dispatcher) attempt(ctx context.Context, job *batch.Job, payload []byte, timeout time.Duration) error {
	return d.post(ctx, job.Webhook.URL, d.secretFor(job), payload, timeout)
}

func (d *Dispatcher) post(ctx context.Context, url, secret string, payload []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(d.now().Unix(), 10))
	if secret != "" {
		sig, err := Sign(secret, payload)
		if err != nil {
			return fmt.Errorf("sign payload: %w", err)
		}
		req.Header.Set(HeaderSignature, sig)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		return nil
	default:
		return fmt.Errorf("receiver returned %d", resp.StatusCode)
	}
}

func (d *Dispatcher) secretFor(job *batch.Job) string {
	if job.Webhook.Secret != "" {
		return job.Webhook.Secret
	}
	return d.cfg.Secret
}

// Payload builds the notification body in canonical (sorted-key) form so
// the bytes on the wire are the bytes that were signed.
func (d *Dispatcher) Payload(job *batch.Job) ([]byte, error) {
	metadata := json.RawMessage("{}")
	if len(job.Metadata) > 0 {
		metadata = job.Metadata
	}
	var outputURL, errorURL any
	if job.Status == batch.StatusCompleted {
		outputURL = "/v1/batches/" + job.ID + "/results"
	}
	if job.RequestCounts.Failed > 0 {
		errorURL = "/v1/batches/" + job.ID + "/errors"
	}
	var completedAt any
	if job.CompletedAt > 0 {
		completedAt = job.CompletedAt
	}

	body := map[string]any{
		"id":           job.ID,
		"object":       "batch",
		"endpoint":     job.Endpoint,
		"status":       string(job.Status),
		"created_at":   job.CreatedAt,
		"completed_at": completedAt,
		"request_counts": map[string]any{
			"total":     job.RequestCounts.Total,
			"completed": job.RequestCounts.Completed,
			"failed":    job.RequestCounts.Failed,
		},
		"metadata":        metadata,
		"output_file_url": outputURL,
		"error_file_url":  errorURL,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return CanonicalJSON(raw)
}

// wantsEvent reports whether the job's event filter covers its terminal
// status. An empty filter means all events.
func wantsEvent(events string, status batch.JobStatus) bool {
	if events == "" {
		return true
	}
	for _, ev := range strings.Split(events, ",") {
		if strings.TrimSpace(ev) == string(status) {
			return true
		}
	}
	return false
}
