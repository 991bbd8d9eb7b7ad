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

// Package intake validates uploaded JSONL batch files and admits new jobs
// into the queue. Rejections happen before any row is written; a rejected
// upload leaves no file on disk.
package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"batchd/internal/metrics"
	"batchd/pkg/batch"
)

var (
	// ErrQueueFull indicates the active-job admission gate rejected.
	ErrQueueFull = errors.New("queue full")

	// ErrTooManyQueued indicates the queued-request admission gate rejected.
	ErrTooManyQueued = errors.New("too many queued requests")

	// ErrEmptyFile indicates an upload with zero requests.
	ErrEmptyFile = errors.New("file contains no requests")

	// ErrModelRequired indicates a batch submitted without a model.
	ErrModelRequired = errors.New("model is required")
)

// GPUUnhealthyError is returned when the health probe fails admission.
type GPUUnhealthyError struct {
	Health batch.GPUHealth
	Reason string
}

func (e *GPUUnhealthyError) Error() string {
	return fmt.Sprintf("gpu unhealthy: %s", e.Reason)
}

// TooLargeError is returned when an upload exceeds the per-job limit.
type TooLargeError struct {
	Count int
	Max   int
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("file has %d requests, maximum is %d", e.Count, e.Max)
}

// Store is the persistence surface intake needs.
type Store interface {
	CreateFile(ctx context.Context, f *batch.File) error
	GetFile(ctx context.Context, id string) (*batch.File, error)
	CreateJob(ctx context.Context, job *batch.Job) error
	ActiveJobCount(ctx context.Context) (int, error)
	QueuedRequestCount(ctx context.Context) (int64, error)
}

// Config bounds admission and sets webhook defaults for created jobs.
type Config struct {
	InputDir               string
	MaxRequestsPerJob      int
	MaxQueueDepth          int
	MaxTotalQueuedRequests int64
	GPUMemoryThreshold     float64
	GPUTempThreshold       float64
	CompletionWindow       string
	WebhookMaxRetries      int
	WebhookTimeout         time.Duration
	WebhookSecret          string
}

// Intake admits files and jobs into the system.
type Intake struct {
	store  Store
	probe  batch.HealthProbe
	cfg    Config
	logger *log.Logger
	now    func() time.Time
}

// New constructs an Intake. probe may be nil, which disables the GPU gate
// (useful in tests).
func New(store Store, probe batch.HealthProbe, cfg Config, logger *log.Logger) *Intake {
	if cfg.MaxRequestsPerJob <= 0 {
		cfg.MaxRequestsPerJob = 50000
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = 20
	}
	if cfg.MaxTotalQueuedRequests <= 0 {
		cfg.MaxTotalQueuedRequests = 1_000_000
	}
	if cfg.GPUMemoryThreshold <= 0 {
		cfg.GPUMemoryThreshold = 95.0
	}
	if cfg.GPUTempThreshold <= 0 {
		cfg.GPUTempThreshold = 85.0
	}
	if cfg.CompletionWindow == "" {
		cfg.CompletionWindow = batch.DefaultCompletionWindow
	}
	return &Intake{
		store:  store,
		probe:  probe,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the clock for tests.
func (in *Intake) SetNow(now func() time.Time) { in.now = now }

func (in *Intake) logf(format string, args ...any) {
	if in.logger != nil {
		in.logger.Printf("[intake] "+format, args...)
	}
}

// UploadFile validates r as a JSONL batch file, writes it under the input
// directory, fsyncs it, and records the File row. On rejection nothing
// remains on disk.
func (in *Intake) UploadFile(ctx context.Context, filename string, r io.Reader) (*batch.File, int, error) {
	requests, err := batch.ParseRequests(r)
	if err != nil {
		metrics.IncAdmissionReject("invalid_jsonl")
		return nil, 0, err
	}
	if len(requests) == 0 {
		metrics.IncAdmissionReject("invalid_jsonl")
		return nil, 0, ErrEmptyFile
	}
	if len(requests) > in.cfg.MaxRequestsPerJob {
		metrics.IncAdmissionReject("too_large")
		return nil, 0, &TooLargeError{Count: len(requests), Max: in.cfg.MaxRequestsPerJob}
	}

	fileID := "file-" + uuid.NewString()
	path := filepath.Join(in.cfg.InputDir, fileID+".jsonl")
	if err := os.MkdirAll(in.cfg.InputDir, 0o755); err != nil {
		return nil, 0, fmt.Errorf("create input dir: %w", err)
	}

	n, err := writeRequests(path, requests)
	if err != nil {
		_ = os.Remove(path)
		return nil, 0, err
	}

	f := &batch.File{
		ID:        fileID,
		Object:    "file",
		Filename:  filepath.Base(filename),
		Bytes:     n,
		Purpose:   batch.PurposeBatch,
		CreatedAt: in.now().Unix(),
		Path:      path,
	}
	if err := in.store.CreateFile(ctx, f); err != nil {
		_ = os.Remove(path)
		return nil, 0, fmt.Errorf("record file: %w", err)
	}
	in.logf("accepted file id=%s name=%s requests=%d bytes=%d", f.ID, f.Filename, len(requests), n)
	return f, len(requests), nil
}

// writeRequests persists the validated lines and fsyncs before returning.
// The file row must only exist if the bytes are durable.
func writeRequests(path string, requests []batch.Request) (int64, error) {
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create input file: %w", err)
	}
	var written int64
	for _, req := range requests {
		n, err := fh.Write(append(req.Raw, '\n'))
		written += int64(n)
		if err != nil {
			_ = fh.Close()
			return 0, fmt.Errorf("write input file: %w", err)
		}
	}
	if err := fh.Sync(); err != nil {
		_ = fh.Close()
		return 0, fmt.Errorf("sync input file: %w", err)
	}
	if err := fh.Close(); err != nil {
		return 0, fmt.Errorf("close input file: %w", err)
	}
	return written, nil
}

// CreateBatchArgs are the caller-supplied fields for a new job.
type CreateBatchArgs struct {
	InputFileID      string
	Model            string
	CompletionWindow string
	Priority         batch.Priority
	Metadata         []byte
	WebhookURL       string
	WebhookEvents    string
}

// CreateBatch runs the admission gates in order (queue depth, queued
// requests, GPU health), re-reads the input file to fix total_requests,
// and creates the job in validating state.
func (in *Intake) CreateBatch(ctx context.Context, args CreateBatchArgs) (*batch.Job, error) {
	if args.Model == "" {
		return nil, ErrModelRequired
	}

	active, err := in.store.ActiveJobCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("admission: %w", err)
	}
	if active >= in.cfg.MaxQueueDepth {
		metrics.IncAdmissionReject("queue_full")
		return nil, fmt.Errorf("%w: %d jobs active (max %d)", ErrQueueFull, active, in.cfg.MaxQueueDepth)
	}
	queued, err := in.store.QueuedRequestCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("admission: %w", err)
	}
	if queued >= in.cfg.MaxTotalQueuedRequests {
		metrics.IncAdmissionReject("too_many_requests")
		return nil, fmt.Errorf("%w: %d requests queued (max %d)", ErrTooManyQueued, queued, in.cfg.MaxTotalQueuedRequests)
	}

	if in.probe != nil {
		health, err := in.probe.Read(ctx)
		if err != nil {
			metrics.IncAdmissionReject("gpu_unhealthy")
			return nil, &GPUUnhealthyError{Reason: fmt.Sprintf("probe read failed: %v", err)}
		}
		if health.MemoryPercent >= in.cfg.GPUMemoryThreshold {
			metrics.IncAdmissionReject("gpu_unhealthy")
			return nil, &GPUUnhealthyError{Health: health, Reason: fmt.Sprintf("memory at %.1f%% (threshold %.1f%%)", health.MemoryPercent, in.cfg.GPUMemoryThreshold)}
		}
		if health.TemperatureC >= in.cfg.GPUTempThreshold {
			metrics.IncAdmissionReject("gpu_unhealthy")
			return nil, &GPUUnhealthyError{Health: health, Reason: fmt.Sprintf("temperature at %.1fC (threshold %.1fC)", health.TemperatureC, in.cfg.GPUTempThreshold)}
		}
	}

	f, err := in.store.GetFile(ctx, args.InputFileID)
	if err != nil {
		return nil, fmt.Errorf("input file %s: %w", args.InputFileID, err)
	}
	if f.Purpose != batch.PurposeBatch || f.Deleted {
		return nil, fmt.Errorf("input file %s: not a batch input", args.InputFileID)
	}
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open input file: %w", err)
	}
	requests, err := batch.ParseRequests(fh)
	_ = fh.Close()
	if err != nil {
		metrics.IncAdmissionReject("invalid_jsonl")
		return nil, err
	}
	if len(requests) == 0 {
		metrics.IncAdmissionReject("invalid_jsonl")
		return nil, ErrEmptyFile
	}

	window := args.CompletionWindow
	if window == "" {
		window = in.cfg.CompletionWindow
	}
	priority := args.Priority
	if !priority.Valid() {
		return nil, fmt.Errorf("invalid priority %d", priority)
	}

	now := in.now()
	job := batch.NewJob(args.InputFileID, args.Model, len(requests), priority, window, now)
	job.ID = "batch_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	job.Metadata = args.Metadata
	job.Webhook = batch.WebhookConfig{
		URL:        args.WebhookURL,
		Secret:     in.cfg.WebhookSecret,
		MaxRetries: in.cfg.WebhookMaxRetries,
		Timeout:    in.cfg.WebhookTimeout,
		Events:     args.WebhookEvents,
	}

	if err := in.store.CreateJob(ctx, &job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	in.logf("created job id=%s model=%s requests=%d priority=%d", job.ID, job.Model, len(requests), priority)
	metrics.SetQueueDepth(active + 1)
	return &job, nil
}
