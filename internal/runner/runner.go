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

// Package runner executes one batch job at a time: it manages the loaded
// model, streams requests through the model runner in chunks, appends
// results to the output file with fsync discipline, and drives the job to
// a terminal state. The output file's line count is the resume point after
// a crash; results are appended in strict input order, so after every
// chunk commit the count equals the number of requests safely on disk.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"batchd/internal/metrics"
	"batchd/internal/store"
	"batchd/pkg/batch"
)

// Store is the persistence surface the runner needs. It rereads job state
// from here at every chunk boundary rather than holding references.
type Store interface {
	GetJob(ctx context.Context, id string) (*batch.Job, error)
	GetFile(ctx context.Context, id string) (*batch.File, error)
	CreateFile(ctx context.Context, f *batch.File) error
	Transition(ctx context.Context, id string, to batch.JobStatus, now time.Time, extra *store.TransitionExtra) (*batch.Job, error)
	SetCompletedRequests(ctx context.Context, id string, n int) error
	CommitChunk(ctx context.Context, id string, saved int, tokens int64, estCompletion int64, hb batch.Heartbeat, now time.Time) error
	GetHeartbeat(ctx context.Context) (*batch.Heartbeat, error)
	UpsertHeartbeat(ctx context.Context, hb batch.Heartbeat) error
}

// Notifier hands a terminal job to the webhook pipeline. Implementations
// must not block; the dispatcher runs deliveries in the background.
type Notifier interface {
	Notify(jobID string)
}

// Config controls chunking and sampling.
type Config struct {
	OutputDir string
	ChunkSize int
	Params    batch.GenerateParams
}

// Runner processes exactly one job at a time.
type Runner struct {
	store    Store
	model    batch.ModelRunner
	probe    batch.HealthProbe
	notifier Notifier
	cfg      Config
	logger   *log.Logger
	now      func() time.Time

	workerPID int
	startedAt int64
}

// New constructs a Runner. probe and notifier may be nil.
func New(st Store, model batch.ModelRunner, probe batch.HealthProbe, notifier Notifier, cfg Config, logger *log.Logger) *Runner {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 5000
	}
	return &Runner{
		store:     st,
		model:     model,
		probe:     probe,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		workerPID: os.Getpid(),
		startedAt: time.Now().UTC().Unix(),
	}
}

// SetNow overrides the clock for tests.
func (r *Runner) SetNow(now func() time.Time) { r.now = now }

func (r *Runner) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf("[runner] "+format, args...)
	}
}

// OutputPath returns the on-disk location of a job's result file.
func (r *Runner) OutputPath(jobID string) string {
	return filepath.Join(r.cfg.OutputDir, jobID+"_results.jsonl")
}

// Execute runs one job already in in_progress state to a terminal state.
// Inference and filesystem errors are translated into job transitions and
// never propagated; the returned error is only for store integrity
// failures the scheduler should treat as fatal.
func (r *Runner) Execute(ctx context.Context, job *batch.Job) error {
	start := r.now()
	r.logf("executing job id=%s model=%s total=%d", job.ID, job.Model, job.RequestCounts.Total)

	health := r.readHealth(ctx)

	if err := r.ensureModel(ctx, job, health); err != nil {
		return r.failJob(ctx, job.ID, fmt.Sprintf("model load: %v", err))
	}

	requests, err := r.loadRequests(ctx, job)
	if err != nil {
		return r.failJob(ctx, job.ID, fmt.Sprintf("load requests: %v", err))
	}
	total := len(requests)

	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		return r.failJob(ctx, job.ID, fmt.Sprintf("create output dir: %v", err))
	}
	outPath := r.OutputPath(job.ID)

	// The file is the source of truth for progress; the database counter
	// is advisory and is realigned here.
	resume, err := countResultLines(outPath)
	if err != nil {
		return r.failJob(ctx, job.ID, fmt.Sprintf("read output file: %v", err))
	}
	if resume > total {
		return r.failJob(ctx, job.ID, fmt.Sprintf("output file has %d lines for %d requests", resume, total))
	}
	if err := r.store.SetCompletedRequests(ctx, job.ID, resume); err != nil {
		return fmt.Errorf("align resume offset: %w", err)
	}
	if resume > 0 {
		r.logf("job %s: resuming at request %d of %d", job.ID, resume, total)
	}

	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return r.failJob(ctx, job.ID, fmt.Sprintf("open output file: %v", err))
	}
	defer out.Close()

	var (
		inferenceStart = r.now()
		tokensThisRun  int64
		chunksDone     int
		chunksTotal    = chunkCount(total-resume, r.cfg.ChunkSize)
		completed      = resume
	)

	for completed < total {
		// Reread state between chunks: cancellation and shutdown are
		// observed here, never mid-chunk.
		cur, err := r.store.GetJob(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("reread job %s: %w", job.ID, err)
		}
		switch cur.Status {
		case batch.StatusCancelling:
			if _, err := r.store.Transition(ctx, job.ID, batch.StatusCancelled, r.now(), nil); err != nil {
				return fmt.Errorf("cancel job %s: %w", job.ID, err)
			}
			r.logf("job %s: cancelled after %d of %d requests", job.ID, completed, total)
			metrics.IncJobTerminal(string(batch.StatusCancelled))
			return nil
		case batch.StatusInProgress:
		default:
			return fmt.Errorf("%w: job %s is %s mid-run", store.ErrInvalidTransition, job.ID, cur.Status)
		}
		if ctx.Err() != nil {
			// Shutdown: leave the job in_progress; recovery re-adopts it.
			r.logf("job %s: interrupted at %d of %d requests", job.ID, completed, total)
			return nil
		}

		health = r.readHealth(ctx)
		size := r.chunkSize(health)
		end := completed + size
		if end > total {
			end = total
		}
		chunk := requests[completed:end]

		prompts := make([]string, len(chunk))
		for i, req := range chunk {
			prompts[i] = req.Prompt()
		}

		chunkStart := r.now()
		outputs, err := r.model.Generate(ctx, prompts, r.cfg.Params)
		if err != nil {
			// Partial output stays on disk for post-mortem and resume.
			return r.failJob(ctx, job.ID, fmt.Sprintf("inference: %v", err))
		}
		if len(outputs) != len(chunk) {
			return r.failJob(ctx, job.ID, fmt.Sprintf("inference returned %d outputs for %d prompts", len(outputs), len(chunk)))
		}

		var chunkTokens int64
		for i, o := range outputs {
			line, err := r.resultLine(job, chunk[i], o)
			if err != nil {
				return r.failJob(ctx, job.ID, fmt.Sprintf("encode result: %v", err))
			}
			if _, err := out.Write(append(line, '\n')); err != nil {
				return r.failJob(ctx, job.ID, fmt.Sprintf("write result: %v", err))
			}
			if err := out.Sync(); err != nil {
				return r.failJob(ctx, job.ID, fmt.Sprintf("sync output file: %v", err))
			}
			chunkTokens += int64(o.PromptTokens + o.CompletionTokens)
		}

		completed = end
		chunksDone++
		tokensThisRun += chunkTokens
		metrics.ObserveChunk(job.Model, r.now().Sub(chunkStart), chunkTokens)

		est := estimateCompletion(r.now(), inferenceStart, chunksDone, chunksTotal)
		hb := r.heartbeat(batch.WorkerProcessing, job.ID, health)
		if err := r.store.CommitChunk(ctx, job.ID, len(chunk), chunkTokens, est, hb, r.now()); err != nil {
			return fmt.Errorf("commit chunk for job %s: %w", job.ID, err)
		}
	}

	return r.finalize(ctx, job, outPath, total, resume, tokensThisRun, start, inferenceStart)
}

func (r *Runner) finalize(ctx context.Context, job *batch.Job, outPath string, total, resume int, tokens int64, start, inferenceStart time.Time) error {
	fi, err := os.Stat(outPath)
	if err != nil {
		return r.failJob(ctx, job.ID, fmt.Sprintf("stat output file: %v", err))
	}

	outFile := &batch.File{
		ID:        "file-" + uuid.NewString(),
		Object:    "file",
		Filename:  filepath.Base(outPath),
		Bytes:     fi.Size(),
		Purpose:   batch.PurposeBatchOutput,
		CreatedAt: r.now().Unix(),
		Path:      outPath,
	}
	if err := r.store.CreateFile(ctx, outFile); err != nil {
		return fmt.Errorf("register output file: %w", err)
	}

	if _, err := r.store.Transition(ctx, job.ID, batch.StatusFinalizing, r.now(), nil); err != nil {
		return fmt.Errorf("finalize job %s: %w", job.ID, err)
	}
	failed := 0
	updated, err := r.store.Transition(ctx, job.ID, batch.StatusCompleted, r.now(), &store.TransitionExtra{
		OutputFileID:   outFile.ID,
		FailedRequests: &failed,
	})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}

	inferenceSecs := r.now().Sub(inferenceStart).Seconds()
	throughput := 0.0
	if inferenceSecs > 0 {
		throughput = float64(tokens) / inferenceSecs
	}
	r.logf("job %s: completed total=%d resumed_at=%d tokens=%d throughput=%.1f tok/s wall=%s",
		job.ID, total, resume, tokens, throughput, r.now().Sub(start).Round(time.Second))
	metrics.IncJobTerminal(string(batch.StatusCompleted))

	if r.notifier != nil && updated.Webhook.URL != "" {
		r.notifier.Notify(job.ID)
	}
	return nil
}

// failJob transitions the job to failed with an error message, notifying
// the webhook pipeline. Invalid-transition errors propagate: they mean the
// worker's view of the world is wrong and it must not continue.
func (r *Runner) failJob(ctx context.Context, jobID, msg string) error {
	r.logf("job %s: failed: %s", jobID, msg)
	errJSON, _ := json.Marshal(map[string]string{"message": msg})
	updated, err := r.store.Transition(ctx, jobID, batch.StatusFailed, r.now(), &store.TransitionExtra{
		ErrorsJSON: string(errJSON),
	})
	if err != nil {
		return fmt.Errorf("mark job %s failed: %w", jobID, err)
	}
	metrics.IncJobTerminal(string(batch.StatusFailed))
	if r.notifier != nil && updated.Webhook.URL != "" {
		r.notifier.Notify(jobID)
	}
	return nil
}

// ensureModel loads the job's model if it differs from what the heartbeat
// reports loaded. Load is expensive; reloads are avoided across jobs that
// share a model.
func (r *Runner) ensureModel(ctx context.Context, job *batch.Job, health batch.GPUHealth) error {
	hb, err := r.store.GetHeartbeat(ctx)
	loaded := ""
	if err == nil {
		loaded = hb.LoadedModel
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if loaded == job.Model {
		return nil
	}

	if loaded != "" {
		if err := r.model.Unload(ctx); err != nil {
			return fmt.Errorf("unload %s: %w", loaded, err)
		}
	}
	loadStart := r.now()
	err = r.model.Load(ctx, job.Model)
	metrics.ObserveModelLoad(job.Model, r.now().Sub(loadStart), err)
	if err != nil {
		return fmt.Errorf("load %s: %w", job.Model, err)
	}

	nhb := r.heartbeat(batch.WorkerProcessing, job.ID, health)
	nhb.LoadedModel = job.Model
	nhb.ModelLoadedAt = r.now().Unix()
	return r.store.UpsertHeartbeat(ctx, nhb)
}

func (r *Runner) loadRequests(ctx context.Context, job *batch.Job) ([]batch.Request, error) {
	f, err := r.store.GetFile(ctx, job.InputFileID)
	if err != nil {
		return nil, fmt.Errorf("input file %s: %w", job.InputFileID, err)
	}
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return batch.ParseRequests(fh)
}

func (r *Runner) readHealth(ctx context.Context) batch.GPUHealth {
	if r.probe == nil {
		return batch.GPUHealth{}
	}
	h, err := r.probe.Read(ctx)
	if err != nil {
		r.logf("health probe read failed: %v", err)
		return batch.GPUHealth{}
	}
	return h
}

// chunkSize shrinks the configured chunk under GPU memory pressure.
func (r *Runner) chunkSize(health batch.GPUHealth) int {
	size := r.cfg.ChunkSize
	switch {
	case health.MemoryPercent > 90:
		size = 500
	case health.MemoryPercent > 80:
		size = 1000
	case health.MemoryPercent > 70:
		size = 3000
	}
	if size > r.cfg.ChunkSize {
		size = r.cfg.ChunkSize
	}
	return size
}

func (r *Runner) heartbeat(status batch.WorkerStatus, jobID string, health batch.GPUHealth) batch.Heartbeat {
	hb, err := r.store.GetHeartbeat(context.Background())
	var loadedModel string
	var modelLoadedAt int64
	if err == nil {
		loadedModel = hb.LoadedModel
		modelLoadedAt = hb.ModelLoadedAt
	}
	return batch.Heartbeat{
		Status:           status,
		CurrentJobID:     jobID,
		LoadedModel:      loadedModel,
		ModelLoadedAt:    modelLoadedAt,
		WorkerPID:        r.workerPID,
		WorkerStartedAt:  r.startedAt,
		GPUMemoryPercent: health.MemoryPercent,
		GPUTemperature:   health.TemperatureC,
		LastSeen:         r.now().Unix(),
	}
}

func (r *Runner) resultLine(job *batch.Job, req batch.Request, o batch.Output) ([]byte, error) {
	now := r.now().Unix()
	res := batch.Result{
		ID:       "batch_req_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		CustomID: req.CustomID,
		Response: &batch.Response{
			StatusCode: 200,
			RequestID:  uuid.NewString(),
			Body: batch.CompletionBody{
				ID:      "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", ""),
				Object:  "chat.completion",
				Created: now,
				Model:   job.Model,
				Choices: []batch.Choice{{
					Index:        0,
					Message:      batch.Message{Role: "assistant", Content: o.Text},
					FinishReason: o.FinishReason,
				}},
				Usage: batch.Usage{
					PromptTokens:     o.PromptTokens,
					CompletionTokens: o.CompletionTokens,
					TotalTokens:      o.PromptTokens + o.CompletionTokens,
				},
			},
		},
		Error: json.RawMessage("null"),
	}
	return json.Marshal(res)
}

// countResultLines counts non-blank lines in the output file. A missing
// file means no progress.
func countResultLines(path string) (int, error) {
	fh, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer fh.Close()

	n := 0
	sc := bufio.NewScanner(fh)
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			n++
		}
	}
	return n, sc.Err()
}

func chunkCount(remaining, size int) int {
	if remaining <= 0 || size <= 0 {
		return 0
	}
	return (remaining + size - 1) / size
}

// estimateCompletion projects the finish time from per-chunk pace:
// remaining = (elapsed / done) * (total - done).
func estimateCompletion(now, start time.Time, done, total int) int64 {
	if done <= 0 || done >= total {
		return 0
	}
	elapsed := now.Sub(start)
	remaining := time.Duration(float64(elapsed) / float64(done) * float64(total-done))
	return now.Add(remaining).Unix()
}
