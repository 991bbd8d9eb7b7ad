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

// Package scheduler is the single-worker job picker. One goroutine polls
// the queue, claims the highest-priority pending job, and runs it to a
// terminal state before looking again. There is no preemption: a running
// job finishes (or fails, or is cancelled at a chunk boundary) before the
// next one starts.
package scheduler

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"batchd/internal/metrics"
	"batchd/internal/store"
	"batchd/pkg/batch"
)

// Store is the persistence surface the scheduler needs.
type Store interface {
	SelectNextPending(ctx context.Context) (*batch.Job, error)
	ListJobsByStatus(ctx context.Context, status batch.JobStatus) ([]*batch.Job, error)
	ActiveJobCount(ctx context.Context) (int, error)
	Transition(ctx context.Context, id string, to batch.JobStatus, now time.Time, extra *store.TransitionExtra) (*batch.Job, error)
	ExpireJobs(ctx context.Context, now time.Time) (int, error)
	GetHeartbeat(ctx context.Context) (*batch.Heartbeat, error)
	UpsertHeartbeat(ctx context.Context, hb batch.Heartbeat) error
}

// Executor runs a single claimed job to completion.
type Executor interface {
	Execute(ctx context.Context, job *batch.Job) error
}

// Scheduler drives the poll loop.
type Scheduler struct {
	store    Store
	executor Executor
	probe    batch.HealthProbe
	interval time.Duration
	logger   *log.Logger
	now      func() time.Time

	workerPID int
	startedAt int64
}

// New constructs a Scheduler. probe may be nil.
func New(st Store, exec Executor, probe batch.HealthProbe, interval time.Duration, logger *log.Logger) *Scheduler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Scheduler{
		store:     st,
		executor:  exec,
		probe:     probe,
		interval:  interval,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		workerPID: os.Getpid(),
		startedAt: time.Now().UTC().Unix(),
	}
}

// SetNow overrides the clock for tests.
func (s *Scheduler) SetNow(now func() time.Time) { s.now = now }

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf("[scheduler] "+format, args...)
	}
}

// Run blocks until ctx is cancelled. Recovery of interrupted jobs happens
// once at startup, before any new work is claimed.
func (s *Scheduler) Run(ctx context.Context) {
	s.logf("starting, poll interval %s", s.interval)
	s.recover(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// First poll immediately rather than waiting out a full interval.
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logf("stopping: %v", ctx.Err())
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// recover re-adopts jobs left in_progress by a previous process. The
// output files carry the resume offsets; the executor realigns counters.
// Oldest jobs run first so an interrupted job is not starved by newer
// higher-priority arrivals.
func (s *Scheduler) recover(ctx context.Context) {
	jobs, err := s.store.ListJobsByStatus(ctx, batch.StatusInProgress)
	if err != nil {
		s.logf("recovery scan failed: %v", err)
		return
	}
	if len(jobs) == 0 {
		return
	}
	s.logf("recovering %d interrupted job(s)", len(jobs))
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		s.logf("recovering job id=%s completed=%d/%d", job.ID, job.RequestCounts.Completed, job.RequestCounts.Total)
		if err := s.executor.Execute(ctx, job); err != nil {
			s.logf("recovery of job %s failed: %v", job.ID, err)
		}
	}
}

// tick runs one scheduling pass: sweep expirations, publish queue depth,
// then claim and run at most one job. A failure anywhere is logged and the
// loop continues on the next tick.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	if n, err := s.store.ExpireJobs(ctx, now); err != nil {
		s.logf("expiry sweep failed: %v", err)
	} else if n > 0 {
		s.logf("expired %d job(s) past their completion window", n)
	}

	if depth, err := s.store.ActiveJobCount(ctx); err == nil {
		metrics.SetQueueDepth(depth)
	}

	job, err := s.store.SelectNextPending(ctx)
	if errors.Is(err, store.ErrNotFound) {
		s.beatIdle(ctx)
		return
	}
	if err != nil {
		s.logf("queue poll failed: %v", err)
		return
	}

	claimed, err := s.store.Transition(ctx, job.ID, batch.StatusInProgress, now, nil)
	if err != nil {
		// Lost the claim (cancelled or expired since the read). Not an
		// error for the loop.
		s.logf("claim of job %s failed: %v", job.ID, err)
		return
	}
	s.logf("claimed job id=%s priority=%d total=%d", claimed.ID, claimed.Priority, claimed.RequestCounts.Total)

	if err := s.executor.Execute(ctx, claimed); err != nil {
		s.logf("execution of job %s failed: %v", claimed.ID, err)
	}
}

func (s *Scheduler) beatIdle(ctx context.Context) {
	hb := batch.Heartbeat{
		Status:          batch.WorkerIdle,
		WorkerPID:       s.workerPID,
		WorkerStartedAt: s.startedAt,
		LastSeen:        s.now().Unix(),
	}
	// Carry the loaded model forward so an idle beat does not force a
	// reload for the next job that uses the same model.
	if prev, err := s.store.GetHeartbeat(ctx); err == nil {
		hb.LoadedModel = prev.LoadedModel
		hb.ModelLoadedAt = prev.ModelLoadedAt
	}
	if s.probe != nil {
		if h, err := s.probe.Read(ctx); err == nil {
			hb.GPUMemoryPercent = h.MemoryPercent
			hb.GPUTemperature = h.TemperatureC
		}
	}
	if err := s.store.UpsertHeartbeat(ctx, hb); err != nil {
		s.logf("heartbeat upsert failed: %v", err)
	}
}
