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

package runner

// Tests for the execution engine: the chunk loop, crash resume from the
// output file, chunk-boundary cancellation, and failure translation.

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"batchd/internal/store"
	"batchd/pkg/batch"
)

// fakeModel answers every prompt with "echo:<prompt prefix>"; hooks let
// tests inject chunk-boundary behavior and failures.
type fakeModel struct {
	mu          sync.Mutex
	loaded      string
	loadErr     error
	generateErr error
	calls       [][]string
	onGenerate  func(call int)
}

func (m *fakeModel) Load(ctx context.Context, name string) error {
	if m.loadErr != nil {
		return m.loadErr
	}
	m.loaded = name
	return nil
}

func (m *fakeModel) Unload(ctx context.Context) error {
	m.loaded = ""
	return nil
}

func (m *fakeModel) Generate(ctx context.Context, prompts []string, params batch.GenerateParams) ([]batch.Output, error) {
	m.mu.Lock()
	call := len(m.calls)
	m.calls = append(m.calls, prompts)
	m.mu.Unlock()
	if m.onGenerate != nil {
		m.onGenerate(call)
	}
	if m.generateErr != nil {
		return nil, m.generateErr
	}
	outs := make([]batch.Output, len(prompts))
	for i := range prompts {
		outs[i] = batch.Output{
			Text:             "echo",
			FinishReason:     "stop",
			PromptTokens:     3,
			CompletionTokens: 5,
		}
	}
	return outs, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	jobs []string
}

func (n *fakeNotifier) Notify(jobID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, jobID)
}

func (n *fakeNotifier) notified() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.jobs...)
}

type harness struct {
	store    *store.Store
	model    *fakeModel
	notifier *fakeNotifier
	runner   *Runner
	job      *batch.Job
}

func reqLine(customID string) string {
	return `{"custom_id":"` + customID + `","method":"POST","url":"/v1/chat/completions","body":{"messages":[{"role":"user","content":"` + customID + `"}]}}`
}

// newHarness seeds a store with an input file of n requests, a job in
// in_progress state, and a runner with chunkSize.
func newHarness(t *testing.T, n, chunkSize int) *harness {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	st, err := store.Open(ctx, filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	var lines []string
	for i := 0; i < n; i++ {
		lines = append(lines, reqLine(fmt.Sprintf("req-%d", i)))
	}
	inputPath := filepath.Join(dir, "input.jsonl")
	if err := os.WriteFile(inputPath, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := &batch.File{
		ID: "file-in", Object: "file", Filename: "input.jsonl",
		Purpose: batch.PurposeBatch, CreatedAt: now.Unix(), Path: inputPath,
	}
	if err := st.CreateFile(ctx, f); err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}
	job := batch.NewJob(f.ID, "llama-3-8b", n, batch.PriorityNormal, "24h", now)
	job.ID = "batch_test"
	job.Webhook.URL = "https://example.com/hook"
	if err := st.CreateJob(ctx, &job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	claimed, err := st.Transition(ctx, job.ID, batch.StatusInProgress, now, nil)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	model := &fakeModel{}
	notifier := &fakeNotifier{}
	r := New(st, model, nil, notifier, Config{
		OutputDir: filepath.Join(dir, "output"),
		ChunkSize: chunkSize,
	}, nil)

	clock := now
	r.SetNow(func() time.Time { clock = clock.Add(time.Second); return clock })

	return &harness{store: st, model: model, notifier: notifier, runner: r, job: claimed}
}

func readResultLines(t *testing.T, path string) []batch.Result {
	t.Helper()
	fh, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer fh.Close()

	var out []batch.Result
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		var res batch.Result
		if err := json.Unmarshal(sc.Bytes(), &res); err != nil {
			t.Fatalf("bad result line: %v", err)
		}
		out = append(out, res)
	}
	return out
}

func TestExecuteCompletesJob(t *testing.T) {
	h := newHarness(t, 5, 2)
	ctx := context.Background()

	if err := h.runner.Execute(ctx, h.job); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	got, err := h.store.GetJob(ctx, h.job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != batch.StatusCompleted {
		t.Fatalf("status = %s, want completed (errors=%s)", got.Status, got.Errors)
	}
	if got.RequestCounts.Completed != 5 || got.RequestCounts.Failed != 0 {
		t.Errorf("counts = %+v", got.RequestCounts)
	}
	if got.CompletedAt == 0 || got.FinalizingAt == 0 {
		t.Errorf("timestamps: finalizing=%d completed=%d", got.FinalizingAt, got.CompletedAt)
	}
	if got.TokensProcessed != 5*8 {
		t.Errorf("tokens = %d, want 40", got.TokensProcessed)
	}
	if got.OutputFileID == "" {
		t.Fatal("output file not linked")
	}

	// Chunks of 2: 2 + 2 + 1.
	if len(h.model.calls) != 3 {
		t.Errorf("generate calls = %d, want 3", len(h.model.calls))
	}
	if h.model.loaded != "llama-3-8b" {
		t.Errorf("loaded model = %q", h.model.loaded)
	}

	outFile, err := h.store.GetFile(ctx, got.OutputFileID)
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	if outFile.Purpose != batch.PurposeBatchOutput {
		t.Errorf("output purpose = %s", outFile.Purpose)
	}
	results := readResultLines(t, outFile.Path)
	if len(results) != 5 {
		t.Fatalf("got %d result lines, want 5", len(results))
	}
	for i, res := range results {
		want := fmt.Sprintf("req-%d", i)
		if res.CustomID != want {
			t.Errorf("line %d custom_id = %q, want %q (order preservation)", i, res.CustomID, want)
		}
		if res.Response == nil || res.Response.StatusCode != 200 {
			t.Errorf("line %d response = %+v", i, res.Response)
		}
		if res.Response.Body.Object != "chat.completion" {
			t.Errorf("line %d object = %q", i, res.Response.Body.Object)
		}
		if res.Response.Body.Usage.TotalTokens != 8 {
			t.Errorf("line %d total_tokens = %d", i, res.Response.Body.Usage.TotalTokens)
		}
	}

	if notified := h.notifier.notified(); len(notified) != 1 || notified[0] != h.job.ID {
		t.Errorf("notifications = %v", notified)
	}
}

func TestExecuteResumesFromOutputFile(t *testing.T) {
	h := newHarness(t, 6, 2)
	ctx := context.Background()

	// Simulate a crash after 3 results were durably written.
	outPath := h.runner.OutputPath(h.job.ID)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		t.Fatal(err)
	}
	var prior []string
	for i := 0; i < 3; i++ {
		line, _ := json.Marshal(batch.Result{
			ID:       fmt.Sprintf("batch_req_%d", i),
			CustomID: fmt.Sprintf("req-%d", i),
			Error:    json.RawMessage("null"),
		})
		prior = append(prior, string(line))
	}
	if err := os.WriteFile(outPath, []byte(strings.Join(prior, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := h.runner.Execute(ctx, h.job); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	// Only requests 3..5 go to the model.
	var prompts []string
	for _, call := range h.model.calls {
		prompts = append(prompts, call...)
	}
	if len(prompts) != 3 {
		t.Fatalf("model saw %d prompts, want 3", len(prompts))
	}
	for i, p := range prompts {
		want := fmt.Sprintf("req-%d", i+3)
		if !strings.Contains(p, want) {
			t.Errorf("prompt %d = %q, want it to contain %q", i, p, want)
		}
	}

	got, _ := h.store.GetJob(ctx, h.job.ID)
	if got.Status != batch.StatusCompleted || got.RequestCounts.Completed != 6 {
		t.Errorf("status=%s completed=%d", got.Status, got.RequestCounts.Completed)
	}

	results := readResultLines(t, outPath)
	if len(results) != 6 {
		t.Fatalf("output has %d lines, want 6", len(results))
	}
	for i, res := range results {
		if want := fmt.Sprintf("req-%d", i); res.CustomID != want {
			t.Errorf("line %d custom_id = %q, want %q", i, res.CustomID, want)
		}
	}
}

func TestExecuteObservesCancellation(t *testing.T) {
	h := newHarness(t, 6, 2)
	ctx := context.Background()

	// Flag cancellation while the first chunk is in flight.
	h.model.onGenerate = func(call int) {
		if call == 0 {
			if _, err := h.store.Transition(ctx, h.job.ID, batch.StatusCancelling, time.Now().UTC(), nil); err != nil {
				t.Errorf("flag cancelling: %v", err)
			}
		}
	}

	if err := h.runner.Execute(ctx, h.job); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	got, _ := h.store.GetJob(ctx, h.job.ID)
	if got.Status != batch.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if got.CancelledAt == 0 {
		t.Error("cancelled_at not stamped")
	}
	// First chunk ran to completion; no second chunk started.
	if len(h.model.calls) != 1 {
		t.Errorf("generate calls = %d, want 1 (no mid-chunk cancellation)", len(h.model.calls))
	}
	// Partial output stays on disk.
	results := readResultLines(t, h.runner.OutputPath(h.job.ID))
	if len(results) != 2 {
		t.Errorf("partial output has %d lines, want 2", len(results))
	}
	// No completion webhook for a cancelled job.
	if notified := h.notifier.notified(); len(notified) != 0 {
		t.Errorf("notifications = %v, want none", notified)
	}
}

func TestExecuteFailsJobOnInferenceError(t *testing.T) {
	h := newHarness(t, 4, 2)
	ctx := context.Background()

	// First chunk succeeds, second raises.
	h.model.onGenerate = func(call int) {
		if call == 1 {
			h.model.generateErr = errors.New("CUDA out of memory")
		}
	}

	if err := h.runner.Execute(ctx, h.job); err != nil {
		t.Fatalf("Execute should consume inference errors, got %v", err)
	}

	got, _ := h.store.GetJob(ctx, h.job.ID)
	if got.Status != batch.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	var msg struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(got.Errors, &msg); err != nil {
		t.Fatalf("errors_json: %v", err)
	}
	if !strings.Contains(msg.Message, "CUDA out of memory") {
		t.Errorf("message = %q", msg.Message)
	}
	// First chunk's results survive for inspection and resume.
	results := readResultLines(t, h.runner.OutputPath(h.job.ID))
	if len(results) != 2 {
		t.Errorf("partial output has %d lines, want 2", len(results))
	}
	// Failure webhook fires.
	if notified := h.notifier.notified(); len(notified) != 1 {
		t.Errorf("notifications = %v, want one", notified)
	}
}

func TestExecuteFailsJobOnModelLoadError(t *testing.T) {
	h := newHarness(t, 2, 2)
	ctx := context.Background()
	h.model.loadErr = errors.New("weights not found")

	if err := h.runner.Execute(ctx, h.job); err != nil {
		t.Fatalf("Execute should consume load errors, got %v", err)
	}
	got, _ := h.store.GetJob(ctx, h.job.ID)
	if got.Status != batch.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(string(got.Errors), "model load") {
		t.Errorf("errors = %s", got.Errors)
	}
	if len(h.model.calls) != 0 {
		t.Error("no inference should run after a load failure")
	}
}

func TestChunkSizeShrinksUnderMemoryPressure(t *testing.T) {
	r := &Runner{cfg: Config{ChunkSize: 5000}}
	cases := []struct {
		memory float64
		want   int
	}{
		{50, 5000},
		{70, 5000},
		{71, 3000},
		{80.5, 1000},
		{92, 500},
	}
	for _, tc := range cases {
		if got := r.chunkSize(batch.GPUHealth{MemoryPercent: tc.memory}); got != tc.want {
			t.Errorf("chunkSize(mem=%.1f) = %d, want %d", tc.memory, got, tc.want)
		}
	}

	// Never grows past the configured size.
	small := &Runner{cfg: Config{ChunkSize: 100}}
	if got := small.chunkSize(batch.GPUHealth{MemoryPercent: 75}); got != 100 {
		t.Errorf("chunkSize capped = %d, want 100", got)
	}
}

func TestEstimateCompletion(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start.Add(10 * time.Second)

	// 2 of 6 chunks in 10s: 20s remain.
	if got := estimateCompletion(now, start, 2, 6); got != now.Add(20*time.Second).Unix() {
		t.Errorf("estimate = %d", got)
	}
	if got := estimateCompletion(now, start, 0, 6); got != 0 {
		t.Errorf("estimate before first chunk = %d, want 0", got)
	}
	if got := estimateCompletion(now, start, 6, 6); got != 0 {
		t.Errorf("estimate at end = %d, want 0", got)
	}
}
