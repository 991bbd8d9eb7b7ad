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

package model

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"batchd/pkg/batch"
)

// fakeServer mimics the two endpoints of an OpenAI-compatible completion
// server: model listing and batched prompt completion.
func fakeServer(t *testing.T, models []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/models":
			var data []map[string]string
			for _, m := range models {
				data = append(data, map[string]string{"id": m})
			}
			json.NewEncoder(w).Encode(map[string]any{"data": data})
		case "/v1/completions":
			var req completionRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			resp := completionResponse{}
			for i, p := range req.Prompt {
				resp.Choices = append(resp.Choices, struct {
					Index        int    `json:"index"`
					Text         string `json:"text"`
					FinishReason string `json:"finish_reason"`
				}{Index: i, Text: "echo:" + p, FinishReason: "stop"})
			}
			resp.Usage.PromptTokens = 10 * len(req.Prompt)
			resp.Usage.CompletionTokens = 5 * len(req.Prompt)
			json.NewEncoder(w).Encode(resp)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestLoadVerifiesAndWarms(t *testing.T) {
	srv := fakeServer(t, []string{"llama-3-8b", "mistral-7b"})
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, nil)
	if err := c.Load(context.Background(), "llama-3-8b"); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.current != "llama-3-8b" {
		t.Errorf("current = %q", c.current)
	}
}

func TestLoadRejectsUnservedModel(t *testing.T) {
	srv := fakeServer(t, []string{"mistral-7b"})
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, nil)
	err := c.Load(context.Background(), "llama-3-8b")
	if err == nil || !strings.Contains(err.Error(), "not served") {
		t.Fatalf("err = %v, want not-served error", err)
	}
	if c.current != "" {
		t.Errorf("current = %q after failed load", c.current)
	}
}

func TestGenerateOrderAndTokens(t *testing.T) {
	srv := fakeServer(t, []string{"llama-3-8b"})
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, nil)
	if err := c.Load(context.Background(), "llama-3-8b"); err != nil {
		t.Fatal(err)
	}

	prompts := []string{"alpha", "beta", "gamma"}
	outs, err := c.Generate(context.Background(), prompts, defaultParams())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(outs) != 3 {
		t.Fatalf("got %d outputs", len(outs))
	}
	var promptTotal, compTotal int
	for i, out := range outs {
		if out.Text != "echo:"+prompts[i] {
			t.Errorf("output %d = %q, prompt order not preserved", i, out.Text)
		}
		if out.FinishReason != "stop" {
			t.Errorf("output %d finish_reason = %q", i, out.FinishReason)
		}
		promptTotal += out.PromptTokens
		compTotal += out.CompletionTokens
	}
	// Apportioned usage sums back to the server's totals.
	if promptTotal != 30 || compTotal != 15 {
		t.Errorf("token totals = %d/%d, want 30/15", promptTotal, compTotal)
	}
}

func TestGenerateRequiresLoadedModel(t *testing.T) {
	c := New("http://127.0.0.1:0", time.Second, nil)
	if _, err := c.Generate(context.Background(), []string{"p"}, defaultParams()); err == nil {
		t.Fatal("expected error with no model loaded")
	}
}

func TestGenerateServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			json.NewEncoder(w).Encode(map[string]any{"data": []map[string]string{{"id": "m"}}})
			return
		}
		http.Error(w, "CUDA out of memory", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, nil)
	err := c.Load(context.Background(), "m")
	// The warmup completion already fails.
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("err = %v, want status in message", err)
	}
	if !strings.Contains(err.Error(), "CUDA out of memory") {
		t.Errorf("err = %v, want server body snippet", err)
	}
}

func TestGenerateChoiceCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			json.NewEncoder(w).Encode(map[string]any{"data": []map[string]string{{"id": "m"}}})
			return
		}
		// Always one choice regardless of prompt count.
		fmt.Fprint(w, `{"choices":[{"index":0,"text":"x","finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1}}`)
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, nil)
	if err := c.Load(context.Background(), "m"); err != nil {
		t.Fatal(err)
	}
	_, err := c.Generate(context.Background(), []string{"a", "b"}, defaultParams())
	if err == nil || !strings.Contains(err.Error(), "choices") {
		t.Fatalf("err = %v, want choice count error", err)
	}
}

func TestSplitApportionsRemainder(t *testing.T) {
	cases := []struct {
		total, n, each, rem int
	}{
		{10, 3, 3, 1},
		{9, 3, 3, 0},
		{2, 5, 0, 2},
		{0, 4, 0, 0},
		{7, 0, 0, 0},
	}
	for _, tc := range cases {
		each, rem := split(tc.total, tc.n)
		if each != tc.each || rem != tc.rem {
			t.Errorf("split(%d, %d) = (%d, %d), want (%d, %d)", tc.total, tc.n, each, rem, tc.each, tc.rem)
		}
	}
}

func defaultParams() batch.GenerateParams {
	return batch.GenerateParams{Temperature: 0.7, TopP: 0.95, MaxTokens: 256}
}
