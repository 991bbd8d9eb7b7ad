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

// Package model adapts an OpenAI-compatible completion server (vLLM,
// llama.cpp server and friends) to the ModelRunner capability. The server
// owns GPU memory; Load verifies the requested model is being served and
// warms it, Unload releases nothing remotely and only clears local state.
package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"batchd/pkg/batch"
)

// Client implements batch.ModelRunner against a completion server.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *log.Logger

	current string
}

// New constructs a Client. timeout bounds a single Generate call, which
// may cover thousands of prompts.
func New(baseURL string, timeout time.Duration, logger *log.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (c *Client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf("[model] "+format, args...)
	}
}

type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Load checks the server lists the model, then issues a one-token warmup
// completion so the first real chunk does not absorb load latency.
func (c *Client) Load(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("list models: server returned %d", resp.StatusCode)
	}
	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	found := false
	for _, m := range list.Data {
		if m.ID == name {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("model %q is not served at %s", name, c.baseURL)
	}

	warm := batch.GenerateParams{Temperature: 0, TopP: 1, MaxTokens: 1}
	c.current = name
	if _, err := c.Generate(ctx, []string{"warmup"}, warm); err != nil {
		c.current = ""
		return fmt.Errorf("warmup: %w", err)
	}
	c.logf("model %s ready at %s", name, c.baseURL)
	return nil
}

// Unload clears local state. The server reclaims GPU memory on its own
// schedule.
func (c *Client) Unload(ctx context.Context) error {
	c.current = ""
	return nil
}

type completionRequest struct {
	Model       string   `json:"model"`
	Prompt      []string `json:"prompt"`
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p"`
	MaxTokens   int      `json:"max_tokens"`
}

type completionResponse struct {
	Choices []struct {
		Index        int    `json:"index"`
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Generate runs all prompts through one completion request; the server
// batches internally. Outputs are returned in prompt order.
func (c *Client) Generate(ctx context.Context, prompts []string, params batch.GenerateParams) ([]batch.Output, error) {
	if c.current == "" {
		return nil, fmt.Errorf("no model loaded")
	}
	body, err := json.Marshal(completionRequest{
		Model:       c.current,
		Prompt:      prompts,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		MaxTokens:   params.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("completion request: server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var cr completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("decode completion response: %w", err)
	}
	if len(cr.Choices) != len(prompts) {
		return nil, fmt.Errorf("server returned %d choices for %d prompts", len(cr.Choices), len(prompts))
	}

	outputs := make([]batch.Output, len(prompts))
	// Usage is reported for the whole request; apportion evenly so the
	// job-level token totals stay exact.
	promptEach, promptRem := split(cr.Usage.PromptTokens, len(prompts))
	compEach, compRem := split(cr.Usage.CompletionTokens, len(prompts))
	for _, ch := range cr.Choices {
		if ch.Index < 0 || ch.Index >= len(prompts) {
			return nil, fmt.Errorf("server returned choice index %d for %d prompts", ch.Index, len(prompts))
		}
		out := batch.Output{
			Text:             ch.Text,
			FinishReason:     ch.FinishReason,
			PromptTokens:     promptEach,
			CompletionTokens: compEach,
		}
		if ch.Index < promptRem {
			out.PromptTokens++
		}
		if ch.Index < compRem {
			out.CompletionTokens++
		}
		outputs[ch.Index] = out
	}
	return outputs, nil
}

func split(total, n int) (each, rem int) {
	if n == 0 {
		return 0, 0
	}
	return total / n, total % n
}
