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

package batch

import "encoding/json"

// Request is one line of an uploaded JSONL batch file.
type Request struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     RequestBody     `json:"body"`
	Raw      json.RawMessage `json:"-"`
}

// RequestBody carries the chat-completion parameters. Fields beyond
// messages are accepted and preserved but not interpreted here.
type RequestBody struct {
	Messages []Message `json:"messages"`
}

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Result is one line of a produced JSONL output file, written in input
// order. Error stays null under the current chunk model.
type Result struct {
	ID       string          `json:"id"`
	CustomID string          `json:"custom_id"`
	Response *Response       `json:"response"`
	Error    json.RawMessage `json:"error"`
}

// Response mirrors the OpenAI batch-result response envelope.
type Response struct {
	StatusCode int            `json:"status_code"`
	RequestID  string         `json:"request_id"`
	Body       CompletionBody `json:"body"`
}

// CompletionBody is the chat.completion object embedded in a result line.
type CompletionBody struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"` // "chat.completion"
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage carries token accounting for one request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
