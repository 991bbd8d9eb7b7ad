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

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// A LineError reports a malformed JSONL request line. Line is 1-based.
type LineError struct {
	Line int
	Msg  string
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// maxLineBytes bounds a single JSONL line; generous enough for long
// multi-turn prompts.
const maxLineBytes = 10 * 1024 * 1024

// ParseRequests reads a JSONL batch file, validating each non-blank line:
// it must parse as JSON with a unique custom_id, method POST, the chat
// completions url, and a non-empty body.messages array. Raw line bytes are
// preserved on each Request.
func ParseRequests(r io.Reader) ([]Request, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	var (
		out  []Request
		seen = map[string]int{}
		line int
	)
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var req Request
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			return nil, &LineError{Line: line, Msg: "not valid JSON"}
		}
		if req.CustomID == "" {
			return nil, &LineError{Line: line, Msg: "missing custom_id"}
		}
		if prev, dup := seen[req.CustomID]; dup {
			return nil, &LineError{Line: line, Msg: fmt.Sprintf("duplicate custom_id %q (first seen on line %d)", req.CustomID, prev)}
		}
		seen[req.CustomID] = line
		if req.Method != "POST" {
			return nil, &LineError{Line: line, Msg: `method must be "POST"`}
		}
		if req.URL != EndpointChatCompletions {
			return nil, &LineError{Line: line, Msg: fmt.Sprintf("url must be %q", EndpointChatCompletions)}
		}
		if len(req.Body.Messages) == 0 {
			return nil, &LineError{Line: line, Msg: "body.messages must be a non-empty array"}
		}
		req.Raw = json.RawMessage(raw)
		out = append(out, req)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read jsonl: %w", err)
	}
	return out, nil
}

// Prompt renders the request's messages with the canonical role-tagged
// serialization fed to the model runner.
func (r Request) Prompt() string {
	var b strings.Builder
	for _, m := range r.Body.Messages {
		b.WriteString("<|")
		b.WriteString(m.Role)
		b.WriteString("|>")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("<|assistant|>")
	return b.String()
}
