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

import "context"

// GPUHealth is a point-in-time health probe reading.
type GPUHealth struct {
	MemoryPercent float64 `json:"memory_percent"`
	TemperatureC  float64 `json:"temperature_c"`
}

// HealthProbe reads GPU telemetry. Implemented outside the core; intake
// uses it for admission, the runner for dynamic chunk sizing.
type HealthProbe interface {
	Read(ctx context.Context) (GPUHealth, error)
}

// GenerateParams are the fixed sampling parameters for a chunk call.
type GenerateParams struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Output is one generation result with token accounting.
type Output struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	FinishReason     string
}

// ModelRunner is the inference capability the runner drives. Load may take
// seconds; callers check the heartbeat's loaded model to avoid reloads.
type ModelRunner interface {
	Load(ctx context.Context, model string) error
	Unload(ctx context.Context) error
	Generate(ctx context.Context, prompts []string, params GenerateParams) ([]Output, error)
}
