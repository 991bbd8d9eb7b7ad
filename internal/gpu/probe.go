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

// Package gpu reads device health through nvidia-smi. Readings feed the
// intake admission gate and the runner's dynamic chunk sizing; a cached
// value bounds how often the tool is invoked.
package gpu

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"batchd/pkg/batch"
)

// SMIProbe shells out to nvidia-smi for memory and temperature of GPU 0.
type SMIProbe struct {
	path     string
	cacheTTL time.Duration

	mu       sync.Mutex
	last     batch.GPUHealth
	lastErr  error
	lastRead time.Time

	// run is replaceable in tests.
	run func(ctx context.Context, path string, args ...string) ([]byte, error)
}

// NewSMIProbe constructs a probe using the given nvidia-smi binary path.
func NewSMIProbe(path string) *SMIProbe {
	return &SMIProbe{
		path:     path,
		cacheTTL: 2 * time.Second,
		run: func(ctx context.Context, path string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, path, args...).Output()
		},
	}
}

// Read returns the current GPU health, serving a cached reading when the
// last invocation is fresh enough.
func (p *SMIProbe) Read(ctx context.Context) (batch.GPUHealth, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if time.Since(p.lastRead) < p.cacheTTL {
		return p.last, p.lastErr
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := p.run(ctx, p.path,
		"--query-gpu=memory.used,memory.total,temperature.gpu",
		"--format=csv,noheader,nounits", "--id=0")
	p.lastRead = time.Now()
	if err != nil {
		p.last, p.lastErr = batch.GPUHealth{}, fmt.Errorf("nvidia-smi: %w", err)
		return p.last, p.lastErr
	}
	p.last, p.lastErr = parseSMILine(string(out))
	return p.last, p.lastErr
}

// parseSMILine parses "used, total, temp" in MiB / MiB / celsius.
func parseSMILine(s string) (batch.GPUHealth, error) {
	fields := strings.Split(strings.TrimSpace(s), ",")
	if len(fields) != 3 {
		return batch.GPUHealth{}, fmt.Errorf("unexpected nvidia-smi output %q", strings.TrimSpace(s))
	}
	used, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	if err != nil {
		return batch.GPUHealth{}, fmt.Errorf("parse memory.used: %w", err)
	}
	total, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		return batch.GPUHealth{}, fmt.Errorf("parse memory.total: %w", err)
	}
	temp, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
	if err != nil {
		return batch.GPUHealth{}, fmt.Errorf("parse temperature.gpu: %w", err)
	}
	if total <= 0 {
		return batch.GPUHealth{}, fmt.Errorf("nvidia-smi reported total memory %v", total)
	}
	return batch.GPUHealth{
		MemoryPercent: used / total * 100,
		TemperatureC:  temp,
	}, nil
}
