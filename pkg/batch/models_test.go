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
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to JobStatus }{
		{StatusValidating, StatusInProgress},
		{StatusValidating, StatusCancelled},
		{StatusValidating, StatusExpired},
		{StatusValidating, StatusFailed},
		{StatusInProgress, StatusFinalizing},
		{StatusInProgress, StatusFailed},
		{StatusInProgress, StatusCancelling},
		{StatusInProgress, StatusExpired},
		{StatusFinalizing, StatusCompleted},
		{StatusFinalizing, StatusFailed},
		{StatusCancelling, StatusCancelled},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to JobStatus }{
		{StatusValidating, StatusCompleted},
		{StatusValidating, StatusFinalizing},
		{StatusInProgress, StatusCompleted},
		{StatusInProgress, StatusCancelled},
		{StatusFinalizing, StatusCancelling},
		{StatusCancelling, StatusFailed},
		{StatusCompleted, StatusFailed},
		{StatusCompleted, StatusInProgress},
		{StatusFailed, StatusInProgress},
		{StatusCancelled, StatusCancelling},
		{StatusExpired, StatusInProgress},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	terminals := []JobStatus{StatusCompleted, StatusFailed, StatusExpired, StatusCancelled}
	all := []JobStatus{
		StatusValidating, StatusInProgress, StatusFinalizing, StatusCompleted,
		StatusFailed, StatusExpired, StatusCancelling, StatusCancelled,
	}
	for _, from := range terminals {
		if !from.IsTerminal() {
			t.Errorf("%s should be terminal", from)
		}
		for _, to := range all {
			if CanTransition(from, to) {
				t.Errorf("terminal %s must not transition to %s", from, to)
			}
		}
	}
}

func TestNewJob(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := NewJob("file-abc", "llama-3-8b", 120, PriorityHigh, "24h", now)

	if job.Object != "batch" {
		t.Errorf("Object = %q, want batch", job.Object)
	}
	if job.Status != StatusValidating {
		t.Errorf("Status = %q, want validating", job.Status)
	}
	if job.Endpoint != EndpointChatCompletions {
		t.Errorf("Endpoint = %q", job.Endpoint)
	}
	if job.CreatedAt != now.Unix() {
		t.Errorf("CreatedAt = %d, want %d", job.CreatedAt, now.Unix())
	}
	if want := now.Add(24 * time.Hour).Unix(); job.ExpiresAt != want {
		t.Errorf("ExpiresAt = %d, want %d", job.ExpiresAt, want)
	}
	if job.RequestCounts.Total != 120 || job.RequestCounts.Completed != 0 || job.RequestCounts.Failed != 0 {
		t.Errorf("RequestCounts = %+v", job.RequestCounts)
	}
	if job.Priority != PriorityHigh {
		t.Errorf("Priority = %d", job.Priority)
	}
}

func TestNewJobBadWindowFallsBackToDefault(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := NewJob("file-abc", "m", 1, PriorityNormal, "not-a-duration", now)
	if job.CompletionWindow != DefaultCompletionWindow {
		t.Errorf("CompletionWindow = %q, want %q", job.CompletionWindow, DefaultCompletionWindow)
	}
	if want := now.Add(24 * time.Hour).Unix(); job.ExpiresAt != want {
		t.Errorf("ExpiresAt = %d, want %d", job.ExpiresAt, want)
	}
}

func TestPriorityValid(t *testing.T) {
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh} {
		if !p.Valid() {
			t.Errorf("priority %d should be valid", p)
		}
	}
	for _, p := range []Priority{-2, 2, 10} {
		if p.Valid() {
			t.Errorf("priority %d should be invalid", p)
		}
	}
}

func TestHeartbeatStale(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hb := Heartbeat{LastSeen: now.Add(-59 * time.Second).Unix()}
	if hb.Stale(now) {
		t.Error("heartbeat 59s old should not be stale")
	}
	hb.LastSeen = now.Add(-61 * time.Second).Unix()
	if !hb.Stale(now) {
		t.Error("heartbeat 61s old should be stale")
	}
}

func TestTimestampField(t *testing.T) {
	cases := map[JobStatus]string{
		StatusInProgress: "in_progress_at",
		StatusFinalizing: "finalizing_at",
		StatusCompleted:  "completed_at",
		StatusFailed:     "failed_at",
		StatusExpired:    "expired_at",
		StatusCancelling: "cancelling_at",
		StatusCancelled:  "cancelled_at",
		StatusValidating: "",
	}
	for status, want := range cases {
		if got := status.TimestampField(); got != want {
			t.Errorf("TimestampField(%s) = %q, want %q", status, got, want)
		}
	}
}
