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

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Signature and timestamp headers carried on every delivery.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

// Receivers must reject timestamps older than ReplayWindow, with at most
// ClockSkew of forward drift tolerated.
const (
	ReplayWindow = 300 * time.Second
	ClockSkew    = 60 * time.Second
)

var (
	ErrBadSignature   = errors.New("webhook: signature mismatch")
	ErrStaleTimestamp = errors.New("webhook: timestamp outside replay window")
)

// CanonicalJSON re-encodes a JSON document with object keys sorted at
// every level, producing the exact bytes both sides sign. Go's
// encoding/json already emits map keys in sorted order, so decoding into
// interface{} values and re-marshalling is sufficient.
func CanonicalJSON(payload []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return json.Marshal(v)
}

// Sign computes the delivery signature over the canonical form of payload:
// "sha256=" + hex(HMAC-SHA256(secret, canonical)).
func Sign(secret string, payload []byte) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a received signature against the payload in constant time,
// and rejects deliveries whose timestamp falls outside the replay window.
// It is used by the retry admin path and exported for receiver-side tests.
func Verify(secret string, payload []byte, signature string, timestamp int64, now time.Time) error {
	age := now.Unix() - timestamp
	if age > int64(ReplayWindow/time.Second) || -age > int64(ClockSkew/time.Second) {
		return ErrStaleTimestamp
	}
	want, err := Sign(secret, payload)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
