/*
Copyright 2025 Impalah

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package attest

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/gravitational/trace"

	"github.com/impalah/apuntador-backend"
	"github.com/impalah/apuntador-backend/lib/defaults"
	"github.com/impalah/apuntador-backend/lib/storage"
)

// fingerprintPattern is a SHA-256 digest in hex.
var fingerprintPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// rateLimitKey is where the sliding-window attempt log for a device lives
// in the blob store.
func rateLimitKey(deviceID string) string {
	return "attestation/ratelimit/" + deviceID + ".json"
}

// VerifyDesktop checks a desktop hardware fingerprint. Desktop platforms
// have no hardware-backed attestation, so the check is a fingerprint format
// gate plus a per-device rate limit whose counters persist in the blob
// store and survive restarts.
func (s *Service) VerifyDesktop(ctx context.Context, req DesktopRequest) (*Result, error) {
	if !storage.DeviceIDPattern.MatchString(req.DeviceID) {
		return nil, trace.BadParameter("invalid device id %q", req.DeviceID)
	}
	if cached, ok := s.cached(req.DeviceID, apuntador.PlatformDesktop); ok {
		log.DebugContext(ctx, "Using cached attestation verdict.", "device_id", req.DeviceID)
		return cached, nil
	}

	if !fingerprintPattern.MatchString(req.Fingerprint) {
		return &Result{
			Status:       StatusInvalid,
			DeviceID:     req.DeviceID,
			Timestamp:    s.cfg.Clock.Now(),
			ErrorMessage: "fingerprint must be a 64-character hex SHA-256 digest",
		}, nil
	}

	withinLimit, err := s.recordAttempt(ctx, req.DeviceID)
	if err != nil {
		log.WarnContext(ctx, "Desktop rate limit check failed.",
			"device_id", req.DeviceID, "error", err)
		return &Result{
			Status:       StatusFailed,
			DeviceID:     req.DeviceID,
			Timestamp:    s.cfg.Clock.Now(),
			ErrorMessage: trace.UserMessage(err),
		}, nil
	}

	result := Result{
		Status:           StatusValid,
		DeviceID:         req.DeviceID,
		Timestamp:        s.cfg.Clock.Now(),
		FingerprintMatch: boolPtr(true),
		RateLimitOK:      boolPtr(withinLimit),
	}
	if !withinLimit {
		result.Status = StatusInvalid
		result.ErrorMessage = "rate limit exceeded"
		log.WarnContext(ctx, "Desktop attestation rate limit exceeded.",
			"device_id", req.DeviceID)
	}

	s.store(req.DeviceID, apuntador.PlatformDesktop, result)
	return &result, nil
}

// recordAttempt appends the current attempt to the device's sliding-window
// log and reports whether the attempt is within the limit. Attempts older
// than the window are dropped on every write so the log stays bounded.
func (s *Service) recordAttempt(ctx context.Context, deviceID string) (bool, error) {
	key := rateLimitKey(deviceID)
	now := s.cfg.Clock.Now()

	var attempts []time.Time
	data, err := s.cfg.Blobs.Download(ctx, key)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &attempts); err != nil {
			// A corrupt counter must not lock the device out forever.
			log.WarnContext(ctx, "Resetting corrupt rate limit counter.",
				"device_id", deviceID, "error", err)
			attempts = nil
		}
	case trace.IsNotFound(err):
	default:
		return false, trace.Wrap(err)
	}

	cutoff := now.Add(-defaults.DesktopAttestationWindow)
	recent := attempts[:0]
	for _, t := range attempts {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	withinLimit := len(recent) < defaults.DesktopAttestationMaxAttempts
	recent = append(recent, now)

	data, err = json.Marshal(recent)
	if err != nil {
		return false, trace.Wrap(err)
	}
	if _, err := s.cfg.Blobs.Upload(ctx, key, data, "application/json"); err != nil {
		return false, trace.Wrap(err)
	}
	return withinLimit, nil
}
