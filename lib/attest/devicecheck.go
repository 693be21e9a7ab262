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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/impalah/apuntador-backend"
	"github.com/impalah/apuntador-backend/lib/storage"
)

// DeviceCheckValidateURL is Apple's device token validation endpoint.
const DeviceCheckValidateURL = "https://api.devicecheck.apple.com/v1/validate_device_token"

// configured reports whether the full DeviceCheck registration is present.
func (a AppleCredentials) configured() bool {
	return a.TeamID != "" && a.KeyID != "" && a.PrivateKeyPEM != ""
}

// VerifyDeviceCheck checks an iOS device token against Apple's DeviceCheck
// API. Without Apple credentials the platform is unsupported, which lets
// deployments without an Apple developer account still enroll iOS devices
// under a policy that tolerates unsupported attestation.
func (s *Service) VerifyDeviceCheck(ctx context.Context, req DeviceCheckRequest) (*Result, error) {
	if !storage.DeviceIDPattern.MatchString(req.DeviceID) {
		return nil, trace.BadParameter("invalid device id %q", req.DeviceID)
	}
	if cached, ok := s.cached(req.DeviceID, apuntador.PlatformIOS); ok {
		log.DebugContext(ctx, "Using cached attestation verdict.", "device_id", req.DeviceID)
		return cached, nil
	}

	if !s.cfg.Apple.configured() {
		log.WarnContext(ctx, "DeviceCheck credentials are not configured.")
		result := Result{
			Status:       StatusUnsupported,
			DeviceID:     req.DeviceID,
			Timestamp:    s.cfg.Clock.Now(),
			ErrorMessage: "DeviceCheck not configured",
		}
		s.store(req.DeviceID, apuntador.PlatformIOS, result)
		return &result, nil
	}
	if req.DeviceToken == "" {
		return &Result{
			Status:       StatusInvalid,
			DeviceID:     req.DeviceID,
			Timestamp:    s.cfg.Clock.Now(),
			ErrorMessage: "missing device token",
		}, nil
	}

	verified, err := s.validateDeviceToken(ctx, req.DeviceToken)
	if err != nil {
		log.WarnContext(ctx, "DeviceCheck verification failed.",
			"device_id", req.DeviceID, "error", err)
		return &Result{
			Status:       StatusFailed,
			DeviceID:     req.DeviceID,
			Timestamp:    s.cfg.Clock.Now(),
			ErrorMessage: trace.UserMessage(err),
		}, nil
	}

	result := Result{
		Status:            StatusInvalid,
		DeviceID:          req.DeviceID,
		Timestamp:         s.cfg.Clock.Now(),
		IntegrityVerified: boolPtr(verified),
	}
	if verified {
		result.Status = StatusValid
	} else {
		result.ErrorMessage = "device token rejected by Apple"
	}
	log.InfoContext(ctx, "DeviceCheck verdict.",
		"device_id", req.DeviceID, "status", result.Status)

	s.store(req.DeviceID, apuntador.PlatformIOS, result)
	return &result, nil
}

// validateDeviceToken authenticates to Apple with a short-lived ES256 JWT
// and posts the device token for validation. Apple answers 200 for a valid
// token.
func (s *Service) validateDeviceToken(ctx context.Context, deviceToken string) (bool, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(s.cfg.Apple.PrivateKeyPEM))
	if err != nil {
		return false, trace.BadParameter("malformed Apple private key: %v", err)
	}
	now := s.cfg.Clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": s.cfg.Apple.TeamID,
		"iat": now.Unix(),
	})
	token.Header["kid"] = s.cfg.Apple.KeyID
	bearer, err := token.SignedString(key)
	if err != nil {
		return false, trace.Wrap(err)
	}

	body, err := json.Marshal(map[string]any{
		"device_token":   deviceToken,
		"transaction_id": uuid.NewString(),
		"timestamp":      now.UnixMilli(),
	})
	if err != nil {
		return false, trace.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, DeviceCheckValidateURL,
		bytes.NewReader(body))
	if err != nil {
		return false, trace.Wrap(err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return false, trace.ConnectionProblem(err, "DeviceCheck API is unreachable")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode == http.StatusOK, nil
}
