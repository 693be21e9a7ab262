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

// Package attest verifies device integrity before certificate issuance.
// Android devices present a SafetyNet JWS, iOS devices a DeviceCheck token,
// and desktop clients a hardware fingerprint subject to rate limiting.
package attest

import (
	"context"
	"crypto/x509"
	"net/http"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/impalah/apuntador-backend"
	"github.com/impalah/apuntador-backend/lib/defaults"
	"github.com/impalah/apuntador-backend/lib/storage"
	logutils "github.com/impalah/apuntador-backend/lib/utils/log"
)

var log = logutils.NewPackageLogger(apuntador.ComponentKey, apuntador.Component(apuntador.ComponentAttest))

// Status is the outcome of an attestation check.
type Status string

const (
	// StatusValid means the device passed integrity verification.
	StatusValid Status = "valid"
	// StatusInvalid means the evidence was well-formed but the device
	// failed verification.
	StatusInvalid Status = "invalid"
	// StatusFailed means verification could not complete, for example the
	// evidence was unparseable or an upstream call errored.
	StatusFailed Status = "failed"
	// StatusUnsupported means the platform cannot be verified with the
	// current configuration.
	StatusUnsupported Status = "unsupported"
)

// Result is the verdict for one attestation request. Platform-specific
// detail fields are nil when they do not apply.
type Result struct {
	Status    Status    `json:"status"`
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	// ErrorMessage explains non-valid verdicts.
	ErrorMessage string `json:"error_message,omitempty"`
	// CTSProfileMatch and BasicIntegrity are the SafetyNet verdict bits.
	CTSProfileMatch *bool `json:"cts_profile_match,omitempty"`
	BasicIntegrity  *bool `json:"basic_integrity,omitempty"`
	// Advice carries SafetyNet remediation hints on invalid verdicts.
	Advice string `json:"advice,omitempty"`
	// IntegrityVerified is the DeviceCheck verdict bit.
	IntegrityVerified *bool `json:"integrity_verified,omitempty"`
	// FingerprintMatch and RateLimitOK are the desktop verdict bits.
	FingerprintMatch *bool `json:"fingerprint_match,omitempty"`
	RateLimitOK      *bool `json:"rate_limit_ok,omitempty"`
	// Cached marks verdicts served from the attestation cache.
	Cached bool `json:"cached,omitempty"`
}

// SafetyNetRequest carries Android attestation evidence.
type SafetyNetRequest struct {
	DeviceID string `json:"device_id"`
	JWSToken string `json:"jws_token"`
	Nonce    string `json:"nonce"`
}

// DeviceCheckRequest carries iOS attestation evidence.
type DeviceCheckRequest struct {
	DeviceID    string `json:"device_id"`
	DeviceToken string `json:"device_token"`
}

// DesktopRequest carries a desktop hardware fingerprint.
type DesktopRequest struct {
	DeviceID    string `json:"device_id"`
	Fingerprint string `json:"fingerprint"`
}

// AppleCredentials is the DeviceCheck API registration. All three fields
// must be set for iOS attestation to be supported.
type AppleCredentials struct {
	TeamID        string
	KeyID         string
	PrivateKeyPEM string
}

// Config holds parameters for the attestation service.
type Config struct {
	// Blobs persists desktop rate-limit counters across restarts.
	Blobs storage.BlobStore
	// Apple enables DeviceCheck verification when fully populated.
	Apple AppleCredentials
	// CacheTTL is how long non-failed verdicts are reused. Defaults to
	// the standard attestation TTL.
	CacheTTL time.Duration
	// SafetyNetRoots overrides the trust anchors for the SafetyNet x5c
	// chain. Nil selects the system pool.
	SafetyNetRoots *x509.CertPool
	// Client performs upstream HTTP calls.
	Client *http.Client
	// Clock overrides time for tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Blobs == nil {
		return trace.BadParameter("missing parameter Blobs")
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaults.AttestationCacheTTL
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: defaults.UpstreamRequestTimeout}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewService creates the attestation service.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{
		cfg:   cfg,
		cache: make(map[string]cacheEntry),
	}, nil
}

// Service verifies attestation evidence per platform and caches non-failed
// verdicts so devices are not re-verified on every enrollment.
type Service struct {
	cfg Config

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	result    Result
	expiresAt time.Time
}

// cached returns the cached verdict for (deviceID, platform) if it has not
// expired. Expired entries are evicted on access.
func (s *Service) cached(deviceID, platform string) (*Result, bool) {
	key := deviceID + ":" + platform
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[key]
	if !ok {
		return nil, false
	}
	if !s.cfg.Clock.Now().Before(entry.expiresAt) {
		delete(s.cache, key)
		return nil, false
	}
	result := entry.result
	result.Cached = true
	return &result, true
}

// store caches the verdict unless it is a FAILED one. Failures must not
// suppress a retry with correct evidence.
func (s *Service) store(deviceID, platform string, result Result) {
	if result.Status == StatusFailed {
		return
	}
	key := deviceID + ":" + platform
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = cacheEntry{
		result:    result,
		expiresAt: s.cfg.Clock.Now().Add(s.cfg.CacheTTL),
	}
}

// ClearCache drops every cached verdict.
func (s *Service) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := len(s.cache)
	s.cache = make(map[string]cacheEntry)
	log.Info("Cleared attestation cache.", "entries", count)
}

// Verify dispatches to the platform-specific verifier. Unknown platforms
// are unsupported rather than an error so enrollment policy can decide what
// to do with them.
func (s *Service) Verify(ctx context.Context, platform string, req any) (*Result, error) {
	switch platform {
	case apuntador.PlatformAndroid:
		r, ok := req.(SafetyNetRequest)
		if !ok {
			return nil, trace.BadParameter("android attestation requires a SafetyNet request")
		}
		return s.VerifySafetyNet(ctx, r)
	case apuntador.PlatformIOS:
		r, ok := req.(DeviceCheckRequest)
		if !ok {
			return nil, trace.BadParameter("ios attestation requires a DeviceCheck request")
		}
		return s.VerifyDeviceCheck(ctx, r)
	case apuntador.PlatformDesktop:
		r, ok := req.(DesktopRequest)
		if !ok {
			return nil, trace.BadParameter("desktop attestation requires a fingerprint request")
		}
		return s.VerifyDesktop(ctx, r)
	}
	return &Result{
		Status:       StatusUnsupported,
		DeviceID:     deviceIDOf(req),
		Timestamp:    s.cfg.Clock.Now(),
		ErrorMessage: "no attestation mechanism for platform " + platform,
	}, nil
}

func deviceIDOf(req any) string {
	switch r := req.(type) {
	case SafetyNetRequest:
		return r.DeviceID
	case DeviceCheckRequest:
		return r.DeviceID
	case DesktopRequest:
		return r.DeviceID
	}
	return ""
}

func boolPtr(b bool) *bool { return &b }
