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

// Package enroll coordinates device certificate lifecycle operations on
// top of the certificate authority: enrollment with an attestation gate,
// renewal with automatic revocation of the previous certificate,
// revocation and status checks.
package enroll

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/impalah/apuntador-backend"
	"github.com/impalah/apuntador-backend/lib/attest"
	"github.com/impalah/apuntador-backend/lib/ca"
	"github.com/impalah/apuntador-backend/lib/defaults"
	"github.com/impalah/apuntador-backend/lib/httplib"
	"github.com/impalah/apuntador-backend/lib/storage"
	logutils "github.com/impalah/apuntador-backend/lib/utils/log"
)

var log = logutils.NewPackageLogger(apuntador.ComponentKey, apuntador.Component(apuntador.ComponentEnroll))

// AttestationEvidence is the platform-specific integrity proof attached to
// an enrollment request. Only the fields for the device's platform are
// consulted.
type AttestationEvidence struct {
	// JWSToken and Nonce carry Android SafetyNet evidence.
	JWSToken string `json:"jws_token,omitempty"`
	Nonce    string `json:"nonce,omitempty"`
	// DeviceToken carries iOS DeviceCheck evidence.
	DeviceToken string `json:"device_token,omitempty"`
	// Fingerprint carries the desktop hardware fingerprint.
	Fingerprint string `json:"fingerprint,omitempty"`
}

// EnrollRequest asks for a new certificate for a device.
type EnrollRequest struct {
	DeviceID    string               `json:"device_id"`
	Platform    string               `json:"platform"`
	CSR         string               `json:"csr"`
	Attestation *AttestationEvidence `json:"attestation,omitempty"`
}

// RenewRequest asks for a replacement certificate. The platform is carried
// forward from the current certificate, not taken from the caller.
type RenewRequest struct {
	DeviceID  string `json:"device_id"`
	OldSerial string `json:"old_serial"`
	CSR       string `json:"csr"`
}

// EnrollResult is the issued certificate plus the CA certificate for the
// client truststore.
type EnrollResult struct {
	Certificate   string    `json:"certificate"`
	Serial        string    `json:"serial"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	CACertificate string    `json:"ca_certificate"`
}

// RevokeResult reports the outcome of a revocation request.
type RevokeResult struct {
	Success  bool   `json:"success"`
	DeviceID string `json:"device_id"`
	Message  string `json:"message"`
}

// Status is the certificate state for a device.
type Status struct {
	DeviceID        string    `json:"device_id"`
	Serial          string    `json:"serial"`
	Platform        string    `json:"platform"`
	IssuedAt        time.Time `json:"issued_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	Revoked         bool      `json:"revoked"`
	DaysUntilExpiry int       `json:"days_until_expiry"`
}

// Config holds parameters for the enrollment coordinator.
type Config struct {
	// Authority signs CSRs and serves the CA certificate.
	Authority *ca.Authority
	// Certificates is the issued-certificate registry.
	Certificates storage.CertificateStore
	// Attestor verifies device integrity evidence. Optional; without it
	// attestation evidence is rejected rather than silently ignored.
	Attestor *attest.Service
	// RequireAttestation rejects enrollments that carry no attestation
	// evidence.
	RequireAttestation bool
	// Clock overrides time for tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Authority == nil {
		return trace.BadParameter("missing parameter Authority")
	}
	if c.Certificates == nil {
		return trace.BadParameter("missing parameter Certificates")
	}
	if c.RequireAttestation && c.Attestor == nil {
		return trace.BadParameter("RequireAttestation is set but no Attestor is configured")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewCoordinator creates the enrollment coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Coordinator{cfg: cfg}, nil
}

// Coordinator drives certificate lifecycle operations.
type Coordinator struct {
	cfg Config
}

// Enroll verifies attestation evidence when present and signs the CSR.
// When evidence is supplied it must verify as valid before any certificate
// is issued.
func (c *Coordinator) Enroll(ctx context.Context, req EnrollRequest) (*EnrollResult, error) {
	log.InfoContext(ctx, "Enrolling device.",
		"device_id", req.DeviceID, "platform", req.Platform)

	if req.Attestation != nil {
		if err := c.checkAttestation(ctx, req); err != nil {
			return nil, trace.Wrap(err)
		}
	} else if c.cfg.RequireAttestation {
		return nil, httplib.NewProblem(http.StatusForbidden, httplib.CodeAttestationFailed,
			"attestation evidence is required for enrollment")
	}

	cert, err := c.cfg.Authority.SignCSR(ctx, []byte(req.CSR), req.DeviceID, req.Platform,
		defaults.CertValidityDays(req.Platform))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return c.result(ctx, cert)
}

// checkAttestation verifies the supplied evidence and maps non-valid
// verdicts to taxonomy errors.
func (c *Coordinator) checkAttestation(ctx context.Context, req EnrollRequest) error {
	if c.cfg.Attestor == nil {
		return httplib.NewProblem(http.StatusBadRequest, httplib.CodeAttestationUnsupported,
			"attestation verification is not configured")
	}
	var evidence any
	switch req.Platform {
	case apuntador.PlatformAndroid:
		evidence = attest.SafetyNetRequest{
			DeviceID: req.DeviceID,
			JWSToken: req.Attestation.JWSToken,
			Nonce:    req.Attestation.Nonce,
		}
	case apuntador.PlatformIOS:
		evidence = attest.DeviceCheckRequest{
			DeviceID:    req.DeviceID,
			DeviceToken: req.Attestation.DeviceToken,
		}
	default:
		evidence = attest.DesktopRequest{
			DeviceID:    req.DeviceID,
			Fingerprint: req.Attestation.Fingerprint,
		}
	}
	result, err := c.cfg.Attestor.Verify(ctx, req.Platform, evidence)
	if err != nil {
		return trace.Wrap(err)
	}
	switch result.Status {
	case attest.StatusValid:
		return nil
	case attest.StatusInvalid:
		if result.RateLimitOK != nil && !*result.RateLimitOK {
			return httplib.NewProblem(http.StatusTooManyRequests, httplib.CodeAttestationRateLimited,
				"attestation rate limit exceeded for device %v", req.DeviceID)
		}
		return httplib.NewProblem(http.StatusForbidden, httplib.CodeAttestationInvalid,
			"device failed integrity verification: %v", result.ErrorMessage)
	case attest.StatusUnsupported:
		return httplib.NewProblem(http.StatusBadRequest, httplib.CodeAttestationUnsupported,
			"attestation is not supported: %v", result.ErrorMessage)
	}
	return httplib.NewProblem(http.StatusBadRequest, httplib.CodeAttestationFailed,
		"attestation verification failed: %v", result.ErrorMessage)
}

// Renew issues a replacement certificate and revokes the previous one. The
// new certificate is persisted before the old one is revoked, so a brief
// window exists where both validate; gateway consumers tolerate this. A
// failed revocation is retried once and then left to the expiry sweep, and
// the renewal still succeeds since the client's next request will present
// the new certificate.
func (c *Coordinator) Renew(ctx context.Context, req RenewRequest) (*EnrollResult, error) {
	log.InfoContext(ctx, "Renewing certificate.", "device_id", req.DeviceID)

	latest, err := c.cfg.Certificates.GetLatest(ctx, req.DeviceID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, httplib.NewProblem(http.StatusNotFound, httplib.CodeNotFound,
				"no certificate found for device %v", req.DeviceID)
		}
		return nil, trace.Wrap(err)
	}
	if !strings.EqualFold(latest.Serial, req.OldSerial) {
		log.WarnContext(ctx, "Renewal serial mismatch.",
			"device_id", req.DeviceID, "expected", latest.Serial, "got", req.OldSerial)
		return nil, httplib.NewProblem(http.StatusConflict, httplib.CodeSerialMismatch,
			"old serial number does not match the current certificate")
	}

	cert, err := c.cfg.Authority.SignCSR(ctx, []byte(req.CSR), req.DeviceID, latest.Platform,
		defaults.CertValidityDays(latest.Platform))
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if _, err := c.cfg.Certificates.RevokeSerial(ctx, latest.Serial, "renewed"); err != nil {
		log.WarnContext(ctx, "Failed to revoke previous certificate, retrying.",
			"device_id", req.DeviceID, "old_serial", latest.Serial, "error", err)
		if _, err := c.cfg.Certificates.RevokeSerial(ctx, latest.Serial, "renewed"); err != nil {
			log.ErrorContext(ctx, "Previous certificate left unrevoked after renewal.",
				"device_id", req.DeviceID, "old_serial", latest.Serial, "error", err)
		}
	}

	log.InfoContext(ctx, "Certificate renewed.",
		"device_id", req.DeviceID, "old_serial", latest.Serial, "new_serial", cert.Serial)
	return c.result(ctx, cert)
}

// Revoke marks the device's current certificate revoked.
func (c *Coordinator) Revoke(ctx context.Context, deviceID, reason string) (*RevokeResult, error) {
	if reason == "" {
		reason = "not specified"
	}
	log.WarnContext(ctx, "Revoking certificate.", "device_id", deviceID, "reason", reason)

	revoked, err := c.cfg.Certificates.Revoke(ctx, deviceID, reason)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !revoked {
		return &RevokeResult{
			Success:  false,
			DeviceID: deviceID,
			Message:  "no certificate found for device " + deviceID,
		}, nil
	}
	return &RevokeResult{
		Success:  true,
		DeviceID: deviceID,
		Message:  "certificate revoked for device " + deviceID,
	}, nil
}

// GetStatus returns the state of the device's current certificate.
func (c *Coordinator) GetStatus(ctx context.Context, deviceID string) (*Status, error) {
	cert, err := c.cfg.Certificates.GetLatest(ctx, deviceID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, httplib.NewProblem(http.StatusNotFound, httplib.CodeNotFound,
				"no certificate found for device %v", deviceID)
		}
		return nil, trace.Wrap(err)
	}
	return &Status{
		DeviceID:        cert.DeviceID,
		Serial:          cert.Serial,
		Platform:        cert.Platform,
		IssuedAt:        cert.IssuedAt,
		ExpiresAt:       cert.ExpiresAt,
		Revoked:         cert.Revoked,
		DaysUntilExpiry: int(cert.ExpiresAt.Sub(c.cfg.Clock.Now()).Hours() / 24),
	}, nil
}

func (c *Coordinator) result(ctx context.Context, cert *storage.Certificate) (*EnrollResult, error) {
	caPEM, err := c.cfg.Authority.CACertificatePEM(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &EnrollResult{
		Certificate:   cert.CertificatePEM,
		Serial:        cert.Serial,
		IssuedAt:      cert.IssuedAt,
		ExpiresAt:     cert.ExpiresAt,
		CACertificate: caPEM,
	}, nil
}
