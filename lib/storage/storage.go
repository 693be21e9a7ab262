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

// Package storage defines the infrastructure repository interfaces backing
// the certificate authority, the mTLS gateway and the OAuth broker, along
// with the factory that selects a concrete implementation family.
package storage

import (
	"context"
	"regexp"
	"time"

	"github.com/gravitational/trace"
)

// DeviceIDPattern constrains device identifiers accepted anywhere in the
// system.
var DeviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{5,128}$`)

// SerialPattern is the registry representation of a certificate serial:
// a 128-bit value as 32 uppercase hex characters.
var SerialPattern = regexp.MustCompile(`^[0-9A-F]{32}$`)

// Certificate is one issued-certificate registry record, keyed by
// (device_id, serial). The PEM is immutable after the first write; only the
// revocation fields change afterwards.
type Certificate struct {
	DeviceID         string     `json:"device_id"`
	Serial           string     `json:"serial"`
	Platform         string     `json:"platform"`
	IssuedAt         time.Time  `json:"issued_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	CertificatePEM   string     `json:"certificate_pem"`
	Revoked          bool       `json:"revoked"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
}

// CheckAndSetDefaults validates the record before it is written.
func (c *Certificate) CheckAndSetDefaults() error {
	if !DeviceIDPattern.MatchString(c.DeviceID) {
		return trace.BadParameter("invalid device id %q", c.DeviceID)
	}
	if !SerialPattern.MatchString(c.Serial) {
		return trace.BadParameter("invalid certificate serial %q", c.Serial)
	}
	if c.Platform == "" {
		return trace.BadParameter("missing certificate platform")
	}
	if !c.ExpiresAt.After(c.IssuedAt) {
		return trace.BadParameter("certificate expiry %v is not after issue time %v",
			c.ExpiresAt, c.IssuedAt)
	}
	if c.CertificatePEM == "" {
		return trace.BadParameter("missing certificate PEM")
	}
	return nil
}

// CertificateStore is the registry of issued device certificates. It is
// shared between the certificate authority (writes) and the mTLS gateway
// (reads) and must be safe for concurrent use.
type CertificateStore interface {
	// Save upserts a record by (device_id, serial).
	Save(ctx context.Context, cert Certificate) error

	// GetLatest returns the most recently issued record for the device, or
	// a NotFound error.
	GetLatest(ctx context.Context, deviceID string) (*Certificate, error)

	// GetBySerial returns the record with the given serial, or a NotFound
	// error. This is the hot path for request validation.
	GetBySerial(ctx context.Context, serial string) (*Certificate, error)

	// IsWhitelisted reports whether a record for the serial exists, is not
	// revoked, and the current time falls inside its validity window. This
	// is the single authoritative predicate used by the mTLS gateway.
	IsWhitelisted(ctx context.Context, serial string) (bool, error)

	// Revoke marks the latest certificate of the device revoked. It
	// returns false when the device has no certificate.
	Revoke(ctx context.Context, deviceID, reason string) (bool, error)

	// RevokeSerial marks the certificate with the given serial revoked. It
	// returns false when no such serial exists. Renewal uses this to retire
	// the previous certificate after the replacement is persisted.
	RevokeSerial(ctx context.Context, serial, reason string) (bool, error)

	// ListExpiring returns all non-revoked records expiring within the
	// given number of days.
	ListExpiring(ctx context.Context, days int) ([]Certificate, error)

	// ListAll enumerates every record.
	ListAll(ctx context.Context) ([]Certificate, error)
}

// SecretStore holds small sensitive values, notably the CA key material.
type SecretStore interface {
	// Get returns the secret value, or a NotFound error.
	Get(ctx context.Context, key string) (string, error)

	// Put creates or replaces the secret value.
	Put(ctx context.Context, key, value string) error

	// Delete removes the secret.
	Delete(ctx context.Context, key string) error

	// List returns the known secret keys.
	List(ctx context.Context) ([]string, error)
}

// BlobStore holds opaque objects addressed by key.
type BlobStore interface {
	// Upload stores the object and returns its URI.
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// Download returns the object contents, or a NotFound error.
	Download(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object. It returns false when no object existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Exists reports whether the object is present.
	Exists(ctx context.Context, key string) (bool, error)

	// PresignedURL returns a time-limited URL granting read access to the
	// object without further authentication.
	PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)

	// List returns the keys under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Stores bundles the three repositories produced by the factory.
type Stores struct {
	Certificates CertificateStore
	Secrets      SecretStore
	Blobs        BlobStore
}
