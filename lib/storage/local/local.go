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

// Package local implements the repository interfaces on the local
// filesystem. It is the development and single-node deployment backend; it
// offers no encryption at rest.
package local

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/impalah/apuntador-backend"
	"github.com/impalah/apuntador-backend/lib/storage"
	"github.com/impalah/apuntador-backend/lib/utils"
	logutils "github.com/impalah/apuntador-backend/lib/utils/log"
)

var log = logutils.NewPackageLogger(apuntador.ComponentKey, apuntador.Component(apuntador.ComponentStorage, "local"))

// Config holds parameters for the filesystem-backed repositories.
type Config struct {
	// Dir is the base directory all state lives under.
	Dir string
	// Clock overrides time for tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Dir == "" {
		return trace.BadParameter("missing parameter Dir")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

const (
	certificatesDir = "certificates"
	serialsDir      = "serials"
	secretsDir      = "secrets"
	blobsDir        = "blobs"
)

// serialPointer maps a serial back to the device file that holds its record.
type serialPointer struct {
	DeviceID string `json:"device_id"`
}

// NewCertificateStore creates a filesystem certificate registry under
// cfg.Dir.
func NewCertificateStore(cfg Config) (*CertificateStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	for _, sub := range []string{certificatesDir, serialsDir} {
		if err := os.MkdirAll(filepath.Join(cfg.Dir, sub), 0o755); err != nil {
			return nil, trace.ConvertSystemError(err)
		}
	}
	return &CertificateStore{cfg: cfg}, nil
}

// CertificateStore keeps one JSON file per device plus a pointer file per
// serial so serial lookups do not scan every device. Writes are serialized
// in-process; the rename in AtomicWriteFile keeps readers consistent.
type CertificateStore struct {
	cfg Config

	mu sync.Mutex
}

func (s *CertificateStore) devicePath(deviceID string) string {
	return filepath.Join(s.cfg.Dir, certificatesDir, deviceID+".json")
}

func (s *CertificateStore) serialPath(serial string) string {
	return filepath.Join(s.cfg.Dir, serialsDir, serial+".json")
}

func (s *CertificateStore) readDevice(deviceID string) ([]storage.Certificate, error) {
	data, err := os.ReadFile(s.devicePath(deviceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("no certificates for device %q", deviceID)
		}
		return nil, trace.ConvertSystemError(err)
	}
	var certs []storage.Certificate
	if err := json.Unmarshal(data, &certs); err != nil {
		return nil, trace.Wrap(err, "decoding certificate records for device %q", deviceID)
	}
	return certs, nil
}

func (s *CertificateStore) writeDevice(deviceID string, certs []storage.Certificate) error {
	data, err := json.MarshalIndent(certs, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	if err := utils.AtomicWriteFile(s.devicePath(deviceID), data, 0o644); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// Save upserts a record by (device_id, serial) and records the serial
// pointer.
func (s *CertificateStore) Save(ctx context.Context, cert storage.Certificate) error {
	if err := cert.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	certs, err := s.readDevice(cert.DeviceID)
	if err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	replaced := false
	for i := range certs {
		if certs[i].Serial == cert.Serial {
			certs[i] = cert
			replaced = true
			break
		}
	}
	if !replaced {
		certs = append(certs, cert)
	}
	if err := s.writeDevice(cert.DeviceID, certs); err != nil {
		return trace.Wrap(err)
	}

	pointer, err := json.Marshal(serialPointer{DeviceID: cert.DeviceID})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := utils.AtomicWriteFile(s.serialPath(cert.Serial), pointer, 0o644); err != nil {
		return trace.Wrap(err)
	}
	log.DebugContext(ctx, "Saved certificate record.",
		"device_id", cert.DeviceID, "serial", cert.Serial)
	return nil
}

// GetLatest returns the most recently issued record for the device. Issue
// timestamps are the ground truth; serials are random and carry no order.
func (s *CertificateStore) GetLatest(ctx context.Context, deviceID string) (*storage.Certificate, error) {
	certs, err := s.readDevice(deviceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(certs) == 0 {
		return nil, trace.NotFound("no certificates for device %q", deviceID)
	}
	latest := certs[0]
	for _, cert := range certs[1:] {
		if cert.IssuedAt.After(latest.IssuedAt) {
			latest = cert
		}
	}
	return &latest, nil
}

// GetBySerial resolves the serial pointer and returns the full record.
// Serials are stored uppercase; lookups accept any case.
func (s *CertificateStore) GetBySerial(ctx context.Context, serial string) (*storage.Certificate, error) {
	data, err := os.ReadFile(s.serialPath(strings.ToUpper(serial)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("unknown certificate serial %q", serial)
		}
		return nil, trace.ConvertSystemError(err)
	}
	var pointer serialPointer
	if err := json.Unmarshal(data, &pointer); err != nil {
		return nil, trace.Wrap(err, "decoding serial pointer %q", serial)
	}
	certs, err := s.readDevice(pointer.DeviceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, cert := range certs {
		if strings.EqualFold(cert.Serial, serial) {
			return &cert, nil
		}
	}
	return nil, trace.NotFound("unknown certificate serial %q", serial)
}

// IsWhitelisted reports whether the serial maps to a live, non-revoked
// record.
func (s *CertificateStore) IsWhitelisted(ctx context.Context, serial string) (bool, error) {
	cert, err := s.GetBySerial(ctx, serial)
	if err != nil {
		if trace.IsNotFound(err) {
			return false, nil
		}
		return false, trace.Wrap(err)
	}
	now := s.cfg.Clock.Now()
	if cert.Revoked {
		return false, nil
	}
	if now.Before(cert.IssuedAt) || now.After(cert.ExpiresAt) {
		return false, nil
	}
	return true, nil
}

// Revoke marks the latest certificate of the device revoked.
func (s *CertificateStore) Revoke(ctx context.Context, deviceID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	certs, err := s.readDevice(deviceID)
	if err != nil {
		if trace.IsNotFound(err) {
			return false, nil
		}
		return false, trace.Wrap(err)
	}
	if len(certs) == 0 {
		return false, nil
	}
	latest := 0
	for i := range certs {
		if certs[i].IssuedAt.After(certs[latest].IssuedAt) {
			latest = i
		}
	}
	now := s.cfg.Clock.Now().UTC()
	certs[latest].Revoked = true
	certs[latest].RevokedAt = &now
	certs[latest].RevocationReason = reason
	if err := s.writeDevice(deviceID, certs); err != nil {
		return false, trace.Wrap(err)
	}
	log.InfoContext(ctx, "Revoked certificate.",
		"device_id", deviceID, "serial", certs[latest].Serial, "reason", reason)
	return true, nil
}

// RevokeSerial marks the certificate with the given serial revoked.
func (s *CertificateStore) RevokeSerial(ctx context.Context, serial, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.serialPath(strings.ToUpper(serial)))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, trace.ConvertSystemError(err)
	}
	var pointer serialPointer
	if err := json.Unmarshal(data, &pointer); err != nil {
		return false, trace.Wrap(err, "decoding serial pointer %q", serial)
	}
	certs, err := s.readDevice(pointer.DeviceID)
	if err != nil {
		if trace.IsNotFound(err) {
			return false, nil
		}
		return false, trace.Wrap(err)
	}
	for i := range certs {
		if !strings.EqualFold(certs[i].Serial, serial) {
			continue
		}
		now := s.cfg.Clock.Now().UTC()
		certs[i].Revoked = true
		certs[i].RevokedAt = &now
		certs[i].RevocationReason = reason
		if err := s.writeDevice(pointer.DeviceID, certs); err != nil {
			return false, trace.Wrap(err)
		}
		log.InfoContext(ctx, "Revoked certificate.",
			"device_id", pointer.DeviceID, "serial", certs[i].Serial, "reason", reason)
		return true, nil
	}
	return false, nil
}

// ListExpiring returns non-revoked records expiring within the given number
// of days.
func (s *CertificateStore) ListExpiring(ctx context.Context, days int) ([]storage.Certificate, error) {
	certs, err := s.ListAll(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	horizon := s.cfg.Clock.Now().Add(time.Duration(days) * 24 * time.Hour)
	var expiring []storage.Certificate
	for _, cert := range certs {
		if !cert.Revoked && !cert.ExpiresAt.After(horizon) {
			expiring = append(expiring, cert)
		}
	}
	return expiring, nil
}

// ListAll enumerates every record across all device files.
func (s *CertificateStore) ListAll(ctx context.Context) ([]storage.Certificate, error) {
	entries, err := os.ReadDir(filepath.Join(s.cfg.Dir, certificatesDir))
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var all []storage.Certificate
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		certs, err := s.readDevice(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			if trace.IsNotFound(err) {
				continue
			}
			return nil, trace.Wrap(err)
		}
		all = append(all, certs...)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].IssuedAt.Before(all[j].IssuedAt)
	})
	return all, nil
}
