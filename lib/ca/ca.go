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

// Package ca implements the private certificate authority issuing
// short-lived device client certificates.
package ca

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"net/http"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/impalah/apuntador-backend"
	"github.com/impalah/apuntador-backend/lib/defaults"
	"github.com/impalah/apuntador-backend/lib/httplib"
	"github.com/impalah/apuntador-backend/lib/storage"
	"github.com/impalah/apuntador-backend/lib/tlsca"
	"github.com/impalah/apuntador-backend/lib/utils"
	logutils "github.com/impalah/apuntador-backend/lib/utils/log"
)

var log = logutils.NewPackageLogger(apuntador.ComponentKey, apuntador.Component(apuntador.ComponentCA))

// caTTL is the lifetime of a freshly provisioned CA certificate. The CA is
// not rotated at runtime; rotation re-enrolls every device.
const caTTL = 10 * 365 * 24 * time.Hour

// Config holds parameters for the certificate authority.
type Config struct {
	// Secrets holds the CA key material under the well-known keys.
	Secrets storage.SecretStore
	// Certificates is the issued-certificate registry.
	Certificates storage.CertificateStore
	// Clock overrides time for tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Secrets == nil {
		return trace.BadParameter("missing parameter Secrets")
	}
	if c.Certificates == nil {
		return trace.BadParameter("missing parameter Certificates")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// New creates a certificate authority. Key material is loaded lazily on
// first use and cached for the process lifetime.
func New(cfg Config) (*Authority, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Authority{cfg: cfg}, nil
}

// Authority signs device CSRs with the CA private key held in the secret
// store. The loaded key is published once and read lock-free afterwards.
type Authority struct {
	cfg Config

	loadOnce sync.Once
	loadErr  error
	signer   crypto.Signer
	caCert   *x509.Certificate
	caPEM    string
}

func (a *Authority) load(ctx context.Context) error {
	a.loadOnce.Do(func() {
		a.loadErr = a.doLoad(ctx)
	})
	return a.loadErr
}

func (a *Authority) doLoad(ctx context.Context) error {
	keyPEM, err := a.cfg.Secrets.Get(ctx, apuntador.SecretCAPrivateKey)
	if err != nil {
		if trace.IsNotFound(err) {
			return httplib.NewProblem(http.StatusInternalServerError,
				httplib.CodeSecretNotProvisioned,
				"CA private key secret %q is not provisioned", apuntador.SecretCAPrivateKey)
		}
		return trace.Wrap(err)
	}
	certPEM, err := a.cfg.Secrets.Get(ctx, apuntador.SecretCACertificate)
	if err != nil {
		if trace.IsNotFound(err) {
			return httplib.NewProblem(http.StatusInternalServerError,
				httplib.CodeCANotProvisioned,
				"CA certificate secret %q is not provisioned", apuntador.SecretCACertificate)
		}
		return trace.Wrap(err)
	}
	signer, err := tlsca.ParsePrivateKeyPEM([]byte(keyPEM))
	if err != nil {
		return httplib.NewProblem(http.StatusInternalServerError,
			httplib.CodeCANotProvisioned, "CA private key is unreadable: %v", err)
	}
	caCert, err := tlsca.ParseCertificatePEM([]byte(certPEM))
	if err != nil {
		return httplib.NewProblem(http.StatusInternalServerError,
			httplib.CodeCANotProvisioned, "CA certificate is unreadable: %v", err)
	}
	a.signer = signer
	a.caCert = caCert
	a.caPEM = certPEM
	log.InfoContext(ctx, "Loaded CA key material.", "subject", caCert.Subject.CommonName)
	return nil
}

// SignCSR validates the CSR and issues a leaf certificate for the device.
// A zero validityDays selects the platform default.
func (a *Authority) SignCSR(ctx context.Context, csrPEM []byte, deviceID, platform string, validityDays int) (*storage.Certificate, error) {
	if !storage.DeviceIDPattern.MatchString(deviceID) {
		return nil, trace.BadParameter("invalid device id %q", deviceID)
	}
	if platform == "" {
		return nil, trace.BadParameter("missing platform")
	}
	if len(csrPEM) < tlsca.MinCSRSize {
		return nil, httplib.NewProblem(http.StatusBadRequest, httplib.CodeInvalidCSR,
			"certificate request is too short to be a PKCS#10 CSR")
	}
	csr, err := tlsca.ParseCertificateRequestPEM(csrPEM)
	if err != nil {
		return nil, httplib.NewProblem(http.StatusBadRequest, httplib.CodeInvalidCSR,
			"parsing certificate request: %v", trace.UserMessage(err))
	}
	if err := a.load(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	if validityDays <= 0 {
		validityDays = defaults.CertValidityDays(platform)
	}

	serialNumber, err := tlsca.NewSerialNumber()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	serial := tlsca.FormatSerial(serialNumber)

	notBefore := a.cfg.Clock.Now().UTC()
	notAfter := notBefore.Add(time.Duration(validityDays) * 24 * time.Hour)

	skid, err := subjectKeyID(csr.PublicKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   deviceID,
			Organization: []string{defaults.DeviceCertOrganization},
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		SubjectKeyId:          skid,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, a.caCert, csr.PublicKey, a.signer)
	if err != nil {
		return nil, trace.Wrap(err, "signing device certificate")
	}
	leaf, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	leafPEM, err := tlsca.MarshalCertificatePEM(leaf)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	record := storage.Certificate{
		DeviceID:       deviceID,
		Serial:         serial,
		Platform:       platform,
		IssuedAt:       notBefore,
		ExpiresAt:      notAfter,
		CertificatePEM: string(leafPEM),
	}
	if err := a.cfg.Certificates.Save(ctx, record); err != nil {
		return nil, httplib.NewProblem(http.StatusInternalServerError,
			httplib.CodePersistenceFailed,
			"persisting certificate record: %v", trace.UserMessage(err))
	}
	log.InfoContext(ctx, "Issued device certificate.",
		"device_id", deviceID,
		"serial", serial,
		"platform", platform,
		"validity_days", validityDays,
	)
	return &record, nil
}

// Verify reports whether the certificate was issued by this CA and is
// currently inside its validity window. The signature is checked against
// the CA public key; issuer name match alone is not sufficient.
func (a *Authority) Verify(ctx context.Context, certPEM []byte) (bool, error) {
	if err := a.load(ctx); err != nil {
		return false, trace.Wrap(err)
	}
	cert, err := tlsca.ParseCertificatePEM(certPEM)
	if err != nil {
		return false, trace.Wrap(err)
	}
	if cert.Issuer.String() != a.caCert.Subject.String() {
		return false, nil
	}
	if err := cert.CheckSignatureFrom(a.caCert); err != nil {
		return false, nil
	}
	now := a.cfg.Clock.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return false, nil
	}
	return true, nil
}

// CheckSignature verifies that the certificate is signed by this CA,
// without evaluating its validity window.
func (a *Authority) CheckSignature(ctx context.Context, cert *x509.Certificate) error {
	if err := a.load(ctx); err != nil {
		return trace.Wrap(err)
	}
	if err := cert.CheckSignatureFrom(a.caCert); err != nil {
		return trace.AccessDenied("certificate signature verification failed: %v", err)
	}
	return nil
}

// Revoke marks the latest certificate of the device revoked.
func (a *Authority) Revoke(ctx context.Context, deviceID, reason string) (bool, error) {
	revoked, err := a.cfg.Certificates.Revoke(ctx, deviceID, reason)
	return revoked, trace.Wrap(err)
}

// ListExpiring returns non-revoked certificates expiring within the given
// number of days. A non-positive value selects the default scan horizon.
func (a *Authority) ListExpiring(ctx context.Context, days int) ([]storage.Certificate, error) {
	if days <= 0 {
		days = defaults.CertExpiryScanDays
	}
	certs, err := a.cfg.Certificates.ListExpiring(ctx, days)
	return certs, trace.Wrap(err)
}

// CACertificatePEM returns the PEM encoded CA certificate.
func (a *Authority) CACertificatePEM(ctx context.Context) (string, error) {
	if err := a.load(ctx); err != nil {
		return "", trace.Wrap(err)
	}
	return a.caPEM, nil
}

// CAPin returns the SPKI pin of the CA certificate, used by clients for
// certificate pinning.
func (a *Authority) CAPin(ctx context.Context) (string, error) {
	if err := a.load(ctx); err != nil {
		return "", trace.Wrap(err)
	}
	return utils.CalculateSPKI(a.caCert), nil
}

// GenerateCA provisions a fresh self-signed CA into the secret store. It
// fails if key material already exists; rotation is an explicit,
// destructive operation performed by re-provisioning the secrets.
func GenerateCA(ctx context.Context, secrets storage.SecretStore, commonName string) error {
	if _, err := secrets.Get(ctx, apuntador.SecretCAPrivateKey); err == nil {
		return trace.AlreadyExists("CA key material already provisioned")
	} else if !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	keyPEM, certPEM, err := tlsca.GenerateSelfSignedCA(pkix.Name{
		CommonName:   commonName,
		Organization: []string{defaults.DeviceCertOrganization},
	}, caTTL)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := secrets.Put(ctx, apuntador.SecretCAPrivateKey, string(keyPEM)); err != nil {
		return trace.Wrap(err)
	}
	if err := secrets.Put(ctx, apuntador.SecretCACertificate, string(certPEM)); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// subjectKeyID computes the SHA-1 key identifier over the subject public
// key bit string, the conventional method from RFC 5280.
func subjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var info struct {
		Algorithm        pkix.AlgorithmIdentifier
		SubjectPublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(spki, &info); err != nil {
		return nil, trace.Wrap(err)
	}
	sum := sha1.Sum(info.SubjectPublicKey.Bytes)
	return sum[:], nil
}
