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

// Package mtls gates device endpoints on a valid client certificate
// forwarded by the TLS-terminating proxy. Web and OAuth surfaces are
// exempt; they authenticate with OAuth and API keys instead.
package mtls

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/impalah/apuntador-backend"
	"github.com/impalah/apuntador-backend/lib/ca"
	"github.com/impalah/apuntador-backend/lib/defaults"
	"github.com/impalah/apuntador-backend/lib/httplib"
	"github.com/impalah/apuntador-backend/lib/storage"
	"github.com/impalah/apuntador-backend/lib/tlsca"
	logutils "github.com/impalah/apuntador-backend/lib/utils/log"
)

var log = logutils.NewPackageLogger(apuntador.ComponentKey, apuntador.Component(apuntador.ComponentMTLS))

// DeviceIdentity is the authenticated identity attached to the request
// context after a successful mTLS validation.
type DeviceIdentity struct {
	DeviceID string
	Serial   string
	Platform string
}

type contextKey struct{}

// IdentityFromContext returns the device identity attached by the
// middleware, or nil for exempt requests.
func IdentityFromContext(ctx context.Context) *DeviceIdentity {
	identity, _ := ctx.Value(contextKey{}).(*DeviceIdentity)
	return identity
}

// Config holds parameters for the mTLS validation middleware.
type Config struct {
	// Certificates is the issued-certificate registry.
	Certificates storage.CertificateStore
	// Authority verifies that presented certificates were issued by this
	// CA.
	Authority *ca.Authority
	// ExemptPaths are exact request paths that skip validation.
	ExemptPaths []string
	// ExemptPrefixes are request path prefixes that skip validation.
	ExemptPrefixes []string
	// Clock overrides time for tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Certificates == nil {
		return trace.BadParameter("missing parameter Certificates")
	}
	if c.Authority == nil {
		return trace.BadParameter("missing parameter Authority")
	}
	if c.ExemptPaths == nil {
		c.ExemptPaths = defaults.MTLSExemptPaths
	}
	if c.ExemptPrefixes == nil {
		c.ExemptPrefixes = defaults.MTLSExemptPrefixes
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewMiddleware creates the mTLS validation middleware.
func NewMiddleware(cfg Config) (*Middleware, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	exempt := make(map[string]struct{}, len(cfg.ExemptPaths))
	for _, path := range cfg.ExemptPaths {
		exempt[path] = struct{}{}
	}
	return &Middleware{cfg: cfg, exempt: exempt}, nil
}

// Middleware validates forwarded client certificates before passing the
// request on.
type Middleware struct {
	cfg    Config
	exempt map[string]struct{}
}

// Wrap returns a handler enforcing mTLS validation in front of next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.isExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		identity, err := m.validate(r)
		if err != nil {
			log.WarnContext(r.Context(), "Rejected request without valid client certificate.",
				"method", r.Method, "path", r.URL.Path, "error", trace.UserMessage(err))
			httplib.ReplyError(w, r, err)
			return
		}
		log.DebugContext(r.Context(), "Validated client certificate.",
			"device_id", identity.DeviceID, "serial", identity.Serial)
		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), contextKey{}, identity)))
	})
}

func (m *Middleware) isExempt(path string) bool {
	if _, ok := m.exempt[path]; ok {
		return true
	}
	for _, prefix := range m.cfg.ExemptPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// validate runs the full certificate pipeline: presence, parse, registry
// whitelist, validity window, revocation, and finally issuer signature.
func (m *Middleware) validate(r *http.Request) (*DeviceIdentity, error) {
	certPEM := ExtractCertificate(r.Header)
	if certPEM == "" {
		return nil, httplib.NewProblem(http.StatusUnauthorized, httplib.CodeCertMissing,
			"client certificate required for this endpoint")
	}
	cert, err := tlsca.ParseCertificatePEM([]byte(certPEM))
	if err != nil {
		return nil, httplib.NewProblem(http.StatusForbidden, httplib.CodeCertMalformed,
			"client certificate could not be parsed")
	}
	serial := tlsca.FormatSerial(cert.SerialNumber)

	whitelisted, err := m.cfg.Certificates.IsWhitelisted(r.Context(), serial)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !whitelisted {
		return nil, httplib.NewProblem(http.StatusForbidden, httplib.CodeCertNotWhitelisted,
			"certificate serial %v is not whitelisted", serial)
	}
	record, err := m.cfg.Certificates.GetBySerial(r.Context(), serial)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, httplib.NewProblem(http.StatusForbidden, httplib.CodeCertUnknown,
				"certificate serial %v is not registered", serial)
		}
		return nil, trace.Wrap(err)
	}

	now := m.cfg.Clock.Now()
	if now.Before(cert.NotBefore) {
		return nil, httplib.NewProblem(http.StatusForbidden, httplib.CodeCertNotYetValid,
			"certificate is not yet valid")
	}
	if now.After(cert.NotAfter) {
		return nil, httplib.NewProblem(http.StatusForbidden, httplib.CodeCertExpired,
			"certificate has expired")
	}
	if record.Revoked {
		return nil, httplib.NewProblem(http.StatusForbidden, httplib.CodeCertRevoked,
			"certificate has been revoked")
	}

	// A whitelisted serial could be replayed on a forged certificate, so
	// the signature must chain to this CA.
	if err := m.cfg.Authority.CheckSignature(r.Context(), cert); err != nil {
		return nil, httplib.NewProblem(http.StatusForbidden, httplib.CodeCertUnknown,
			"certificate was not issued by this certificate authority")
	}

	return &DeviceIdentity{
		DeviceID: record.DeviceID,
		Serial:   serial,
		Platform: record.Platform,
	}, nil
}

// envoyCertPattern pulls the leaf certificate element out of an Envoy
// x-forwarded-client-cert header.
var envoyCertPattern = regexp.MustCompile(`Cert="([^"]+)"`)

// ExtractCertificate pulls the forwarded client certificate out of the
// request headers. It understands the direct PEM headers used by AWS API
// Gateway and nginx (URL-encoded, possibly stripped of PEM markers) and the
// Envoy XFCC format carrying base64 DER.
func ExtractCertificate(headers http.Header) string {
	for _, name := range []string{"X-Client-Cert", "X-SSL-Client-Cert"} {
		value := headers.Get(name)
		if value == "" {
			continue
		}
		pem := strings.ReplaceAll(value, "%0A", "\n")
		pem = strings.ReplaceAll(pem, "%20", " ")
		if !strings.HasPrefix(pem, "-----BEGIN CERTIFICATE-----") {
			pem = fmt.Sprintf("-----BEGIN CERTIFICATE-----\n%s\n-----END CERTIFICATE-----", pem)
		}
		return pem
	}

	xfcc := headers.Get("X-Forwarded-Client-Cert")
	if xfcc == "" {
		return ""
	}
	match := envoyCertPattern.FindStringSubmatch(xfcc)
	if match == nil {
		return ""
	}
	der, err := base64.StdEncoding.DecodeString(match[1])
	if err != nil {
		log.Warn("Failed to decode forwarded Envoy certificate.", "error", err)
		return ""
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		log.Warn("Failed to parse forwarded Envoy certificate.", "error", err)
		return ""
	}
	pem, err := tlsca.MarshalCertificatePEM(cert)
	if err != nil {
		return ""
	}
	return string(pem)
}
