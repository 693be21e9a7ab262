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

// Package defaults contains default constants set in various parts of
// the apuntador codebase.
package defaults

import (
	"time"

	"github.com/impalah/apuntador-backend"
)

const (
	// HTTPListenPort is the port the API server binds to unless configured
	// otherwise.
	HTTPListenPort = 8000

	// HTTPListenHost is the default bind address.
	HTTPListenHost = "0.0.0.0"

	// UpstreamRequestTimeout bounds every HTTP call to an OAuth or
	// attestation provider.
	UpstreamRequestTimeout = 10 * time.Second

	// HTTPShutdownTimeout is how long graceful shutdown waits for in-flight
	// requests to drain.
	HTTPShutdownTimeout = 30 * time.Second
)

const (
	// SignedStateMaxAge is how long a signed OAuth state token remains
	// acceptable after issue. Authorize round-trips complete well inside
	// this window.
	SignedStateMaxAge = 600 * time.Second

	// SignedStateMinSecretLen is the minimum byte length of the HMAC secret
	// keying the signed-state codec.
	SignedStateMinSecretLen = 32
)

const (
	// AttestationCacheTTL is how long a non-failed attestation verdict is
	// reused before the device must attest again.
	AttestationCacheTTL = 3600 * time.Second

	// DesktopAttestationMaxAttempts caps desktop fingerprint verifications
	// per device within DesktopAttestationWindow.
	DesktopAttestationMaxAttempts = 5

	// DesktopAttestationWindow is the rate limit window for desktop
	// fingerprint verification.
	DesktopAttestationWindow = time.Hour
)

const (
	// CertValidityDaysAndroid is the issued certificate lifetime for
	// Android devices.
	CertValidityDaysAndroid = 30

	// CertValidityDaysIOS is the issued certificate lifetime for iOS
	// devices.
	CertValidityDaysIOS = 30

	// CertValidityDaysDesktop is the issued certificate lifetime for
	// desktop clients.
	CertValidityDaysDesktop = 7

	// CertValidityDaysWeb is the issued certificate lifetime for browser
	// clients. Browsers cannot protect key material as well as devices, so
	// the lifetime is a single day.
	CertValidityDaysWeb = 1

	// CertValidityDaysFallback applies to any platform without an explicit
	// entry in the validity table.
	CertValidityDaysFallback = 7

	// CertExpiryScanDays is the default horizon for listing certificates
	// that are about to expire.
	CertExpiryScanDays = 5

	// DeviceCertOrganization is the O= value stamped on every issued device
	// certificate.
	DeviceCertOrganization = "Apuntador Devices"
)

// CertValidityDays returns the issued certificate lifetime in whole days for
// the given platform.
func CertValidityDays(platform string) int {
	switch platform {
	case apuntador.PlatformAndroid:
		return CertValidityDaysAndroid
	case apuntador.PlatformIOS:
		return CertValidityDaysIOS
	case apuntador.PlatformDesktop:
		return CertValidityDaysDesktop
	case apuntador.PlatformWeb:
		return CertValidityDaysWeb
	default:
		return CertValidityDaysFallback
	}
}

// MTLSExemptPaths are exact request paths served without a client
// certificate.
var MTLSExemptPaths = []string{
	"/",
	"/health",
	"/health/public",
	"/docs",
	"/redoc",
	"/openapi.json",
	"/device/enroll",
	"/device/ca-certificate",
	"/device/ca-certificate-pin",
}

// MTLSExemptPrefixes are request path prefixes served without a client
// certificate. OAuth round-trips happen before the device holds a
// certificate, and provider configuration is API-key guarded instead.
var MTLSExemptPrefixes = []string{
	"/oauth/",
	"/config/",
}
