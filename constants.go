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

// Package apuntador holds constants shared across the apuntador backend.
package apuntador

import "strings"

const (
	// ComponentKey is the log attribute key carrying the component name.
	ComponentKey = "component"

	// ComponentCA is the certificate authority issuing device certificates.
	ComponentCA = "ca"

	// ComponentMTLS is the client certificate validation gateway.
	ComponentMTLS = "mtls"

	// ComponentOAuth is the OAuth / PKCE broker for cloud storage providers.
	ComponentOAuth = "oauth"

	// ComponentAttest is the device attestation service.
	ComponentAttest = "attest"

	// ComponentEnroll is the device enrollment coordinator.
	ComponentEnroll = "enroll"

	// ComponentStorage is the infrastructure repository layer.
	ComponentStorage = "storage"

	// ComponentWeb is the HTTP API server.
	ComponentWeb = "web"
)

// Component generates a colon-joined component name for logging,
// e.g. Component("storage", "s3") returns "storage:s3".
func Component(parts ...string) string {
	return strings.Join(parts, ":")
}

const (
	// PlatformAndroid identifies Android devices.
	PlatformAndroid = "android"

	// PlatformIOS identifies iOS devices.
	PlatformIOS = "ios"

	// PlatformDesktop identifies desktop clients without a hardware
	// attestation root.
	PlatformDesktop = "desktop"

	// PlatformWeb identifies browser clients.
	PlatformWeb = "web"
)

const (
	// SecretCAPrivateKey is the secret store key holding the CA signing key.
	SecretCAPrivateKey = "ca-private-key"

	// SecretCACertificate is the secret store key holding the CA certificate.
	SecretCACertificate = "ca-certificate"
)

const (
	// StorageProviderLocal selects filesystem-backed repositories.
	StorageProviderLocal = "local"

	// StorageProviderCloud selects AWS-backed repositories.
	StorageProviderCloud = "cloud"
)
