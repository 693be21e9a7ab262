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

package utils

import (
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"strings"

	"github.com/gravitational/trace"
)

// CalculateSPKI returns the hash of the SubjectPublicKeyInfo section of a
// certificate in the "sha256:<hex>" pin format clients embed for pinning.
func CalculateSPKI(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// CheckSPKI validates the passed in pins against the values calculated from
// the certificates. Timing depends only on the number of pins and certs, not
// their contents.
func CheckSPKI(pins []string, certs []*x509.Certificate) error {
	for _, pin := range pins {
		parts := strings.Split(pin, ":")
		if len(parts) != 2 {
			return trace.BadParameter("invalid format for certificate pin, expected algorithm:pin")
		}
		if parts[0] != "sha256" {
			return trace.BadParameter("sha256 is the only supported hashing algorithm for certificate pin")
		}
	}
outer:
	for _, cert := range certs {
		for _, pin := range pins {
			if subtle.ConstantTimeCompare([]byte(CalculateSPKI(cert)), []byte(pin)) == 1 {
				continue outer
			}
		}
		return trace.BadParameter("certificate authority pin does not match any " +
			"provided pin. The CA may have been re-provisioned, invalidating the " +
			"old pin; fetch the current pin from /device/ca-certificate-pin")
	}

	return nil
}
