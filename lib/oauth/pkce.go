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

package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"regexp"

	"github.com/gravitational/trace"
)

// codeVerifierPattern is the RFC 7636 unreserved character set with the
// allowed length range.
var codeVerifierPattern = regexp.MustCompile(`^[A-Za-z0-9\-._~]{43,128}$`)

// GenerateCodeVerifier mints a fresh high-entropy PKCE code verifier.
func GenerateCodeVerifier() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", trace.Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ValidateCodeVerifier checks the verifier against the RFC 7636 grammar.
func ValidateCodeVerifier(verifier string) error {
	if !codeVerifierPattern.MatchString(verifier) {
		return trace.BadParameter("code verifier must be 43-128 characters of [A-Za-z0-9-._~]")
	}
	return nil
}

// CodeChallengeS256 derives the S256 code challenge from a verifier:
// base64url without padding over the SHA-256 digest.
func CodeChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyCodeChallenge reports whether the verifier matches the challenge
// in constant time.
func VerifyCodeChallenge(verifier, challenge string) bool {
	derived := CodeChallengeS256(verifier)
	return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
}
