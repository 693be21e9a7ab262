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

package attest

import (
	"context"
	"crypto/x509"
	"encoding/json"

	"github.com/gravitational/trace"
	"github.com/lestrrat-go/jwx/v2/cert"
	"github.com/lestrrat-go/jwx/v2/jws"

	"github.com/impalah/apuntador-backend"
	"github.com/impalah/apuntador-backend/lib/storage"
)

// SafetyNetHostname is the hostname Google stamps on the leaf certificate
// of every genuine SafetyNet attestation.
const SafetyNetHostname = "attest.android.com"

// safetyNetClaims is the subset of the SafetyNet payload the verdict
// depends on.
type safetyNetClaims struct {
	Nonce           string `json:"nonce"`
	CTSProfileMatch bool   `json:"ctsProfileMatch"`
	BasicIntegrity  bool   `json:"basicIntegrity"`
	Advice          string `json:"advice"`
}

// VerifySafetyNet checks an Android SafetyNet JWS: the signature must
// verify against the embedded x5c chain, the leaf must be issued to
// attest.android.com and chain to a trusted root, the nonce must match the
// one this server handed out, and both integrity bits must be set.
func (s *Service) VerifySafetyNet(ctx context.Context, req SafetyNetRequest) (*Result, error) {
	if !storage.DeviceIDPattern.MatchString(req.DeviceID) {
		return nil, trace.BadParameter("invalid device id %q", req.DeviceID)
	}
	if cached, ok := s.cached(req.DeviceID, apuntador.PlatformAndroid); ok {
		log.DebugContext(ctx, "Using cached attestation verdict.", "device_id", req.DeviceID)
		return cached, nil
	}

	claims, err := s.verifySafetyNetJWS(req.JWSToken)
	if err != nil {
		log.WarnContext(ctx, "SafetyNet verification failed.",
			"device_id", req.DeviceID, "error", err)
		return &Result{
			Status:       StatusFailed,
			DeviceID:     req.DeviceID,
			Timestamp:    s.cfg.Clock.Now(),
			ErrorMessage: trace.UserMessage(err),
		}, nil
	}

	if claims.Nonce != req.Nonce {
		log.WarnContext(ctx, "SafetyNet nonce mismatch.", "device_id", req.DeviceID)
		return &Result{
			Status:       StatusInvalid,
			DeviceID:     req.DeviceID,
			Timestamp:    s.cfg.Clock.Now(),
			ErrorMessage: "nonce mismatch",
		}, nil
	}

	result := Result{
		Status:          StatusInvalid,
		DeviceID:        req.DeviceID,
		Timestamp:       s.cfg.Clock.Now(),
		CTSProfileMatch: boolPtr(claims.CTSProfileMatch),
		BasicIntegrity:  boolPtr(claims.BasicIntegrity),
	}
	if claims.CTSProfileMatch && claims.BasicIntegrity {
		result.Status = StatusValid
	} else {
		result.Advice = claims.Advice
	}
	log.InfoContext(ctx, "SafetyNet verdict.",
		"device_id", req.DeviceID,
		"status", result.Status,
		"cts_profile_match", claims.CTSProfileMatch,
		"basic_integrity", claims.BasicIntegrity)

	s.store(req.DeviceID, apuntador.PlatformAndroid, result)
	return &result, nil
}

// verifySafetyNetJWS validates the token cryptographically and returns the
// payload claims.
func (s *Service) verifySafetyNetJWS(token string) (*safetyNetClaims, error) {
	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return nil, trace.BadParameter("malformed JWS token: %v", err)
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return nil, trace.BadParameter("expected exactly one JWS signature, got %d", len(sigs))
	}
	headers := sigs[0].ProtectedHeaders()
	chain := headers.X509CertChain()
	if chain == nil || chain.Len() == 0 {
		return nil, trace.BadParameter("JWS token carries no certificate chain")
	}

	certs := make([]*x509.Certificate, 0, chain.Len())
	for i := 0; i < chain.Len(); i++ {
		der, _ := chain.Get(i)
		parsed, err := cert.Parse(der)
		if err != nil {
			return nil, trace.BadParameter("malformed certificate in JWS chain: %v", err)
		}
		certs = append(certs, parsed)
	}
	leaf := certs[0]

	if err := leaf.VerifyHostname(SafetyNetHostname); err != nil {
		return nil, trace.AccessDenied("attestation certificate is not issued to %v", SafetyNetHostname)
	}
	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{
		DNSName:       SafetyNetHostname,
		Roots:         s.cfg.SafetyNetRoots,
		Intermediates: intermediates,
		CurrentTime:   s.cfg.Clock.Now(),
	}); err != nil {
		return nil, trace.AccessDenied("attestation certificate chain is not trusted: %v", err)
	}

	payload, err := jws.Verify([]byte(token), jws.WithKey(headers.Algorithm(), leaf.PublicKey))
	if err != nil {
		return nil, trace.AccessDenied("JWS signature verification failed: %v", err)
	}
	var claims safetyNetClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, trace.BadParameter("malformed SafetyNet payload: %v", err)
	}
	return &claims, nil
}
