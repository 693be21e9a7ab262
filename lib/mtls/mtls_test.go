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

package mtls

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/impalah/apuntador-backend"
	"github.com/impalah/apuntador-backend/lib/ca"
	"github.com/impalah/apuntador-backend/lib/fixtures"
	"github.com/impalah/apuntador-backend/lib/httplib"
	"github.com/impalah/apuntador-backend/lib/storage"
	"github.com/impalah/apuntador-backend/lib/storage/local"
)

type testEnv struct {
	clock     *clockwork.FakeClock
	authority *ca.Authority
	certs     storage.CertificateStore
	handler   http.Handler
	identity  *DeviceIdentity
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	dir := t.TempDir()

	secrets, err := local.NewSecretStore(local.Config{Dir: dir, Clock: clock})
	require.NoError(t, err)
	certs, err := local.NewCertificateStore(local.Config{Dir: dir, Clock: clock})
	require.NoError(t, err)
	require.NoError(t, ca.GenerateCA(ctx, secrets, "Test Device CA"))
	authority, err := ca.New(ca.Config{Secrets: secrets, Certificates: certs, Clock: clock})
	require.NoError(t, err)

	env := &testEnv{clock: clock, authority: authority, certs: certs}
	middleware, err := NewMiddleware(Config{
		Certificates: certs,
		Authority:    authority,
		Clock:        clock,
	})
	require.NoError(t, err)
	env.handler = middleware.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.identity = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	return env
}

// enroll issues a certificate for the device and returns its PEM.
func (env *testEnv) enroll(t *testing.T, deviceID string) string {
	t.Helper()
	csrPEM, _ := fixtures.NewCSR(t, deviceID)
	record, err := env.authority.SignCSR(context.Background(), csrPEM, deviceID,
		apuntador.PlatformAndroid, 0)
	require.NoError(t, err)
	return record.CertificatePEM
}

func encodeCertHeader(pem string) string {
	return strings.ReplaceAll(pem, "\n", "%0A")
}

func doRequest(t *testing.T, handler http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for name, values := range header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func problemTitle(t *testing.T, rec *httptest.ResponseRecorder) httplib.Code {
	t.Helper()
	var problem httplib.Problem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	return problem.Title
}

func TestExemptPathsSkipValidation(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/health", "/device/enroll", "/oauth/callback/dropbox", "/config/providers"} {
		rec := doRequest(t, env.handler, path, nil)
		assert.Equal(t, http.StatusOK, rec.Code, "path %v should be exempt", path)
		assert.Nil(t, env.identity)
	}
}

func TestMissingCertificate(t *testing.T) {
	env := newTestEnv(t)
	rec := doRequest(t, env.handler, "/device/renew", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, httplib.CodeCertMissing, problemTitle(t, rec))
}

func TestMalformedCertificate(t *testing.T) {
	env := newTestEnv(t)
	header := http.Header{"X-Client-Cert": []string{"not-a-certificate"}}
	rec := doRequest(t, env.handler, "/device/renew", header)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, httplib.CodeCertMalformed, problemTitle(t, rec))
}

func TestValidCertificateAttachesIdentity(t *testing.T) {
	env := newTestEnv(t)
	pem := env.enroll(t, "device-777")

	header := http.Header{"X-Client-Cert": []string{encodeCertHeader(pem)}}
	rec := doRequest(t, env.handler, "/device/renew", header)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, env.identity)
	assert.Equal(t, "device-777", env.identity.DeviceID)
	assert.Equal(t, apuntador.PlatformAndroid, env.identity.Platform)
	assert.Len(t, env.identity.Serial, 32)
}

func TestHeaderWithoutPEMMarkers(t *testing.T) {
	env := newTestEnv(t)
	pem := env.enroll(t, "device-778")

	// Some proxies strip the markers and forward only the base64 body.
	body := strings.TrimSpace(pem)
	body = strings.TrimPrefix(body, "-----BEGIN CERTIFICATE-----")
	body = strings.TrimSuffix(body, "-----END CERTIFICATE-----")
	body = strings.Trim(body, "\n")

	header := http.Header{"X-SSL-Client-Cert": []string{encodeCertHeader(body)}}
	rec := doRequest(t, env.handler, "/device/renew", header)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, env.identity)
	assert.Equal(t, "device-778", env.identity.DeviceID)
}

func TestEnvoyForwardedCertificate(t *testing.T) {
	env := newTestEnv(t)
	pemCert := env.enroll(t, "device-779")

	block, _ := pem.Decode([]byte(pemCert))
	require.NotNil(t, block)
	xfcc := `By=spiffe://cluster/gateway;Cert="` + base64.StdEncoding.EncodeToString(block.Bytes) + `";Subject="CN=device-779"`
	header := http.Header{"X-Forwarded-Client-Cert": []string{xfcc}}
	rec := doRequest(t, env.handler, "/device/renew", header)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, env.identity)
	assert.Equal(t, "device-779", env.identity.DeviceID)
}

func TestUnknownCertificateNotWhitelisted(t *testing.T) {
	env := newTestEnv(t)
	// A certificate from a foreign CA that was never registered.
	otherCA := fixtures.NewTestCA(t, "Impostor CA")
	leaf, _ := otherCA.IssueLeaf(t, "device-x",
		env.clock.Now().Add(-time.Hour), env.clock.Now().Add(time.Hour))

	header := http.Header{"X-Client-Cert": []string{encodeCertHeader(string(fixtures.CertPEM(leaf)))}}
	rec := doRequest(t, env.handler, "/device/renew", header)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, httplib.CodeCertNotWhitelisted, problemTitle(t, rec))
}

func TestExpiredCertificateRejected(t *testing.T) {
	env := newTestEnv(t)
	pem := env.enroll(t, "device-780")

	// Past the 30 day android validity the whitelist predicate fails.
	env.clock.Advance(31 * 24 * time.Hour)
	header := http.Header{"X-Client-Cert": []string{encodeCertHeader(pem)}}
	rec := doRequest(t, env.handler, "/device/renew", header)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, httplib.CodeCertNotWhitelisted, problemTitle(t, rec))
}

func TestRevokedCertificateRejected(t *testing.T) {
	env := newTestEnv(t)
	pem := env.enroll(t, "device-781")

	revoked, err := env.certs.Revoke(context.Background(), "device-781", "compromised")
	require.NoError(t, err)
	require.True(t, revoked)

	header := http.Header{"X-Client-Cert": []string{encodeCertHeader(pem)}}
	rec := doRequest(t, env.handler, "/device/renew", header)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, httplib.CodeCertNotWhitelisted, problemTitle(t, rec))
}

func TestForgedCertificateWithWhitelistedSerial(t *testing.T) {
	env := newTestEnv(t)
	env.enroll(t, "device-782")

	record, err := env.certs.GetLatest(context.Background(), "device-782")
	require.NoError(t, err)
	serial, ok := new(big.Int).SetString(record.Serial, 16)
	require.True(t, ok)

	// Forge a certificate from a foreign CA reusing the whitelisted
	// serial. Whitelist and registry checks pass; the issuer signature
	// check must catch it.
	otherCA := fixtures.NewTestCA(t, "Impostor CA")
	leaf, _ := otherCA.IssueLeafWithSerial(t, "device-782", serial,
		env.clock.Now().Add(-time.Hour), env.clock.Now().Add(time.Hour))

	header := http.Header{"X-Client-Cert": []string{encodeCertHeader(string(fixtures.CertPEM(leaf)))}}
	rec := doRequest(t, env.handler, "/device/renew", header)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, httplib.CodeCertUnknown, problemTitle(t, rec))
}
