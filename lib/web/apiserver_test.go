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

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/impalah/apuntador-backend"
	"github.com/impalah/apuntador-backend/lib/attest"
	"github.com/impalah/apuntador-backend/lib/ca"
	"github.com/impalah/apuntador-backend/lib/config"
	"github.com/impalah/apuntador-backend/lib/enroll"
	"github.com/impalah/apuntador-backend/lib/fixtures"
	"github.com/impalah/apuntador-backend/lib/httplib"
	"github.com/impalah/apuntador-backend/lib/oauth"
	"github.com/impalah/apuntador-backend/lib/storage/local"
)

const (
	testSecretKey = "0123456789abcdef0123456789abcdef"
	testVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

type testServer struct {
	clock   *clockwork.FakeClock
	codec   *oauth.StateCodec
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	dir := t.TempDir()

	appConfig := &config.Config{
		SecretKey:          testSecretKey,
		DropboxClientID:    "dropbox-client-id",
		DropboxRedirectURI: "https://backend.example.com/oauth/callback/dropbox",
	}
	require.NoError(t, appConfig.CheckAndSetDefaults())

	secrets, err := local.NewSecretStore(local.Config{Dir: dir, Clock: clock})
	require.NoError(t, err)
	certs, err := local.NewCertificateStore(local.Config{Dir: dir, Clock: clock})
	require.NoError(t, err)
	blobs, err := local.NewBlobStore(local.Config{Dir: dir, Clock: clock})
	require.NoError(t, err)
	require.NoError(t, ca.GenerateCA(ctx, secrets, "Test Device CA"))
	authority, err := ca.New(ca.Config{Secrets: secrets, Certificates: certs, Clock: clock})
	require.NoError(t, err)

	attestor, err := attest.NewService(attest.Config{Blobs: blobs, Clock: clock})
	require.NoError(t, err)
	coordinator, err := enroll.NewCoordinator(enroll.Config{
		Authority:    authority,
		Certificates: certs,
		Attestor:     attestor,
		Clock:        clock,
	})
	require.NoError(t, err)

	codec, err := oauth.NewStateCodec(oauth.StateCodecConfig{
		Secret: []byte(testSecretKey),
		Clock:  clock,
	})
	require.NoError(t, err)
	broker, err := oauth.NewBroker(oauth.BrokerConfig{
		Registry: oauth.NewRegistry(map[string]oauth.Credentials{
			oauth.ProviderDropbox: {
				ClientID:    "dropbox-client-id",
				RedirectURI: "https://backend.example.com/oauth/callback/dropbox",
			},
		}),
		StateCodec: codec,
		Clock:      clock,
	})
	require.NoError(t, err)

	handler, _, err := NewHandler(Config{
		AppConfig:   appConfig,
		Authority:   authority,
		Coordinator: coordinator,
		Broker:      broker,
		Attestor:    attestor,
		Clock:       clock,
	})
	require.NoError(t, err)
	return &testServer{clock: clock, codec: codec, handler: handler}
}

func (s *testServer) get(t *testing.T, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for name, values := range header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func problemTitle(t *testing.T, rec *httptest.ResponseRecorder) httplib.Code {
	t.Helper()
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/problem+json")
	var problem httplib.Problem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	return problem.Title
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.get(t, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decodeJSON(t, rec, &body)
	assert.Equal(t, "ok", body["status"])

	// CORS headers ride on every response.
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = s.get(t, "/health/public", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEnrollLifecycle(t *testing.T) {
	s := newTestServer(t)

	csrPEM, _ := fixtures.NewCSR(t, "device-500")
	rec := s.post(t, "/device/enroll", enroll.EnrollRequest{
		DeviceID: "device-500",
		Platform: apuntador.PlatformAndroid,
		CSR:      string(csrPEM),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var enrolled enroll.EnrollResult
	decodeJSON(t, rec, &enrolled)
	assert.Contains(t, enrolled.Certificate, "-----BEGIN CERTIFICATE-----")
	assert.Len(t, enrolled.Serial, 32)

	rec = s.get(t, "/device/status/device-500", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status enroll.Status
	decodeJSON(t, rec, &status)
	assert.Equal(t, enrolled.Serial, status.Serial)
	assert.Equal(t, 30, status.DaysUntilExpiry)

	// Renewal with the wrong serial conflicts.
	renewCSR, _ := fixtures.NewCSR(t, "device-500")
	rec = s.post(t, "/device/renew", enroll.RenewRequest{
		DeviceID:  "device-500",
		OldSerial: strings.Repeat("0", 32),
		CSR:       string(renewCSR),
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, httplib.CodeSerialMismatch, problemTitle(t, rec))

	rec = s.post(t, "/device/renew", enroll.RenewRequest{
		DeviceID:  "device-500",
		OldSerial: enrolled.Serial,
		CSR:       string(renewCSR),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var renewed enroll.EnrollResult
	decodeJSON(t, rec, &renewed)
	assert.NotEqual(t, enrolled.Serial, renewed.Serial)

	rec = s.post(t, "/device/revoke", map[string]string{
		"device_id": "device-500",
		"reason":    "device lost",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var revoke enroll.RevokeResult
	decodeJSON(t, rec, &revoke)
	assert.True(t, revoke.Success)
}

func TestEnrollRejectsMalformedBody(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/device/enroll", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, httplib.CodeMalformedRequest, problemTitle(t, rec))
}

func TestDeviceStatusNotFound(t *testing.T) {
	s := newTestServer(t)
	rec := s.get(t, "/device/status/device-never-seen", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, httplib.CodeNotFound, problemTitle(t, rec))
}

func TestCACertificateEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.get(t, "/device/ca-certificate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	decodeJSON(t, rec, &body)
	assert.Contains(t, body["certificate"], "-----BEGIN CERTIFICATE-----")
	assert.Equal(t, "PEM", body["format"])

	rec = s.get(t, "/device/ca-certificate-pin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec, &body)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, body["pin"])
}

func TestOAuthAuthorize(t *testing.T) {
	s := newTestServer(t)

	rec := s.post(t, "/oauth/authorize/dropbox", map[string]string{
		"code_verifier": testVerifier,
		"redirect_uri":  "apuntador://oauth-done",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result oauth.AuthorizeResult
	decodeJSON(t, rec, &result)
	assert.True(t, strings.HasPrefix(result.AuthorizationURL, "https://www.dropbox.com/oauth2/authorize?"))
	assert.NotEmpty(t, result.State)
	assert.Equal(t, "dropbox", result.Provider)

	rec = s.post(t, "/oauth/authorize/megaupload", map[string]string{
		"code_verifier": testVerifier,
		"redirect_uri":  "apuntador://oauth-done",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, httplib.CodeUnsupportedProvider, problemTitle(t, rec))
}

func TestOAuthCallbackRedirects(t *testing.T) {
	s := newTestServer(t)

	signedState, err := s.codec.Sign(oauth.StatePayload{
		State:        "client-state",
		CodeVerifier: testVerifier,
		Provider:     "dropbox",
		RedirectURI:  "apuntador://oauth-done",
	})
	require.NoError(t, err)

	rec := s.get(t, "/oauth/callback/dropbox?code=auth-code&state="+url.QueryEscape(signedState), nil)
	require.Equal(t, http.StatusFound, rec.Code)
	location := rec.Header().Get("Location")
	assert.True(t, strings.HasPrefix(location, "apuntador://oauth-done?"), location)
	assert.Contains(t, location, "code=auth-code")

	// A forged state falls back to the app scheme with an error tag.
	rec = s.get(t, "/oauth/callback/dropbox?code=auth-code&state=forged", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	location = rec.Header().Get("Location")
	assert.True(t, strings.HasPrefix(location, oauth.DefaultErrorRedirect), location)
	assert.Contains(t, location, "error=invalid_state")
}

func TestAttestDesktop(t *testing.T) {
	s := newTestServer(t)

	rec := s.post(t, "/device/attest/desktop", attest.DesktopRequest{
		DeviceID:    "device-600",
		Fingerprint: strings.Repeat("ab", 32),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result attest.Result
	decodeJSON(t, rec, &result)
	assert.Equal(t, attest.StatusValid, result.Status)
}

func TestConfigProvidersRequiresAPIKey(t *testing.T) {
	s := newTestServer(t)

	rec := s.get(t, "/config/providers", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, httplib.CodeAPIKeyMissing, problemTitle(t, rec))

	rec = s.get(t, "/config/providers", http.Header{
		"Authorization": []string{"Bearer wrong-key"},
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, httplib.CodeAPIKeyInvalid, problemTitle(t, rec))

	rec = s.get(t, "/config/providers", http.Header{
		"Authorization": []string{"Bearer " + testSecretKey},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string][]string
	decodeJSON(t, rec, &body)
	assert.Equal(t, []string{"dropbox"}, body["providers"])
}

func TestPreflightCORS(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/device/enroll", nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
