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
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/impalah/apuntador-backend/lib/httplib"
)

const testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

// newTestBroker builds a broker whose dropbox provider points at the given
// token endpoint.
func newTestBroker(t *testing.T, clock clockwork.Clock, tokenURL string) *Broker {
	t.Helper()
	provider := NewDropboxProvider(Credentials{
		ClientID:    "test-client",
		RedirectURI: "https://broker.example.com/oauth/callback/dropbox",
	})
	if tokenURL != "" {
		provider.TokenURL = tokenURL
	}
	broker, err := NewBroker(BrokerConfig{
		Registry:   &Registry{providers: map[string]*Provider{ProviderDropbox: provider}},
		StateCodec: newTestCodec(t, clock),
		Clock:      clock,
	})
	require.NoError(t, err)
	return broker
}

func TestAuthorizeBuildsProviderURL(t *testing.T) {
	broker := newTestBroker(t, clockwork.NewFakeClock(), "")

	result, err := broker.Authorize(context.Background(), ProviderDropbox,
		testVerifier, "app://callback", "client-state")
	require.NoError(t, err)

	parsed, err := url.Parse(result.AuthorizationURL)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(result.AuthorizationURL, DropboxAuthURL+"?"))

	q := parsed.Query()
	assert.Equal(t, "test-client", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "https://broker.example.com/oauth/callback/dropbox", q.Get("redirect_uri"))
	assert.Equal(t, "files.content.read files.content.write", q.Get("scope"))
	assert.Equal(t, CodeChallengeS256(testVerifier), q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "offline", q.Get("token_access_type"))
	assert.Equal(t, result.State, q.Get("state"))

	// The state parameter is the signed token carrying the round-trip
	// payload, not the raw client state.
	payload, err := broker.cfg.StateCodec.Verify(result.State, 0)
	require.NoError(t, err)
	assert.Equal(t, "client-state", payload.State)
	assert.Equal(t, testVerifier, payload.CodeVerifier)
	assert.Equal(t, ProviderDropbox, payload.Provider)
	assert.Equal(t, "app://callback", payload.RedirectURI)
}

func TestAuthorizeRejectsBadInput(t *testing.T) {
	broker := newTestBroker(t, clockwork.NewFakeClock(), "")

	_, err := broker.Authorize(context.Background(), "box", testVerifier, "app://cb", "")
	require.Error(t, err)
	var problem *httplib.Problem
	require.True(t, errors.As(err, &problem))
	assert.Equal(t, httplib.CodeUnsupportedProvider, problem.Title)

	_, err = broker.Authorize(context.Background(), ProviderDropbox, "too-short", "app://cb", "")
	require.Error(t, err)

	_, err = broker.Authorize(context.Background(), ProviderDropbox, testVerifier, "", "")
	require.Error(t, err)
}

func TestCallbackRedirectsToClient(t *testing.T) {
	clock := clockwork.NewFakeClock()
	broker := newTestBroker(t, clock, "")

	result, err := broker.Authorize(context.Background(), ProviderDropbox,
		testVerifier, "app://callback", "")
	require.NoError(t, err)

	location := broker.Callback(context.Background(), ProviderDropbox,
		"auth-code", result.State, "")
	parsed, err := url.Parse(location)
	require.NoError(t, err)
	assert.Equal(t, "app", parsed.Scheme)
	q := parsed.Query()
	assert.Equal(t, "auth-code", q.Get("code"))
	assert.Equal(t, result.State, q.Get("state"))
	assert.Equal(t, ProviderDropbox, q.Get("provider"))
}

func TestCallbackPassesProviderErrorThrough(t *testing.T) {
	clock := clockwork.NewFakeClock()
	broker := newTestBroker(t, clock, "")

	result, err := broker.Authorize(context.Background(), ProviderDropbox,
		testVerifier, "app://callback", "")
	require.NoError(t, err)

	location := broker.Callback(context.Background(), ProviderDropbox,
		"", result.State, "access_denied")
	parsed, err := url.Parse(location)
	require.NoError(t, err)
	q := parsed.Query()
	assert.Equal(t, "access_denied", q.Get("error"))
	assert.Empty(t, q.Get("code"))
}

func TestCallbackRejectsInvalidState(t *testing.T) {
	broker := newTestBroker(t, clockwork.NewFakeClock(), "")

	location := broker.Callback(context.Background(), ProviderDropbox,
		"auth-code", "bogus-state", "")
	assert.True(t, strings.HasPrefix(location, DefaultErrorRedirect+"?"))
	parsed, err := url.Parse(location)
	require.NoError(t, err)
	assert.Equal(t, "invalid_state", parsed.Query().Get("error"))
	assert.Equal(t, ProviderDropbox, parsed.Query().Get("provider"))
}

func TestCallbackRejectsProviderMismatch(t *testing.T) {
	clock := clockwork.NewFakeClock()
	broker := newTestBroker(t, clock, "")
	token, err := broker.cfg.StateCodec.Sign(StatePayload{
		State:       "s",
		Provider:    ProviderGoogleDrive,
		RedirectURI: "app://callback",
	})
	require.NoError(t, err)

	location := broker.Callback(context.Background(), ProviderDropbox, "code", token, "")
	parsed, err := url.Parse(location)
	require.NoError(t, err)
	assert.Equal(t, "provider_mismatch", parsed.Query().Get("error"))
}

func TestExchange(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var gotForm url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at","refresh_token":"rt","expires_in":14400,"token_type":"bearer"}`))
	}))
	defer server.Close()

	broker := newTestBroker(t, clock, server.URL)
	result, err := broker.Authorize(context.Background(), ProviderDropbox,
		testVerifier, "app://callback", "")
	require.NoError(t, err)

	tokens, err := broker.Exchange(context.Background(), ProviderDropbox,
		"auth-code", testVerifier, result.State)
	require.NoError(t, err)
	assert.Equal(t, "at", tokens.AccessToken)
	assert.Equal(t, "rt", tokens.RefreshToken)
	assert.Equal(t, 14400, tokens.ExpiresIn)

	assert.Equal(t, "authorization_code", gotForm.Get("grant_type"))
	assert.Equal(t, "auth-code", gotForm.Get("code"))
	assert.Equal(t, testVerifier, gotForm.Get("code_verifier"))
	assert.Equal(t, "test-client", gotForm.Get("client_id"))
	// The broker's registered callback, not the client app redirect.
	assert.Equal(t, "https://broker.example.com/oauth/callback/dropbox", gotForm.Get("redirect_uri"))
	// Dropbox is a PKCE-only public client with no secret configured.
	assert.False(t, gotForm.Has("client_secret"))
}

func TestExchangeBindsVerifierToState(t *testing.T) {
	clock := clockwork.NewFakeClock()
	broker := newTestBroker(t, clock, "")

	result, err := broker.Authorize(context.Background(), ProviderDropbox,
		testVerifier, "app://callback", "")
	require.NoError(t, err)

	_, err = broker.Exchange(context.Background(), ProviderDropbox,
		"auth-code", strings.Repeat("b", 43), result.State)
	require.Error(t, err)
	var problem *httplib.Problem
	require.True(t, errors.As(err, &problem))
	assert.Equal(t, httplib.CodeCodeVerifierMismatch, problem.Title)

	_, err = broker.Exchange(context.Background(), ProviderDropbox,
		"auth-code", testVerifier, "garbage")
	require.Error(t, err)
	require.True(t, errors.As(err, &problem))
	assert.Equal(t, httplib.CodeStateInvalid, problem.Title)
}

func TestExchangeMapsUpstreamFailures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	broker := newTestBroker(t, clock, server.URL)
	_, err := broker.Exchange(context.Background(), ProviderDropbox,
		"auth-code", testVerifier, "")
	require.Error(t, err)
	var problem *httplib.Problem
	require.True(t, errors.As(err, &problem))
	assert.Equal(t, httplib.CodeProviderRejected, problem.Title)
	assert.Equal(t, http.StatusBadGateway, problem.Status)

	server.Close()
	_, err = broker.Exchange(context.Background(), ProviderDropbox,
		"auth-code", testVerifier, "")
	require.Error(t, err)
	require.True(t, errors.As(err, &problem))
	assert.Equal(t, httplib.CodeUpstreamUnavailable, problem.Title)
}

func TestRefresh(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var gotForm url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh","expires_in":14400}`))
	}))
	defer server.Close()

	broker := newTestBroker(t, clock, server.URL)
	tokens, err := broker.Refresh(context.Background(), ProviderDropbox, "rt")
	require.NoError(t, err)
	assert.Equal(t, "fresh", tokens.AccessToken)
	assert.Equal(t, "refresh_token", gotForm.Get("grant_type"))
	assert.Equal(t, "rt", gotForm.Get("refresh_token"))
}

func TestRevokeStyles(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var gotAuth string
	var gotQuery url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dropbox := NewDropboxProvider(Credentials{ClientID: "c", RedirectURI: "https://b/cb"})
	dropbox.RevokeURL = server.URL
	google := NewGoogleDriveProvider(Credentials{ClientID: "c", ClientSecret: "s", RedirectURI: "https://b/cb"})
	google.RevokeURL = server.URL
	onedrive := NewOneDriveProvider(Credentials{ClientID: "c", RedirectURI: "https://b/cb"})

	broker, err := NewBroker(BrokerConfig{
		Registry: &Registry{providers: map[string]*Provider{
			ProviderDropbox:     dropbox,
			ProviderGoogleDrive: google,
			ProviderOneDrive:    onedrive,
		}},
		StateCodec: newTestCodec(t, clock),
		Clock:      clock,
	})
	require.NoError(t, err)

	revoked, err := broker.Revoke(context.Background(), ProviderDropbox, "tok")
	require.NoError(t, err)
	assert.True(t, revoked)
	assert.Equal(t, "Bearer tok", gotAuth)

	revoked, err = broker.Revoke(context.Background(), ProviderGoogleDrive, "tok")
	require.NoError(t, err)
	assert.True(t, revoked)
	assert.Equal(t, "tok", gotQuery.Get("token"))

	// OneDrive has no revocation endpoint.
	revoked, err = broker.Revoke(context.Background(), ProviderOneDrive, "tok")
	require.NoError(t, err)
	assert.False(t, revoked)
}
