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
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/impalah/apuntador-backend"
	"github.com/impalah/apuntador-backend/lib/defaults"
	"github.com/impalah/apuntador-backend/lib/httplib"
	"github.com/impalah/apuntador-backend/lib/utils"
	logutils "github.com/impalah/apuntador-backend/lib/utils/log"
)

var log = logutils.NewPackageLogger(apuntador.ComponentKey, apuntador.Component(apuntador.ComponentOAuth))

// DefaultErrorRedirect is where the callback sends the user agent when the
// signed state cannot be trusted and the original client redirect is
// therefore unknown.
const DefaultErrorRedirect = "apuntador://oauth-callback"

// TokenSet is the token endpoint response passed through to the client.
// Tokens are never persisted by the broker.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// BrokerConfig holds parameters for the OAuth broker.
type BrokerConfig struct {
	// Registry holds the configured providers.
	Registry *Registry
	// StateCodec signs and verifies cross-hop state tokens.
	StateCodec *StateCodec
	// Client performs upstream HTTP calls. Defaults to a client with the
	// standard upstream timeout.
	Client *http.Client
	// Clock overrides time for tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *BrokerConfig) CheckAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.StateCodec == nil {
		return trace.BadParameter("missing parameter StateCodec")
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: defaults.UpstreamRequestTimeout}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewBroker creates the OAuth broker. The broker is stateless; every
// cross-hop value travels inside the signed state token.
func NewBroker(cfg BrokerConfig) (*Broker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Broker{cfg: cfg}, nil
}

// Broker drives the per-provider OAuth 2.0 / PKCE state machine.
type Broker struct {
	cfg BrokerConfig
}

// AuthorizeResult is the outcome of starting an OAuth flow.
type AuthorizeResult struct {
	// AuthorizationURL is where the client sends the user agent.
	AuthorizationURL string `json:"authorization_url"`
	// State is the signed token the provider will echo back.
	State string `json:"state"`
	// Provider echoes the provider name.
	Provider string `json:"provider"`
}

// Authorize builds the provider authorization URL carrying the PKCE
// challenge and a signed state token. An empty clientState mints a random
// one.
func (b *Broker) Authorize(ctx context.Context, providerName, codeVerifier, redirectURI, clientState string) (*AuthorizeResult, error) {
	provider, err := b.cfg.Registry.Get(providerName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := ValidateCodeVerifier(codeVerifier); err != nil {
		return nil, trace.Wrap(err)
	}
	if redirectURI == "" {
		return nil, trace.BadParameter("missing redirect_uri")
	}
	state := clientState
	if state == "" {
		state, err = utils.CryptoRandomHex(32)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	signedState, err := b.cfg.StateCodec.Sign(StatePayload{
		State:        state,
		CodeVerifier: codeVerifier,
		Provider:     provider.Name,
		RedirectURI:  redirectURI,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	q := url.Values{}
	q.Set("client_id", provider.ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", provider.RedirectURI)
	q.Set("scope", strings.Join(provider.Scopes, " "))
	q.Set("code_challenge", CodeChallengeS256(codeVerifier))
	q.Set("code_challenge_method", "S256")
	q.Set("state", signedState)
	for key, value := range provider.ExtraAuthParams {
		q.Set(key, value)
	}

	log.DebugContext(ctx, "Built authorization URL.", "provider", provider.Name)
	return &AuthorizeResult{
		AuthorizationURL: provider.AuthURL + "?" + q.Encode(),
		State:            signedState,
		Provider:         provider.Name,
	}, nil
}

// Callback resolves where to redirect the user agent after the provider
// called back. The authorization code is handed back to the originating
// client along with the still-valid signed state; the client performs the
// exchange itself. An upstream error (for example the user denying
// consent) is passed through to the client. State failures redirect to the
// default app scheme with an error tag since the original client redirect
// cannot be trusted.
func (b *Broker) Callback(ctx context.Context, providerName, code, signedState, providerError string) string {
	payload, err := b.cfg.StateCodec.Verify(signedState, 0)
	if err != nil {
		log.WarnContext(ctx, "Rejected OAuth callback with invalid state.",
			"provider", providerName, "error", err)
		return errorRedirect(providerName, "invalid_state")
	}
	if payload.Provider != providerName {
		log.WarnContext(ctx, "Rejected OAuth callback with mismatched provider.",
			"provider", providerName, "state_provider", payload.Provider)
		return errorRedirect(providerName, "provider_mismatch")
	}
	q := url.Values{}
	if providerError != "" {
		q.Set("error", providerError)
	} else {
		q.Set("code", code)
		q.Set("state", signedState)
	}
	q.Set("provider", providerName)
	separator := "?"
	if strings.Contains(payload.RedirectURI, "?") {
		separator = "&"
	}
	return payload.RedirectURI + separator + q.Encode()
}

func errorRedirect(providerName, errorTag string) string {
	q := url.Values{}
	q.Set("error", errorTag)
	q.Set("provider", providerName)
	return DefaultErrorRedirect + "?" + q.Encode()
}

// Exchange trades the authorization code for tokens. When a signed state is
// supplied, the exchange is bound to the original authorize call: the state
// must verify, name the same provider, and carry the same code verifier.
func (b *Broker) Exchange(ctx context.Context, providerName, code, codeVerifier, signedState string) (*TokenSet, error) {
	provider, err := b.cfg.Registry.Get(providerName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if code == "" {
		return nil, trace.BadParameter("missing authorization code")
	}
	if signedState != "" {
		payload, err := b.cfg.StateCodec.Verify(signedState, 0)
		if err != nil {
			return nil, httplib.NewProblem(http.StatusBadRequest, httplib.CodeStateInvalid,
				"state token rejected: %v", trace.UserMessage(err))
		}
		if payload.Provider != provider.Name {
			return nil, httplib.NewProblem(http.StatusBadRequest, httplib.CodeProviderMismatch,
				"state token was issued for provider %q", payload.Provider)
		}
		if subtle.ConstantTimeCompare([]byte(payload.CodeVerifier), []byte(codeVerifier)) != 1 {
			return nil, httplib.NewProblem(http.StatusBadRequest, httplib.CodeCodeVerifierMismatch,
				"code verifier does not match the authorize request")
		}
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("code_verifier", codeVerifier)
	form.Set("client_id", provider.ClientID)
	form.Set("redirect_uri", provider.RedirectURI)
	if provider.RequiresSecret || provider.ClientSecret != "" {
		form.Set("client_secret", provider.ClientSecret)
	}
	return b.postTokenEndpoint(ctx, provider, form)
}

// Refresh trades a refresh token for a fresh access token.
func (b *Broker) Refresh(ctx context.Context, providerName, refreshToken string) (*TokenSet, error) {
	provider, err := b.cfg.Registry.Get(providerName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if refreshToken == "" {
		return nil, trace.BadParameter("missing refresh token")
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", provider.ClientID)
	if provider.RequiresSecret || provider.ClientSecret != "" {
		form.Set("client_secret", provider.ClientSecret)
	}
	return b.postTokenEndpoint(ctx, provider, form)
}

// Revoke invalidates a token upstream. The request shape is
// provider-specific. Providers without a revocation endpoint report false.
func (b *Broker) Revoke(ctx context.Context, providerName, token string) (bool, error) {
	provider, err := b.cfg.Registry.Get(providerName)
	if err != nil {
		return false, trace.Wrap(err)
	}
	if token == "" {
		return false, trace.BadParameter("missing token")
	}
	switch provider.RevokeStyle {
	case RevokeNone:
		log.InfoContext(ctx, "Provider has no revocation endpoint.", "provider", provider.Name)
		return false, nil
	case RevokeQuery:
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			provider.RevokeURL+"?"+url.Values{"token": []string{token}}.Encode(), nil)
		if err != nil {
			return false, trace.Wrap(err)
		}
		return b.doRevoke(req, provider)
	case RevokeBearer:
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.RevokeURL, nil)
		if err != nil {
			return false, trace.Wrap(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return b.doRevoke(req, provider)
	}
	return false, trace.BadParameter("unknown revocation style %v", provider.RevokeStyle)
}

func (b *Broker) doRevoke(req *http.Request, provider *Provider) (bool, error) {
	resp, err := b.cfg.Client.Do(req)
	if err != nil {
		return false, httplib.NewProblem(http.StatusBadGateway, httplib.CodeUpstreamUnavailable,
			"provider %q is unreachable: %v", provider.Name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode == http.StatusOK, nil
}

func (b *Broker) postTokenEndpoint(ctx context.Context, provider *Provider, form url.Values) (*TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.cfg.Client.Do(req)
	if err != nil {
		return nil, httplib.NewProblem(http.StatusBadGateway, httplib.CodeUpstreamUnavailable,
			"provider %q is unreachable: %v", provider.Name, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if resp.StatusCode != http.StatusOK {
		log.WarnContext(ctx, "Provider rejected token request.",
			"provider", provider.Name, "status", resp.StatusCode)
		return nil, httplib.NewProblem(http.StatusBadGateway, httplib.CodeProviderRejected,
			"provider %q rejected the token request with status %d", provider.Name, resp.StatusCode)
	}
	var tokens TokenSet
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, httplib.NewProblem(http.StatusBadGateway, httplib.CodeProviderRejected,
			"provider %q returned an unreadable token response", provider.Name)
	}
	if tokens.AccessToken == "" {
		return nil, httplib.NewProblem(http.StatusBadGateway, httplib.CodeProviderRejected,
			"provider %q returned no access token", provider.Name)
	}
	return &tokens, nil
}
