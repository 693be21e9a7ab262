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

// Package oauth implements the OAuth 2.0 / PKCE broker mediating access to
// third-party cloud storage providers, plus the signed-state codec carrying
// cross-hop request state.
package oauth

import (
	"net/http"

	"github.com/impalah/apuntador-backend/lib/httplib"
)

// Provider names form a closed set.
const (
	ProviderGoogleDrive = "googledrive"
	ProviderDropbox     = "dropbox"
	ProviderOneDrive    = "onedrive"
)

// Google Drive endpoints.
const (
	GoogleAuthURL   = "https://accounts.google.com/o/oauth2/v2/auth"
	GoogleTokenURL  = "https://oauth2.googleapis.com/token"
	GoogleRevokeURL = "https://oauth2.googleapis.com/revoke"
)

// Dropbox endpoints.
const (
	DropboxAuthURL   = "https://www.dropbox.com/oauth2/authorize"
	DropboxTokenURL  = "https://api.dropboxapi.com/oauth2/token"
	DropboxRevokeURL = "https://api.dropboxapi.com/2/auth/token/revoke"
)

// OneDrive (Microsoft identity platform) endpoints.
const (
	OneDriveAuthURL  = "https://login.microsoftonline.com/common/oauth2/v2.0/authorize"
	OneDriveTokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
)

// RevokeStyle selects how a provider expects token revocation requests.
type RevokeStyle int

const (
	// RevokeNone means the provider has no revocation endpoint.
	RevokeNone RevokeStyle = iota
	// RevokeQuery posts the token as a query parameter (Google).
	RevokeQuery
	// RevokeBearer posts with the token as the bearer credential (Dropbox).
	RevokeBearer
)

// Provider is the static description of one upstream OAuth provider plus
// the credentials configured for it. Providers are immutable after
// construction.
type Provider struct {
	// Name is the registry key, e.g. "googledrive".
	Name string
	// AuthURL is the authorization endpoint.
	AuthURL string
	// TokenURL is the token endpoint.
	TokenURL string
	// RevokeURL is the revocation endpoint, empty when RevokeStyle is
	// RevokeNone.
	RevokeURL string
	// Scopes are the access scopes requested during authorize.
	Scopes []string
	// ExtraAuthParams are provider-specific authorize URL parameters.
	ExtraAuthParams map[string]string
	// ClientID is the registered application id.
	ClientID string
	// ClientSecret is the application secret, empty for PKCE-only
	// providers.
	ClientSecret string
	// RedirectURI is the registered broker callback.
	RedirectURI string
	// RequiresSecret marks providers whose token endpoint insists on the
	// client secret even with PKCE.
	RequiresSecret bool
	// RevokeStyle selects the revocation request shape.
	RevokeStyle RevokeStyle
}

// Credentials holds the per-provider application registration loaded from
// configuration.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// NewGoogleDriveProvider builds the Google Drive provider description.
// Google hands out a refresh token only with offline access and a forced
// consent prompt.
func NewGoogleDriveProvider(creds Credentials) *Provider {
	return &Provider{
		Name:      ProviderGoogleDrive,
		AuthURL:   GoogleAuthURL,
		TokenURL:  GoogleTokenURL,
		RevokeURL: GoogleRevokeURL,
		Scopes:    []string{"https://www.googleapis.com/auth/drive"},
		ExtraAuthParams: map[string]string{
			"access_type": "offline",
			"prompt":      "consent",
		},
		ClientID:       creds.ClientID,
		ClientSecret:   creds.ClientSecret,
		RedirectURI:    creds.RedirectURI,
		RequiresSecret: true,
		RevokeStyle:    RevokeQuery,
	}
}

// NewDropboxProvider builds the Dropbox provider description. Dropbox
// supports PKCE-only public clients and issues refresh tokens with
// token_access_type=offline.
func NewDropboxProvider(creds Credentials) *Provider {
	return &Provider{
		Name:      ProviderDropbox,
		AuthURL:   DropboxAuthURL,
		TokenURL:  DropboxTokenURL,
		RevokeURL: DropboxRevokeURL,
		Scopes:    []string{"files.content.read", "files.content.write"},
		ExtraAuthParams: map[string]string{
			"token_access_type": "offline",
		},
		ClientID:       creds.ClientID,
		ClientSecret:   creds.ClientSecret,
		RedirectURI:    creds.RedirectURI,
		RequiresSecret: false,
		RevokeStyle:    RevokeBearer,
	}
}

// NewOneDriveProvider builds the OneDrive provider description. The
// Microsoft identity platform has no token revocation endpoint; clients
// drop the token and let it expire.
func NewOneDriveProvider(creds Credentials) *Provider {
	return &Provider{
		Name:           ProviderOneDrive,
		AuthURL:        OneDriveAuthURL,
		TokenURL:       OneDriveTokenURL,
		Scopes:         []string{"Files.ReadWrite", "offline_access"},
		ClientID:       creds.ClientID,
		ClientSecret:   creds.ClientSecret,
		RedirectURI:    creds.RedirectURI,
		RequiresSecret: false,
		RevokeStyle:    RevokeNone,
	}
}

// Registry maps provider names to configured providers. Only providers
// with a configured client id are registered.
type Registry struct {
	providers map[string]*Provider
}

// NewRegistry builds the provider registry from per-provider credentials.
func NewRegistry(creds map[string]Credentials) *Registry {
	r := &Registry{providers: make(map[string]*Provider)}
	constructors := map[string]func(Credentials) *Provider{
		ProviderGoogleDrive: NewGoogleDriveProvider,
		ProviderDropbox:     NewDropboxProvider,
		ProviderOneDrive:    NewOneDriveProvider,
	}
	for name, build := range constructors {
		c, ok := creds[name]
		if !ok || c.ClientID == "" {
			continue
		}
		r.providers[name] = build(c)
	}
	return r
}

// Get returns the provider for the given name, or an UNSUPPORTED_PROVIDER
// problem.
func (r *Registry) Get(name string) (*Provider, error) {
	provider, ok := r.providers[name]
	if !ok {
		return nil, httplib.NewProblem(http.StatusBadRequest,
			httplib.CodeUnsupportedProvider, "unsupported or unconfigured provider %q", name)
	}
	return provider, nil
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
