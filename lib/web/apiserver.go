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

// Package web implements the HTTP API of the device identity control
// plane: OAuth broker endpoints, device certificate lifecycle, attestation
// and configuration discovery.
package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"

	"github.com/impalah/apuntador-backend"
	"github.com/impalah/apuntador-backend/lib/attest"
	"github.com/impalah/apuntador-backend/lib/ca"
	"github.com/impalah/apuntador-backend/lib/config"
	"github.com/impalah/apuntador-backend/lib/enroll"
	"github.com/impalah/apuntador-backend/lib/httplib"
	"github.com/impalah/apuntador-backend/lib/mtls"
	"github.com/impalah/apuntador-backend/lib/oauth"
	logutils "github.com/impalah/apuntador-backend/lib/utils/log"
)

var log = logutils.NewPackageLogger(apuntador.ComponentKey, apuntador.Component(apuntador.ComponentWeb))

// Config holds parameters for the API handler.
type Config struct {
	// AppConfig is the loaded server configuration.
	AppConfig *config.Config
	// Authority is the device certificate authority.
	Authority *ca.Authority
	// Coordinator drives certificate lifecycle operations.
	Coordinator *enroll.Coordinator
	// Broker drives OAuth flows.
	Broker *oauth.Broker
	// Attestor verifies device integrity evidence.
	Attestor *attest.Service
	// MTLS guards device endpoints. Optional in tests.
	MTLS *mtls.Middleware
	// Clock overrides time for tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.AppConfig == nil {
		return trace.BadParameter("missing parameter AppConfig")
	}
	if c.Authority == nil {
		return trace.BadParameter("missing parameter Authority")
	}
	if c.Coordinator == nil {
		return trace.BadParameter("missing parameter Coordinator")
	}
	if c.Broker == nil {
		return trace.BadParameter("missing parameter Broker")
	}
	if c.Attestor == nil {
		return trace.BadParameter("missing parameter Attestor")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Handler is the web API handler.
type Handler struct {
	httprouter.Router
	cfg       Config
	startTime time.Time
}

// NewHandler creates the API handler with all routes registered. The
// returned http.Handler has the mTLS middleware and CORS applied.
func NewHandler(cfg Config) (http.Handler, *Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, nil, trace.Wrap(err)
	}
	h := &Handler{cfg: cfg, startTime: cfg.Clock.Now()}

	h.GET("/", httplib.MakeHandler(h.root))
	h.GET("/health", httplib.MakeHandler(h.health))
	h.GET("/health/public", httplib.MakeHandler(h.health))

	h.POST("/oauth/authorize/:provider", httplib.MakeHandler(h.oauthAuthorize))
	h.GET("/oauth/callback/:provider", httplib.MakeHandler(h.oauthCallback))
	h.POST("/oauth/token/:provider", httplib.MakeHandler(h.oauthToken))
	h.POST("/oauth/refresh/:provider", httplib.MakeHandler(h.oauthRefresh))
	h.POST("/oauth/revoke/:provider", httplib.MakeHandler(h.oauthRevoke))

	h.POST("/device/enroll", httplib.MakeHandlerWithCode(h.deviceEnroll, http.StatusCreated))
	h.POST("/device/renew", httplib.MakeHandler(h.deviceRenew))
	h.POST("/device/revoke", httplib.MakeHandler(h.deviceRevoke))
	h.GET("/device/status/:device_id", httplib.MakeHandler(h.deviceStatus))
	h.GET("/device/ca-certificate", httplib.MakeHandler(h.caCertificate))
	h.GET("/device/ca-certificate-pin", httplib.MakeHandler(h.caCertificatePin))

	h.POST("/device/attest/android", httplib.MakeHandler(h.attestAndroid))
	h.POST("/device/attest/ios", httplib.MakeHandler(h.attestIOS))
	h.POST("/device/attest/desktop", httplib.MakeHandler(h.attestDesktop))

	h.GET("/config/providers", httplib.MakeHandler(h.configProviders))

	h.GlobalOPTIONS = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httplib.SetCORSHeaders(w, cfg.AppConfig.AllowedOrigins,
			cfg.AppConfig.CORSAllowedMethods, cfg.AppConfig.CORSAllowedHeaders)
		w.WriteHeader(http.StatusNoContent)
	})

	var out http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httplib.SetCORSHeaders(w, cfg.AppConfig.AllowedOrigins,
			cfg.AppConfig.CORSAllowedMethods, cfg.AppConfig.CORSAllowedHeaders)
		h.Router.ServeHTTP(w, r)
	})
	if cfg.MTLS != nil {
		out = cfg.MTLS.Wrap(out)
	}
	return out, h, nil
}

func (h *Handler) root(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	return map[string]string{
		"service": "apuntador",
		"version": h.cfg.AppConfig.ProjectVersion,
	}, nil
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	return map[string]interface{}{
		"status":         "ok",
		"version":        h.cfg.AppConfig.ProjectVersion,
		"uptime_seconds": int(h.cfg.Clock.Now().Sub(h.startTime).Seconds()),
	}, nil
}

type authorizeRequest struct {
	CodeVerifier string `json:"code_verifier"`
	RedirectURI  string `json:"redirect_uri"`
	State        string `json:"state,omitempty"`
}

func (h *Handler) oauthAuthorize(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req authorizeRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := h.cfg.Broker.Authorize(r.Context(), p.ByName("provider"),
		req.CodeVerifier, req.RedirectURI, req.State)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

func (h *Handler) oauthCallback(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	q := r.URL.Query()
	location := h.cfg.Broker.Callback(r.Context(), p.ByName("provider"),
		q.Get("code"), q.Get("state"), q.Get("error"))
	http.Redirect(w, r, location, http.StatusFound)
	return nil, nil
}

type tokenRequest struct {
	Code         string `json:"code"`
	CodeVerifier string `json:"code_verifier"`
	State        string `json:"state,omitempty"`
}

func (h *Handler) oauthToken(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req tokenRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	tokens, err := h.cfg.Broker.Exchange(r.Context(), p.ByName("provider"),
		req.Code, req.CodeVerifier, req.State)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return tokens, nil
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) oauthRefresh(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req refreshRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	tokens, err := h.cfg.Broker.Refresh(r.Context(), p.ByName("provider"), req.RefreshToken)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return tokens, nil
}

type revokeTokenRequest struct {
	Token string `json:"token"`
}

func (h *Handler) oauthRevoke(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req revokeTokenRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	revoked, err := h.cfg.Broker.Revoke(r.Context(), p.ByName("provider"), req.Token)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"revoked":  revoked,
		"provider": p.ByName("provider"),
	}, nil
}

func (h *Handler) deviceEnroll(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req enroll.EnrollRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := h.cfg.Coordinator.Enroll(r.Context(), req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

func (h *Handler) deviceRenew(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req enroll.RenewRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := h.cfg.Coordinator.Renew(r.Context(), req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

type revokeDeviceRequest struct {
	DeviceID string `json:"device_id"`
	Reason   string `json:"reason,omitempty"`
}

func (h *Handler) deviceRevoke(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req revokeDeviceRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := h.cfg.Coordinator.Revoke(r.Context(), req.DeviceID, req.Reason)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

func (h *Handler) deviceStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	status, err := h.cfg.Coordinator.GetStatus(r.Context(), p.ByName("device_id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return status, nil
}

func (h *Handler) caCertificate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	pem, err := h.cfg.Authority.CACertificatePEM(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{
		"certificate": pem,
		"format":      "PEM",
		"usage":       "Add to client truststore for mTLS verification",
	}, nil
}

func (h *Handler) caCertificatePin(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	pin, err := h.cfg.Authority.CAPin(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"pin": pin}, nil
}

func (h *Handler) attestAndroid(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req attest.SafetyNetRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := h.cfg.Attestor.VerifySafetyNet(r.Context(), req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

func (h *Handler) attestIOS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req attest.DeviceCheckRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := h.cfg.Attestor.VerifyDeviceCheck(r.Context(), req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

func (h *Handler) attestDesktop(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req attest.DesktopRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := h.cfg.Attestor.VerifyDesktop(r.Context(), req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

// configProviders lists the OAuth providers with credentials configured.
// It is guarded by the API key so web clients cannot be probed for
// provider availability by third parties.
func (h *Handler) configProviders(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	if err := h.checkAPIKey(r); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"providers": h.cfg.AppConfig.EnabledProviders(),
	}, nil
}

func (h *Handler) checkAPIKey(r *http.Request) error {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return httplib.NewProblem(http.StatusUnauthorized, httplib.CodeAPIKeyMissing,
			"missing API key")
	}
	key := strings.TrimPrefix(auth, "Bearer ")
	if key == auth {
		return httplib.NewProblem(http.StatusUnauthorized, httplib.CodeAPIKeyMissing,
			"malformed Authorization header, expected Bearer token")
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(h.cfg.AppConfig.SecretKey)) != 1 {
		log.WarnContext(r.Context(), "Rejected request with invalid API key.",
			"path", r.URL.Path)
		return httplib.NewProblem(http.StatusForbidden, httplib.CodeAPIKeyInvalid,
			"invalid API key")
	}
	return nil
}
