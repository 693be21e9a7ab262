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

package httplib

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/impalah/apuntador-backend"
	logutils "github.com/impalah/apuntador-backend/lib/utils/log"
)

var log = logutils.NewPackageLogger(apuntador.ComponentKey, apuntador.Component("httplib"))

// Code is a stable machine-readable error tag carried in the Problem
// Details title field. Clients dispatch on these, never on detail text.
type Code string

const (
	// Client input.
	CodeMalformedRequest Code = "MALFORMED_REQUEST"
	CodeValidationFailed Code = "VALIDATION_FAILED"
	CodeInvalidCSR       Code = "INVALID_CSR"

	// Authentication / authorization.
	CodeCertMissing        Code = "CERT_MISSING"
	CodeCertMalformed      Code = "CERT_MALFORMED"
	CodeCertNotWhitelisted Code = "CERT_NOT_WHITELISTED"
	CodeCertUnknown        Code = "CERT_UNKNOWN"
	CodeCertExpired        Code = "CERT_EXPIRED"
	CodeCertNotYetValid    Code = "CERT_NOT_YET_VALID"
	CodeCertRevoked        Code = "CERT_REVOKED"
	CodeAPIKeyMissing      Code = "API_KEY_MISSING"
	CodeAPIKeyInvalid      Code = "API_KEY_INVALID"

	// OAuth flow.
	CodeStateInvalid         Code = "STATE_INVALID"
	CodeProviderMismatch     Code = "PROVIDER_MISMATCH"
	CodeCodeVerifierMismatch Code = "CODE_VERIFIER_MISMATCH"
	CodeUnsupportedProvider  Code = "UNSUPPORTED_PROVIDER"
	CodeProviderRejected     Code = "PROVIDER_REJECTED"
	CodeUpstreamUnavailable  Code = "UPSTREAM_UNAVAILABLE"

	// Attestation.
	CodeAttestationFailed      Code = "ATTESTATION_FAILED"
	CodeAttestationInvalid     Code = "ATTESTATION_INVALID"
	CodeAttestationUnsupported Code = "ATTESTATION_UNSUPPORTED"
	CodeAttestationRateLimited Code = "ATTESTATION_RATE_LIMITED"

	// Resource.
	CodeNotFound       Code = "NOT_FOUND"
	CodeSerialMismatch Code = "SERIAL_MISMATCH"
	CodeConflict       Code = "CONFLICT"

	// Infrastructure.
	CodeCANotProvisioned     Code = "CA_NOT_PROVISIONED"
	CodeSecretNotProvisioned Code = "SECRET_NOT_PROVISIONED"
	CodePersistenceFailed    Code = "PERSISTENCE_FAILED"
	CodeProvisioningFailed   Code = "PROVISIONING_FAILED"
	CodeInternal             Code = "INTERNAL"
)

// ValidationError describes one failed input check inside a 422 response.
type ValidationError struct {
	Type  string                 `json:"type"`
	Loc   []string               `json:"loc"`
	Msg   string                 `json:"msg"`
	Input interface{}            `json:"input"`
	Ctx   map[string]interface{} `json:"ctx,omitempty"`
}

// Problem is an RFC 7807 Problem Details response body. It implements error
// so domain code can return it directly through the handler chain.
type Problem struct {
	Type     string            `json:"type"`
	Title    Code              `json:"title"`
	Status   int               `json:"status"`
	Detail   string            `json:"detail,omitempty"`
	Instance string            `json:"instance,omitempty"`
	Errors   []ValidationError `json:"errors,omitempty"`
}

// Error implements the error interface.
func (p *Problem) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// NewProblem builds a Problem with the given HTTP status and taxonomy code.
func NewProblem(status int, code Code, format string, args ...interface{}) *Problem {
	return &Problem{
		Type:   "about:blank",
		Title:  code,
		Status: status,
		Detail: fmt.Sprintf(format, args...),
	}
}

// NewValidationProblem builds the 422 shape carrying per-field errors.
func NewValidationProblem(detail string, errs ...ValidationError) *Problem {
	return &Problem{
		Type:   "about:blank",
		Title:  CodeValidationFailed,
		Status: http.StatusUnprocessableEntity,
		Detail: detail,
		Errors: errs,
	}
}

// ProblemFromError translates any error into a Problem. Explicit Problems
// pass through; trace error kinds map to their conventional statuses;
// everything else collapses to a generic INTERNAL with the original logged
// server-side only.
func ProblemFromError(err error) *Problem {
	var problem *Problem
	if errors.As(err, &problem) {
		return problem
	}
	switch {
	case trace.IsNotFound(err):
		return NewProblem(http.StatusNotFound, CodeNotFound, "%v", trace.UserMessage(err))
	case trace.IsBadParameter(err):
		return NewProblem(http.StatusBadRequest, CodeMalformedRequest, "%v", trace.UserMessage(err))
	case trace.IsAccessDenied(err):
		return NewProblem(http.StatusForbidden, CodeAPIKeyInvalid, "%v", trace.UserMessage(err))
	case trace.IsAlreadyExists(err):
		return NewProblem(http.StatusConflict, CodeConflict, "%v", trace.UserMessage(err))
	default:
		return NewProblem(http.StatusInternalServerError, CodeInternal, "internal server error")
	}
}

// ReplyError writes the Problem Details translation of err. Internal errors
// are logged with a request-scoped identifier that is also returned in the
// instance field so operators can correlate a client report with the log
// line.
func ReplyError(w http.ResponseWriter, r *http.Request, err error) {
	problem := ProblemFromError(err)
	if problem.Instance == "" {
		problem.Instance = r.URL.Path
	}
	if problem.Status >= http.StatusInternalServerError {
		requestID := uuid.NewString()
		problem.Instance = fmt.Sprintf("%s#%s", r.URL.Path, requestID)
		log.Error("Request failed.",
			"request_id", requestID,
			"path", r.URL.Path,
			"error", err,
		)
	}
	ReplyJSONProblem(w, problem)
}

// ReplyJSONProblem writes a Problem with the problem+json media type.
func ReplyJSONProblem(w http.ResponseWriter, problem *Problem) {
	w.Header().Set("Content-Type", "application/problem+json; charset=utf-8")
	w.WriteHeader(problem.Status)
	if err := json.NewEncoder(w).Encode(problem); err != nil {
		log.Warn("Failed to encode problem response.", "error", err)
	}
}
