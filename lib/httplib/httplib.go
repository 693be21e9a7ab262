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

// Package httplib implements common utility functions for writing
// classic HTTP handlers.
package httplib

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// maxRequestBody caps request bodies read by ReadJSON. CSRs and attestation
// tokens fit comfortably under this.
const maxRequestBody = 1 << 20

// HandlerFunc specifies an HTTP handler function that returns the response
// body to serialize, or an error translated into a Problem Details reply.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// MakeHandler returns a new httprouter.Handle func from a handler func.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return MakeHandlerWithCode(fn, http.StatusOK)
}

// MakeHandlerWithCode is MakeHandler with a custom success status code.
func MakeHandlerWithCode(fn HandlerFunc, code int) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, r, err)
			return
		}
		// A handler that already wrote the response (redirects, raw
		// bodies) returns nil.
		if out == nil {
			return
		}
		ReplyJSON(w, code, out)
	}
}

// ReplyJSON serializes the given value and writes it with the given status
// code.
func ReplyJSON(w http.ResponseWriter, code int, val interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(val); err != nil {
		log.Warn("Failed to encode JSON response.", "error", err)
	}
}

// ReadJSON reads an HTTP JSON request and unmarshals it into the passed
// object.
func ReadJSON(r *http.Request, val interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, &val); err != nil {
		return trace.BadParameter("request body is not valid JSON: %v", err)
	}
	return nil
}

// SetCORSHeaders writes cross-origin headers from the configured allow
// lists.
func SetCORSHeaders(w http.ResponseWriter, origins, methods, headers []string) {
	w.Header().Set("Access-Control-Allow-Origin", strings.Join(origins, ", "))
	w.Header().Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
	w.Header().Set("Access-Control-Allow-Headers", strings.Join(headers, ", "))
	w.Header().Set("Access-Control-Allow-Credentials", "true")
}
