// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Error codes defined by the OCI Distribution Specification.
const (
	ErrCodeBlobUnknown       = "BLOB_UNKNOWN"
	ErrCodeBlobUploadInvalid = "BLOB_UPLOAD_INVALID"
	ErrCodeBlobUploadUnknown = "BLOB_UPLOAD_UNKNOWN"
	ErrCodeDigestInvalid     = "DIGEST_INVALID"
	ErrCodeManifestInvalid   = "MANIFEST_INVALID"
	ErrCodeManifestUnknown   = "MANIFEST_UNKNOWN"
	ErrCodeNameInvalid       = "NAME_INVALID"
	ErrCodeNameUnknown       = "NAME_UNKNOWN"
	ErrCodeSizeInvalid       = "SIZE_INVALID"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeDenied            = "DENIED"
	ErrCodeUnsupported       = "UNSUPPORTED"
)

// ErrorDescriptor is one error in an OCI error response body.
type ErrorDescriptor struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

// Error implements the error interface.
func (e ErrorDescriptor) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorResponse is the OCI error response body format.
type ErrorResponse struct {
	Errors []ErrorDescriptor `json:"errors"`
}

// WriteError writes an OCI error response body with the given status.
func WriteError(w http.ResponseWriter, statusCode int, code, message string, detail any) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, statusCode, ErrorResponse{
		Errors: []ErrorDescriptor{{Code: code, Message: message, Detail: detail}},
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
