package api

import (
	"errors"
	"net/http"

	"knowhow/internal/filestate"
	"knowhow/internal/fsutil"
	"knowhow/internal/render"
)

const (
	codeInvalidRequest   = "invalid_request"
	codeForbidden        = "forbidden"
	codeNotFound         = "not_found"
	codeDocumentNotFound = "document_not_found"
	codeOutsideRoot      = "outside_root"
	codeMethodNotAllowed = "method_not_allowed"
	codeUnavailable      = "service_unavailable"
	codeRenderFailed     = "render_failed"
	codeInternal         = "internal_error"
)

func errorCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return codeInvalidRequest
	case http.StatusForbidden:
		return codeForbidden
	case http.StatusNotFound:
		return codeNotFound
	case http.StatusMethodNotAllowed:
		return codeMethodNotAllowed
	case http.StatusServiceUnavailable:
		return codeUnavailable
	default:
		if status >= http.StatusInternalServerError {
			return codeInternal
		}
	}
	return ""
}

// documentError maps a failure to load or render a document to the response
// the browser sees.
func documentError(err error) *apiError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fsutil.ErrOutsideRoot):
		return &apiError{Status: http.StatusBadRequest, Message: "path escapes the document root", Code: codeOutsideRoot}
	case errors.Is(err, filestate.ErrNotFound), errors.Is(err, render.ErrNotDocument):
		return &apiError{Status: http.StatusNotFound, Message: "document not found", Code: codeDocumentNotFound}
	default:
		return &apiError{Status: http.StatusInternalServerError, Message: "render failed", Code: codeRenderFailed}
	}
}
