package handlers

import (
	"net/http"

	"github.com/pkg/errors"

	"github.com/Brownie44l1/detect-api/internal/imagesource"
	"github.com/Brownie44l1/detect-api/internal/model"
)

var (
	errBadRequest       = errors.New("bad request")
	errMethodNotAllowed = errors.New("method not allowed")
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type errorKind struct {
	target error
	status int
	code   string
}

// errorKinds is checked in order; the first sentinel the error wraps decides the response.
var errorKinds = []errorKind{
	{errBadRequest, http.StatusBadRequest, "bad_request"},
	{errMethodNotAllowed, http.StatusMethodNotAllowed, "method_not_allowed"},
	{imagesource.ErrInvalidReference, http.StatusBadRequest, "invalid_reference"},
	{imagesource.ErrNotFound, http.StatusNotFound, "not_found"},
	{imagesource.ErrTooLarge, http.StatusRequestEntityTooLarge, "too_large"},
	{imagesource.ErrFetchTimeout, http.StatusGatewayTimeout, "fetch_timeout"},
	{imagesource.ErrFetch, http.StatusBadGateway, "fetch_failed"},
	{imagesource.ErrDecode, http.StatusUnprocessableEntity, "decode_failed"},
	{model.ErrInference, http.StatusInternalServerError, "inference_failed"},
}

func classify(err error) (int, string) {
	for _, k := range errorKinds {
		if errors.Is(err, k.target) {
			return k.status, k.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	fields := []any{
		"request_id", RequestID(r.Context()),
		"path", r.URL.Path,
		"status", status,
		"error", err.Error(),
	}
	switch {
	case r.Context().Err() != nil:
		h.logger.Debugw("request canceled", fields...)
	case status >= http.StatusInternalServerError:
		h.logger.Errorw("request failed", fields...)
	default:
		h.logger.Warnw("request rejected", fields...)
	}
	if status == http.StatusMethodNotAllowed {
		w.Header().Set("Allow", http.MethodPost)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}
