package api

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/corebit/corebit/internal/errors"
)

const maxBodyBytes = 1 << 20 // 1 MiB request ceiling

// writeJSON writes a JSON response with the given status
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps classified errors onto HTTP statuses: client input is
// 400, license violations 402, auth failures 401, missing rows 404 and
// everything else 500. Internals never leak to the client on 5xx.
func writeError(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	if stderrors.Is(err, errors.ErrNotFound) {
		writeErrorResponse(w, http.StatusNotFound, "not found", "", "")
		return
	}

	var pe *errors.ProbeError
	if stderrors.As(err, &pe) {
		switch pe.Type {
		case errors.ErrorTypeClientInput:
			writeErrorResponse(w, http.StatusBadRequest, pe.Err.Error(), pe.Field, "")
			return
		case errors.ErrorTypeLicenseLimit:
			writeErrorResponse(w, http.StatusPaymentRequired, "license limit reached", "", pe.Err.Error())
			return
		case errors.ErrorTypeAuthFailure:
			writeErrorResponse(w, http.StatusUnauthorized, "unauthorized", "", "")
			return
		case errors.ErrorTypeTransientNetwork:
			log.Warn().Err(err).Msg("Upstream unavailable")
			writeErrorResponse(w, http.StatusBadGateway, "upstream unavailable", "", "")
			return
		}
	}

	log.Error().Err(err).Msg("Request handler error")
	writeErrorResponse(w, http.StatusInternalServerError, "internal error", "", "")
}

// decodeJSON reads a bounded JSON request body into dst
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return errors.NewClientInputError("decode_body", fmt.Errorf("invalid JSON body: %v", err))
	}
	return nil
}

// methodNotAllowed answers requests with an unsupported verb
func methodNotAllowed(w http.ResponseWriter) {
	writeErrorResponse(w, http.StatusMethodNotAllowed, "method not allowed", "", "")
}
