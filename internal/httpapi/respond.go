package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	ce "github.com/ineyio/creditengine"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"message": msg})
}

// writeError maps engine errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *ce.InsufficientCreditsError
	var submission *ce.SubmissionError
	var persistence *ce.PersistenceError
	var invalid validator.ValidationErrors

	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"message":  "Insufficient credits",
			"required": insufficient.Required,
		})
	case errors.As(err, &submission):
		s.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("submission failed")
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"message":   "Submission failed",
			"refunded":  submission.Refunded,
			"retryable": ce.IsRetryable(submission.Err),
		})
	case errors.As(err, &persistence):
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("job not recorded")
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"message":  "Job could not be recorded",
			"refunded": persistence.Refunded,
		})
	case errors.As(err, &invalid):
		fields := make([]string, 0, len(invalid))
		for _, fe := range invalid {
			fields = append(fields, strings.ToLower(fe.Field())+":"+fe.Tag())
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"message": "Input incorrect",
			"fields":  fields,
		})
	case errors.Is(err, ce.ErrJobNotFound):
		writeMessage(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, ce.ErrUnknownPack):
		writeMessage(w, http.StatusNotFound, "Pack not found")
	case errors.Is(err, ce.ErrInvalidRequest), errors.Is(err, ce.ErrInvalidTransition):
		writeMessage(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeMessage(w, http.StatusInternalServerError, "Internal Server Error")
	}
}
