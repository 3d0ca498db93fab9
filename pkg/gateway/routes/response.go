package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/synaptica-ai/cohortfilter/pkg/analytics/cohort"
	"github.com/synaptica-ai/cohortfilter/pkg/analytics/filter"
	"github.com/synaptica-ai/cohortfilter/pkg/common/logger"
	"github.com/synaptica-ai/cohortfilter/pkg/population"
)

type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Log.WithError(err).Error("failed to write json response")
	}
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := errorResponse{Error: err.Error()}

	var verrs filter.ValidationErrors
	var fieldErrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		body.Error = "filter set is invalid"
		body.Details = verrs.Messages()
	case errors.As(err, &fieldErrs):
		body.Error = "request is invalid"
		for _, fe := range fieldErrs {
			body.Details = append(body.Details, fe.Field()+": failed "+fe.Tag())
		}
	}

	if status >= http.StatusInternalServerError {
		logger.Log.WithError(err).Error("request failed")
	}
	writeJSONStatus(w, status, body)
}

func statusFor(err error) int {
	var fieldErrs validator.ValidationErrors
	switch {
	case filter.IsValidationError(err), errors.As(err, &fieldErrs):
		return http.StatusUnprocessableEntity
	case errors.Is(err, cohort.ErrInvalidExpression),
		errors.Is(err, cohort.ErrAmbiguousRequest),
		errors.Is(err, cohort.ErrUnknownCohort):
		return http.StatusBadRequest
	case errors.Is(err, cohort.ErrUnknownModality),
		errors.Is(err, cohort.ErrTemplateNotFound):
		return http.StatusNotFound
	case errors.Is(err, cohort.ErrTemplatesDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, population.ErrSourceUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body; an empty body leaves dst untouched.
func decode(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
