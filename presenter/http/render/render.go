package render

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/omni/settlement-coordinator/bridge"
	"github.com/omni/settlement-coordinator/db"
	"github.com/omni/settlement-coordinator/entity"
	"github.com/omni/settlement-coordinator/logging"
	"github.com/omni/settlement-coordinator/settlement"
)

var ErrBadRequest = errors.New("bad request")

type ErrorResult struct {
	Error string `json:"error"`
}

func JSON(w http.ResponseWriter, r *http.Request, status int, res interface{}) {
	enc := json.NewEncoder(w)

	if pretty, _ := strconv.ParseBool(r.URL.Query().Get("pretty")); pretty {
		enc.SetIndent("", "  ")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := enc.Encode(res); err != nil {
		logging.LoggerFromContext(r.Context()).WithError(err).Error("failed to marshal JSON result")
	}
}

// StatusCode maps domain errors to HTTP status codes.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, settlement.ErrInvalidCommand),
		errors.Is(err, bridge.ErrInvalidResolution):
		return http.StatusBadRequest
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, entity.ErrVersionConflict),
		errors.Is(err, entity.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, settlement.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func Error(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusCode(err)
	logger := logging.LoggerFromContext(r.Context()).WithError(err).WithField("status", status)
	if status >= http.StatusInternalServerError {
		logger.Error("request handling failed")
	} else {
		logger.Warn("request rejected")
	}
	JSON(w, r, status, &ErrorResult{Error: err.Error()})
}

func BadRequest(w http.ResponseWriter, r *http.Request, format string, args ...interface{}) {
	Error(w, r, fmt.Errorf(format+": %w", append(args, ErrBadRequest)...))
}
