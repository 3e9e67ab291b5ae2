package api

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/diagen-io/diagen/pkg/jobs"
)

// mapJobError maps dispatcher errors to HTTP error responses.
func mapJobError(err error) *echo.HTTPError {
	var validErr *jobs.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, sql.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}

	// Unexpected error
	slog.Error("Unexpected job error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
