package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/diagen-io/diagen/pkg/jobs"
)

// submitJobHandler handles POST /api/submit-job, enqueuing a code
// synthesis job for an already-uploaded diagram. If a connection id is
// given, progress and the download link are pushed over that connection.
func (s *Server) submitJobHandler(c *echo.Context) error {
	var req SubmitJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.FilePath == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "file_path is required")
	}

	jobID, err := s.dispatcher.SubmitJob(c.Request().Context(), jobs.Request{
		Kind:         jobs.KindSynthesize,
		ObjectKey:    req.FilePath,
		Language:     req.CodeLanguage,
		ConnectionID: req.ConnectionID,
	})
	if err != nil {
		return mapJobError(err)
	}

	return c.JSON(http.StatusAccepted, &SubmitJobResponse{
		JobID:  jobID,
		Status: jobs.StatusPending,
	})
}

// jobStatusHandler handles GET /api/jobs/:id.
func (s *Server) jobStatusHandler(c *echo.Context) error {
	jobID := c.Param("id")
	if jobID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "job id is required")
	}

	job, err := s.dispatcher.GetJob(c.Request().Context(), jobID)
	if err != nil {
		return mapJobError(err)
	}

	return c.JSON(http.StatusOK, &JobStatusResponse{
		JobID:        job.ID,
		Kind:         job.Kind,
		Status:       job.Status,
		ErrorMessage: job.ErrorMessage,
	})
}
