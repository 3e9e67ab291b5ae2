package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/diagen-io/diagen/pkg/storage"
)

// presignedUploadHandler handles POST /api/presigned-upload. The client
// names the destination key and the content type it will send; the
// handler mints a time-limited upload URL and the client then PUTs the
// diagram bytes to it directly.
func (s *Server) presignedUploadHandler(c *echo.Context) error {
	var req PresignedUploadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "key is required")
	}

	key, err := storage.NormalizeKey(req.Key)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := storage.ValidateKey(key); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return c.JSON(http.StatusOK, &PresignedUploadResponse{
		UploadURL: s.presigner.SignPut(key, time.Now()),
		Key:       key,
		ExpiresIn: int(s.cfg.Storage.PresignExpiry.Seconds()),
	})
}
