package api

import (
	"errors"
	"mime"
	"net/http"
	"os"
	"path"
	"time"

	echo "github.com/labstack/echo/v5"
)

// putObjectHandler handles PUT /objects/*. The URL must carry a valid
// upload signature minted by the presign endpoint.
func (s *Server) putObjectHandler(c *echo.Context) error {
	key, err := s.verifySignedRequest(c, http.MethodPut)
	if err != nil {
		return err
	}

	if err := s.store.Put(c.Request().Context(), key, c.Request().Body); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store object")
	}
	return c.NoContent(http.StatusOK)
}

// getObjectHandler handles GET /objects/*, serving stored objects and
// generated artifacts through presigned download links.
func (s *Server) getObjectHandler(c *echo.Context) error {
	key, err := s.verifySignedRequest(c, http.MethodGet)
	if err != nil {
		return err
	}

	rc, err := s.store.Get(c.Request().Context(), key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return echo.NewHTTPError(http.StatusNotFound, "object not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to open object")
	}
	defer rc.Close()

	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return c.Stream(http.StatusOK, contentType, rc)
}

// verifySignedRequest extracts the object key from the wildcard path and
// checks the request's signature for the given method.
func (s *Server) verifySignedRequest(c *echo.Context, method string) (string, error) {
	key := c.Param("*")
	if key == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "object key is required")
	}

	q := c.QueryParams()
	err := s.presigner.Verify(method, key, q.Get("expires"), q.Get("signature"), time.Now())
	if err != nil {
		return "", echo.NewHTTPError(http.StatusForbidden, "invalid or expired signature")
	}
	return key, nil
}
