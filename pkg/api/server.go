// Package api exposes the HTTP surface: the duplex channel upgrade,
// presigned upload and object access, job submission, and health.
package api

import (
	"context"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/diagen-io/diagen/pkg/config"
	"github.com/diagen-io/diagen/pkg/database"
	"github.com/diagen-io/diagen/pkg/jobs"
	"github.com/diagen-io/diagen/pkg/push"
	"github.com/diagen-io/diagen/pkg/storage"
)

// Server represents the HTTP server.
type Server struct {
	cfg        *config.Config
	echo       *echo.Echo
	httpServer *http.Server

	dbClient    *database.Client
	connManager *push.Manager
	dispatcher  *jobs.Dispatcher
	workerPool  *jobs.WorkerPool
	store       storage.Store
	presigner   *storage.Presigner
}

// NewServer creates the API server and registers all routes.
func NewServer(cfg *config.Config, dbClient *database.Client, connManager *push.Manager, dispatcher *jobs.Dispatcher, workerPool *jobs.WorkerPool, store storage.Store, presigner *storage.Presigner) *Server {
	s := &Server{
		cfg:         cfg,
		echo:        echo.New(),
		dbClient:    dbClient,
		connManager: connManager,
		dispatcher:  dispatcher,
		workerPool:  workerPool,
		store:       store,
		presigner:   presigner,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.Use(securityHeaders())

	s.echo.GET("/healthz", s.healthHandler)
	s.echo.GET("/ws", s.wsHandler)

	s.echo.POST("/api/presigned-upload", s.presignedUploadHandler)
	s.echo.POST("/api/submit-job", s.submitJobHandler)
	s.echo.GET("/api/jobs/:id", s.jobStatusHandler)

	s.echo.PUT("/objects/*", s.putObjectHandler)
	s.echo.GET("/objects/*", s.getObjectHandler)
}

// Start begins serving on addr. Blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.echo,
		ReadTimeout: 0, // uploads and the duplex channel are long-lived
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
