// Package api is the HTTP surface of the ingestion system: uploads,
// progress (polling and WebSocket), results, operational dashboards, and
// the configuration endpoints. Built on Echo with the standard middleware
// stack; every state-changing request lands in the audit log.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/qsrgraph/qsrgraph/audit"
	"github.com/qsrgraph/qsrgraph/common"
	"github.com/qsrgraph/qsrgraph/config"
	"github.com/qsrgraph/qsrgraph/degradation"
	"github.com/qsrgraph/qsrgraph/health"
	"github.com/qsrgraph/qsrgraph/pipeline"
	"github.com/qsrgraph/qsrgraph/progress"
	"github.com/qsrgraph/qsrgraph/recovery"
	"github.com/qsrgraph/qsrgraph/reliability"
)

// Ingestor is the slice of the pipeline the handlers drive.
type Ingestor interface {
	Submit(data []byte, filename string) (*pipeline.Process, error)
	Cancel(processID string) error
	RetryStage(processID string) error
	ForceComplete(processID string) error
	Restart(processID string) (*pipeline.Process, error)
	Registry() *pipeline.Registry
}

// Deps wires the server. Nil optional fields disable their endpoints.
type Deps struct {
	Config      *config.Manager
	Pipeline    Ingestor
	Bus         *progress.Bus
	Monitor     *health.Monitor
	DLQ         *reliability.DLQ
	Recovery    *recovery.Controller
	Degradation *degradation.Controller
	Audit       *audit.Store
	Metrics     prometheus.Gatherer
}

// Server is the HTTP front end.
type Server struct {
	echo *echo.Echo
	deps Deps
	log  *logrus.Entry
}

// New builds the server with the standard middleware stack and all routes
// registered.
func New(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	snap := deps.Config.Snapshot()
	if snap.Processing.MaxUploadBytes > 0 {
		// Leave headroom for multipart framing around the PDF itself.
		limitMiB := snap.Processing.MaxUploadBytes/(1<<20) + 1
		e.Use(middleware.BodyLimit(fmt.Sprintf("%dM", limitMiB)))
	}
	if snap.Server.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(snap.Server.RateLimit),
		)))
	}

	s := &Server{
		echo: e,
		deps: deps,
		log:  common.Logger.WithField("component", "api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	e.POST("/upload", s.handleUpload)
	e.GET("/status/:id", s.handleStatus)
	e.GET("/result/:id", s.handleResult)
	e.GET("/progress/:id", s.handleProgress)

	e.POST("/processes/:id/cancel", s.handleCancel)
	e.POST("/processes/:id/retry", s.handleRetry)
	e.POST("/processes/:id/force-complete", s.handleForceComplete)
	e.POST("/processes/:id/restart", s.handleRestart)

	e.GET("/documents", s.handleListDocuments)
	e.GET("/documents/:id", s.handleGetDocument)
	e.DELETE("/documents/:id", s.handleDeleteDocument)

	e.GET("/health", s.handleHealth)
	e.GET("/alerts", s.handleAlerts)
	e.GET("/dlq", s.handleDLQ)
	e.POST("/dlq/:id/resolve", s.handleDLQResolve)
	e.GET("/recovery/history", s.handleRecoveryHistory)
	e.GET("/degradation", s.handleDegradation)

	e.GET("/config", s.handleGetConfig)
	e.PUT("/config", s.handleSetConfig)
	e.GET("/config/templates", s.handleConfigTemplates)
	e.POST("/config/template/:id", s.handleApplyTemplate)
	e.GET("/config/changes", s.handleConfigChanges)
	e.POST("/config/rollback/:change_id", s.handleConfigRollback)

	e.GET("/audit/events", s.handleAuditEvents)
	e.GET("/audit/report", s.handleAuditReport)

	if s.deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(
			promhttp.HandlerFor(s.deps.Metrics, promhttp.HandlerOpts{})))
	}
}

// Echo exposes the router for tests and for mounting extra routes.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start serves until the listener fails.
func (s *Server) Start() error {
	snap := s.deps.Config.Snapshot()
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", snap.Server.Port),
		ReadTimeout: 30 * time.Second,
		// Long-lived WebSocket streams rule out a write timeout here.
	}
	s.log.WithField("port", snap.Server.Port).Info("http server starting")
	return s.echo.StartServer(srv)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// errorResponse is the wire shape of every error.
type errorResponse struct {
	Error      string `json:"error"`
	Kind       string `json:"kind"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

// respondError maps error kinds to HTTP statuses. Overload conditions get
// a Retry-After so well-behaved clients back off.
func respondError(c echo.Context, err error) error {
	kind := common.KindOf(err)
	status := http.StatusInternalServerError
	retryAfter := 0
	switch kind {
	case common.KindInvalidInput:
		status = http.StatusBadRequest
	case common.KindPermissionDenied:
		status = http.StatusForbidden
	case common.KindBusyRetryLater, common.KindLocalQueueFull, common.KindCircuitOpen:
		status = http.StatusServiceUnavailable
		retryAfter = 30
	case common.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	if retryAfter > 0 {
		c.Response().Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	}
	return c.JSON(status, errorResponse{
		Error:      common.UserMessage(err),
		Kind:       string(kind),
		RetryAfter: retryAfter,
	})
}

// actor identifies the caller for the audit trail. Authentication proper
// sits in front of this service; the header pair is what the gateway
// forwards.
func actor(c echo.Context) (name, role string) {
	name = c.Request().Header.Get("X-Actor")
	role = c.Request().Header.Get("X-Actor-Role")
	if name == "" {
		name = c.RealIP()
		role = "anonymous"
	}
	if role == "" {
		role = "operator"
	}
	return name, role
}

// recordAudit writes one event, best-effort.
func (s *Server) recordAudit(c echo.Context, eventType, action, resource, result string, details map[string]string) {
	if s.deps.Audit == nil {
		return
	}
	name, role := actor(c)
	if _, err := s.deps.Audit.Record(audit.Event{
		EventType: eventType,
		Actor:     name,
		ActorRole: role,
		Action:    action,
		Resource:  resource,
		Result:    result,
		Details:   details,
	}); err != nil {
		s.log.WithError(err).Warn("audit record failed")
	}
}
