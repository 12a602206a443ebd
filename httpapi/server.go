// Package httpapi exposes the session orchestrator over HTTP. Routing is
// deliberately thin: every error mapping lives here and nowhere else.
package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/foldspace/paygate"
)

// Server wires the orchestrator into gin routes.
type Server struct {
	orchestrator *paygate.Orchestrator
	logger       zerolog.Logger
	registry     *prometheus.Registry
}

// New creates the HTTP server. The registry is optional; when nil the
// /metrics route is not mounted.
func New(orchestrator *paygate.Orchestrator, logger zerolog.Logger, registry *prometheus.Registry) *Server {
	return &Server{
		orchestrator: orchestrator,
		logger:       logger,
		registry:     registry,
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)
	router.GET("/status", s.handleStatus)
	router.POST("/request", s.handleCreateSession)
	router.GET("/sessions/:id", s.handleGetSession)
	router.POST("/sessions/:id/payment", s.handlePayment)

	if s.registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "OK - orchestrator is running"})
}

// handleCreateSession prices the request and answers 402 with the payment
// requirement, the quote and the new session id.
func (s *Server) handleCreateSession(c *gin.Context) {
	var input paygate.CreateSessionInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body: " + err.Error()})
		return
	}

	result, err := s.orchestrator.CreateSession(c.Request.Context(), input)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusPaymentRequired, gin.H{
		"sessionId":   result.Session.ID,
		"requirement": result.Requirement,
		"quote":       result.Quote,
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	session, err := s.orchestrator.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// paymentRequest is the push-model confirmation body: the payer's proof plus
// the requirement they believe they satisfied.
type paymentRequest struct {
	Proof       *paygate.PaymentProof        `json:"proof"`
	Requirement *paygate.PaymentRequirements `json:"requirement"`
	Options     struct {
		SkipSettlement bool `json:"skipSettlement"`
	} `json:"options"`
}

func (s *Server) handlePayment(c *gin.Context) {
	var body paymentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body: " + err.Error()})
		return
	}
	if body.Proof == nil || body.Requirement == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "proof and requirement are required"})
		return
	}

	session, err := s.orchestrator.ConfirmPayment(
		c.Request.Context(),
		c.Param("id"),
		*body.Proof,
		*body.Requirement,
		paygate.ConfirmOptions{SkipSettlement: body.Options.SkipSettlement},
	)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// writeError maps domain errors onto status codes: NotFound -> 404,
// validation and mismatch -> 400, everything else -> 500.
func (s *Server) writeError(c *gin.Context, err error) {
	var validationErr *paygate.ValidationError
	var mismatchErr *paygate.RequirementMismatchError

	switch {
	case errors.Is(err, paygate.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &validationErr), errors.As(err, &mismatchErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
