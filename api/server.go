package api

import (
	"net/http"
	"slices"
	"time"

	"github.com/Aidin1998/intentex/api/responses"
	"github.com/Aidin1998/intentex/internal/health"
	"github.com/Aidin1998/intentex/internal/intents"
	"github.com/Aidin1998/intentex/internal/risk"
	"github.com/Aidin1998/intentex/internal/settlement"
	"github.com/Aidin1998/intentex/internal/simulator"
	"github.com/Aidin1998/intentex/internal/stream"
	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// Deps are the services behind the HTTP surface. Nil services leave their
// routes unregistered.
type Deps struct {
	Intents        *intents.Service
	Notes          *simulator.NoteStore
	Settlement     *settlement.Engine
	Risk           *risk.Evaluator
	Stream         *stream.Handler
	Health         *health.Checker
	Scopes         ScopeProvider
	AllowedOrigins []string
}

// Server represents the API server
type Server struct {
	router     *gin.Engine
	logger     *zap.Logger
	intents    *intents.Service
	notes      *simulator.NoteStore
	settlement *settlement.Engine
	risk       *risk.Evaluator
	stream     *stream.Handler
	health     *health.Checker
	scopes     ScopeProvider
}

// NewServer creates a new API server over deps
func NewServer(logger *zap.Logger, deps Deps) *Server {
	server := &Server{
		logger:     logger.Named("api"),
		intents:    deps.Intents,
		notes:      deps.Notes,
		settlement: deps.Settlement,
		risk:       deps.Risk,
		stream:     deps.Stream,
		health:     deps.Health,
		scopes:     deps.Scopes,
	}
	if server.scopes == nil {
		server.scopes = HeaderScopeProvider{}
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(otelgin.Middleware("intentex-api"))
	router.Use(metricsMiddleware())
	router.Use(cors.New(corsConfig(deps.AllowedOrigins)))

	server.router = router
	server.registerRoutes()
	return server
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", DefaultScopeHeader, "X-Trace-ID"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

// Start starts the API server
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting API server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Router returns the internal Gin engine for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Handler exposes the router to an http.Server
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	public := s.router.Group("/api/v1")
	{
		public.GET("/metrics", gin.WrapH(promhttp.Handler()))
		public.GET("/health", s.healthCheck)
		if s.health != nil {
			public.GET("/ready", s.readiness)
		}
	}

	scoped := s.router.Group("/api/v1")
	scoped.Use(s.scopeMiddleware())

	if s.intents != nil {
		in := scoped.Group("/intents")
		{
			in.POST("", s.submitIntent)
			in.GET("", s.listIntents)
			in.GET("/:id", s.getIntent)
			in.POST("/:id/cancel", s.cancelIntent)
			in.GET("/:id/history", s.intentHistory)
		}
		scoped.GET("/executions", s.listExecutions)
		scoped.GET("/executions/:id", s.getExecution)
		scoped.GET("/stats", s.stats)
	}
	if s.notes != nil {
		scoped.GET("/notes", s.listNotes)
	}

	if s.settlement != nil {
		custody := scoped.Group("/custody")
		{
			custody.POST("", s.openCustody)
			custody.GET("/:id", s.getEscrow)
			custody.POST("/:id/close", s.closeCustody)
		}
		claims := scoped.Group("/claims")
		{
			claims.POST("", s.createClaim)
			claims.GET("", s.listClaims)
			claims.GET("/:id", s.getClaim)
			claims.POST("/:id/settle", s.settleClaim)
			claims.POST("/:id/redeem", s.redeemClaim)
		}
		scoped.POST("/deferred", s.requestDeferred)
		scoped.GET("/deferred/:id", s.deferredStatus)
		scoped.POST("/mint", s.mint)
		scoped.GET("/fees/preview", s.previewFees)
		scoped.GET("/fees/compare", s.compareChains)
	}

	if s.risk != nil {
		rk := scoped.Group("/risk")
		{
			rk.GET("/rules", s.listRules)
			rk.POST("/rules", s.addRule)
			rk.POST("/rules/:id/enable", s.enableRule)
			rk.POST("/rules/:id/disable", s.disableRule)
			rk.GET("/snapshot", s.riskSnapshot)
			rk.GET("/limits", s.listLimits)
			rk.PUT("/limits/:chain", s.setLimit)
		}
	}

	if s.stream != nil {
		scoped.GET("/stream", s.openStream)
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) readiness(c *gin.Context) {
	report := s.health.Run(c.Request.Context())
	status := http.StatusOK
	if !report.Ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// bindJSON decodes the body and answers 400 on malformed input.
func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		responses.BadRequest(c, "invalid request body: %v", err)
		return false
	}
	return true
}
