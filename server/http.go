// Package server exposes a runner.Pipeline over HTTP and gRPC.
package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/bskracic/cpipe/report"
	"github.com/bskracic/cpipe/runner"
)

const (
	sessionName = "cpipe-session"
	sourceKey   = "source"
)

type HTTPOptions struct {
	AllowOrigins  []string
	SessionSecret []byte
	// SecureCookie marks the session cookie Secure. Required by browsers
	// for SameSite=None outside localhost.
	SecureCookie bool
	Logger       *slog.Logger
}

type sourceRequest struct {
	Source *string `json:"source"`
}

type sourceResponse struct {
	Source string `json:"source"`
	Saved  bool   `json:"saved"`
}

type runResponse struct {
	Stage      string           `json:"stage"`
	Kind       report.Kind      `json:"kind"`
	Report     string           `json:"report"`
	Segments   []report.Segment `json:"segments"`
	DurationMs int64            `json:"duration_ms"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHTTPHandler builds the JSON API. The source unit a browser is working
// on lives in its session cookie.
func NewHTTPHandler(p runner.Pipeline, opts HTTPOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	config := cors.DefaultConfig()
	config.AllowOrigins = opts.AllowOrigins
	if len(config.AllowOrigins) == 0 {
		config.AllowOrigins = []string{"*"}
	}
	config.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type"}
	config.ExposeHeaders = []string{"Set-Cookie"}
	router.Use(cors.New(config))

	store := cookie.NewStore(opts.SessionSecret)
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   86400,
		HttpOnly: true,
		Secure:   opts.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	router.Use(sessions.Sessions(sessionName, store))

	h := &httpHandler{pipeline: p, logger: logger}
	api := router.Group("/api")
	api.GET("/health", h.health)
	api.GET("/source", h.getSource)
	api.PUT("/source", h.putSource)
	api.DELETE("/source", h.deleteSource)
	api.POST("/lexical", h.run(runner.StageLexical))
	api.POST("/parse-tree", h.run(runner.StageParseTree))
	api.POST("/compile-and-run", h.run(runner.StageCompileAndRun))

	return router
}

type httpHandler struct {
	pipeline runner.Pipeline
	logger   *slog.Logger
}

func (h *httpHandler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) getSource(c *gin.Context) {
	src, saved := sessionSource(c)
	c.JSON(http.StatusOK, &sourceResponse{Source: src, Saved: saved})
}

func (h *httpHandler) putSource(c *gin.Context) {
	var req sourceRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Source == nil {
		c.JSON(http.StatusBadRequest, &errorResponse{Error: "body must be {\"source\": \"...\"}"})
		return
	}

	session := sessions.Default(c)
	session.Set(sourceKey, *req.Source)
	if err := session.Save(); err != nil {
		h.logger.Error("saving session", "error", err)
		c.JSON(http.StatusInternalServerError, &errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, &sourceResponse{Source: *req.Source, Saved: true})
}

func (h *httpHandler) deleteSource(c *gin.Context) {
	session := sessions.Default(c)
	session.Delete(sourceKey)
	if err := session.Save(); err != nil {
		h.logger.Error("saving session", "error", err)
		c.JSON(http.StatusInternalServerError, &errorResponse{Error: err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// run serves one stage. A request without a source uses the session's.
func (h *httpHandler) run(stage runner.Stage) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sourceRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, &errorResponse{Error: err.Error()})
			return
		}

		source, _ := sessionSource(c)
		if req.Source != nil {
			source = *req.Source
		}

		ctx := c.Request.Context()
		var rep *report.Report
		switch stage {
		case runner.StageLexical:
			rep = h.pipeline.RunLexical(ctx, source)
		case runner.StageParseTree:
			rep = h.pipeline.RunParseTree(ctx, source)
		default:
			rep = h.pipeline.CompileAndRun(ctx, source)
		}

		c.JSON(http.StatusOK, &runResponse{
			Stage:      rep.Stage,
			Kind:       rep.Kind,
			Report:     rep.String(),
			Segments:   rep.Segments,
			DurationMs: rep.Duration.Milliseconds(),
		})
	}
}

// sessionSource returns the saved source, or the sample program when the
// session has none.
func sessionSource(c *gin.Context) (string, bool) {
	if v, ok := sessions.Default(c).Get(sourceKey).(string); ok {
		return v, true
	}
	return runner.SampleProgram, false
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
