// Package httpapi exposes the compilation pipeline over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/OnslaughtSnail/bibforge/internal/observability"
	"github.com/OnslaughtSnail/bibforge/internal/version"
	"github.com/OnslaughtSnail/bibforge/kernel/compile"
	"github.com/OnslaughtSnail/bibforge/kernel/ledger"
	"github.com/OnslaughtSnail/bibforge/kernel/session"
)

const (
	CallerCookie = "bibforge_caller"
	CallerHeader = "X-Caller-ID"

	callerKey      = "caller_id"
	cookieMaxAge   = 30 * 24 * 3600
	maxCallerIDLen = 128
	historyLimit   = 20
)

// Service is the part of *compile.Pipeline the API drives.
type Service interface {
	Submit(ctx context.Context, callerID, bibliography, styleName string) (compile.Result, error)
	ClearLogs(ctx context.Context, sessionID string) error
	Styles(ctx context.Context) ([]string, error)
	SessionFor(callerID string) (string, error)
}

// History is the read side of the ledger.
type History interface {
	Compilations(ctx context.Context, sessionID string, limit int) ([]ledger.Compilation, error)
}

// Sessions is the read side of the session registry.
type Sessions interface {
	Snapshot() []session.Record
}

type Deps struct {
	Service  Service
	History  History
	Sessions Sessions
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
	// BodyLimit caps request bodies in bytes. Zero means no limit.
	BodyLimit int64
}

type handlers struct {
	svc       Service
	history   History
	sessions  Sessions
	logger    *zap.Logger
	bodyLimit int64
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(deps Deps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handlers{
		svc:       deps.Service,
		history:   deps.History,
		sessions:  deps.Sessions,
		logger:    logger.Named("http"),
		bodyLimit: deps.BodyLimit,
	}

	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(observability.ServiceName), h.accessLog)

	router.GET("/healthz", h.health)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(observability.Handler(deps.Gatherer)))
	}

	v1 := router.Group("/v1", h.identifyCaller)
	{
		v1.POST("/compile", h.compile)
		v1.GET("/styles", h.styles)
		sess := v1.Group("/session")
		{
			sess.DELETE("/logs", h.clearLogs)
			sess.GET("/history", h.sessionHistory)
		}
	}
	return router
}

func (h *handlers) accessLog(c *gin.Context) {
	started := time.Now()
	c.Next()
	h.logger.Debug("request",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("elapsed", time.Since(started)),
	)
}

// identifyCaller resolves the caller identity from the header, then the
// cookie, and issues a new cookie when neither is present.
func (h *handlers) identifyCaller(c *gin.Context) {
	caller := strings.TrimSpace(c.GetHeader(CallerHeader))
	if caller == "" {
		if cookie, err := c.Cookie(CallerCookie); err == nil {
			caller = strings.TrimSpace(cookie)
		}
	}
	if len(caller) > maxCallerIDLen {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody("caller id is too long"))
		return
	}
	if caller == "" {
		caller = uuid.NewString()
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(CallerCookie, caller, cookieMaxAge, "/", "", false, true)
	}
	c.Set(callerKey, caller)
	c.Next()
}

func (h *handlers) health(c *gin.Context) {
	body := gin.H{"status": "ok", "version": version.Get()}
	if h.sessions != nil {
		records := h.sessions.Snapshot()
		compiling := 0
		for _, rec := range records {
			if rec.InFlight > 0 {
				compiling++
			}
		}
		body["sessions"] = gin.H{"active": len(records), "compiling": compiling}
	}
	c.JSON(http.StatusOK, body)
}

type compileRequest struct {
	Bibliography string `json:"bibliography"`
	Style        string `json:"style"`
}

func (h *handlers) compile(c *gin.Context) {
	if h.bodyLimit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.bodyLimit)
	}
	var req compileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, errorBody("request body is too large"))
			return
		}
		c.JSON(http.StatusBadRequest, errorBody("invalid request body: "+err.Error()))
		return
	}

	result, err := h.svc.Submit(c.Request.Context(), c.GetString(callerKey), req.Bibliography, req.Style)
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusOK
	if result.Failure != nil && result.Failure.Kind == compile.KindValidation {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, result)
}

func (h *handlers) styles(c *gin.Context) {
	names, err := h.svc.Styles(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"styles": names})
}

func (h *handlers) clearLogs(c *gin.Context) {
	id, err := h.svc.SessionFor(c.GetString(callerKey))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.svc.ClearLogs(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type historyEntry struct {
	Status    string    `json:"status"`
	Style     string    `json:"style"`
	Stage     string    `json:"stage,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	ExitCodes []int     `json:"exit_codes"`
	ElapsedMS int64     `json:"elapsed_ms"`
	At        time.Time `json:"at"`
}

func (h *handlers) sessionHistory(c *gin.Context) {
	id, err := h.svc.SessionFor(c.GetString(callerKey))
	if err != nil {
		h.writeError(c, err)
		return
	}
	entries := []historyEntry{}
	if h.history != nil {
		rows, err := h.history.Compilations(c.Request.Context(), id, historyLimit)
		if err != nil {
			h.writeError(c, err)
			return
		}
		for _, row := range rows {
			entries = append(entries, historyEntry{
				Status:    row.Status,
				Style:     row.Style,
				Stage:     row.Stage,
				Reason:    row.Reason,
				ExitCodes: row.ExitCodes,
				ElapsedMS: row.Elapsed.Milliseconds(),
				At:        row.At.UTC(),
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "compilations": entries})
}

func (h *handlers) writeError(c *gin.Context, err error) {
	var invocation *compile.SandboxInvocationError
	switch {
	case errors.As(err, &invocation):
		h.logger.Error("sandbox invocation failed", zap.String("stage", string(invocation.Stage)), zap.Error(err))
		c.JSON(http.StatusBadGateway, errorBody("compilation toolchain could not be started"))
	case errors.Is(err, session.ErrInvalidCaller):
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, session.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, errorBody(err.Error()))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, errorBody("request abandoned"))
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("internal error"))
	}
}

func errorBody(msg string) gin.H {
	return gin.H{"error": msg}
}
