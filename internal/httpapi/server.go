package httpapi

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/liminal-technologies/readylab-curriculum/internal/catalog"
	"github.com/liminal-technologies/readylab-curriculum/internal/curriculum"
	"github.com/liminal-technologies/readylab-curriculum/internal/mediaupload"
	"github.com/liminal-technologies/readylab-curriculum/internal/platform/logger"
)

const (
	ctxCorrelationID = "correlationId"
	ctxClaims        = "claims"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Policy          mediaupload.Policy
}

// Server is the persistence API for curricula plus the video hosting
// endpoints used by the upload adapter.
type Server struct {
	store       catalog.Store
	tickets     TicketIssuer
	local       *LocalIssuer
	events      *eventHub
	cfg         ServerConfig
	log         *logger.Logger
	rateLimiter *rateLimiter
	engine      *gin.Engine
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store catalog.Store, tickets TicketIssuer, cfg ServerConfig, log *logger.Logger) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Policy.MaxBytes <= 0 {
		cfg.Policy = mediaupload.DefaultPolicy()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		store:       store,
		tickets:     tickets,
		events:      newEventHub(),
		cfg:         cfg,
		log:         logger.OrNop(log).With("component", "httpapi"),
		rateLimiter: limiter,
	}
	if local, ok := tickets.(*LocalIssuer); ok {
		s.local = local
	}
	if cfg.JWTSecret == "" {
		s.log.Error("no jwt secret configured, every bearer token will be rejected")
	}
	s.engine = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.correlation())
	r.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "not_found", "route not found")
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	read := s.requireScope(ScopeCatalogRead)
	write := s.requireScope(ScopeCatalogWrite)

	v1.GET("/courses/:id", read, s.handleGetCourse)
	v1.POST("/courses", write, s.handleCreateCourse)
	v1.PATCH("/courses/:id", write, s.handleUpdateCourse)

	v1.GET("/courses/:id/modules", read, s.handleListModules)
	v1.POST("/courses/:id/modules", write, s.handleCreateModule)
	v1.PATCH("/modules/:id", write, s.handleUpdateModule)
	v1.DELETE("/modules/:id", write, s.handleDeleteModule)

	v1.GET("/modules/:id/lessons", read, s.handleListLessons)
	v1.POST("/modules/:id/lessons", write, s.handleCreateLesson)
	v1.PATCH("/lessons/:id", write, s.handleUpdateLesson)
	v1.DELETE("/lessons/:id", write, s.handleDeleteLesson)

	v1.POST("/media/upload-tickets", write, s.handleUploadTicket)
	v1.PUT("/media/uploads/:id", s.handleLocalUpload)
	v1.GET("/media/events", read, s.handleMediaEvents)
	v1.GET("/media/:id", read, s.handleGetMedia)
	v1.POST("/media/:id/processed", s.requireScope(ScopeMediaAdmin), s.handleMediaProcessed)
	return r
}

func (s *Server) correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader("X-Correlation-Id"))
		if id == "" {
			id = "corr_" + uuid.NewString()
		}
		c.Set(ctxCorrelationID, id)
		c.Header("X-Correlation-Id", id)
		c.Next()
	}
}

func (s *Server) requireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		now := time.Now().UTC()
		claims, authErr := authorizeBearer(c.GetHeader("Authorization"), s.cfg.JWTSecret, scope, now)
		if authErr != nil {
			writeError(c, authErr.status, authErr.code, authErr.message)
			c.Abort()
			return
		}
		if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, now) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			writeError(c, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			c.Abort()
			return
		}
		c.Set(ctxClaims, claims)
		c.Next()
	}
}

func (s *Server) handleGetCourse(c *gin.Context) {
	course, err := s.store.GetCourse(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, course)
}

func (s *Server) handleCreateCourse(c *gin.Context) {
	var in curriculum.CoursePayload
	if !s.decodePayload(c, "course", &in) {
		return
	}
	course, err := s.store.CreateCourse(c.Request.Context(), idempotencyKey(c), in)
	if err != nil {
		s.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, course)
}

func (s *Server) handleUpdateCourse(c *gin.Context) {
	var in curriculum.CoursePayload
	if !s.decodePayload(c, "course", &in) {
		return
	}
	course, err := s.store.UpdateCourse(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		s.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, course)
}

func (s *Server) handleListModules(c *gin.Context) {
	modules, err := s.store.ListModules(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": modules})
}

func (s *Server) handleCreateModule(c *gin.Context) {
	var in curriculum.ModulePayload
	if !s.decodePayload(c, "module", &in) {
		return
	}
	module, err := s.store.CreateModule(c.Request.Context(), c.Param("id"), idempotencyKey(c), in)
	if err != nil {
		s.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, module)
}

func (s *Server) handleUpdateModule(c *gin.Context) {
	var in curriculum.ModulePayload
	if !s.decodePayload(c, "module", &in) {
		return
	}
	module, err := s.store.UpdateModule(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		s.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, module)
}

func (s *Server) handleDeleteModule(c *gin.Context) {
	if err := s.store.DeleteModule(c.Request.Context(), c.Param("id")); err != nil {
		s.respondStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListLessons(c *gin.Context) {
	lessons, err := s.store.ListLessons(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": lessons})
}

func (s *Server) handleCreateLesson(c *gin.Context) {
	var in curriculum.LessonPayload
	if !s.decodePayload(c, "lesson", &in) {
		return
	}
	lesson, err := s.store.CreateLesson(c.Request.Context(), c.Param("id"), idempotencyKey(c), in)
	if err != nil {
		s.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, lesson)
}

func (s *Server) handleUpdateLesson(c *gin.Context) {
	var in curriculum.LessonPayload
	if !s.decodePayload(c, "lesson", &in) {
		return
	}
	lesson, err := s.store.UpdateLesson(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		s.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, lesson)
}

func (s *Server) handleDeleteLesson(c *gin.Context) {
	if err := s.store.DeleteLesson(c.Request.Context(), c.Param("id")); err != nil {
		s.respondStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// decodePayload reads a bounded JSON body into dst and validates it.
func (s *Server) decodePayload(c *gin.Context, path string, dst any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes)
	if err := c.ShouldBindJSON(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
			return false
		}
		writeError(c, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return false
	}
	var payload any
	switch v := dst.(type) {
	case *curriculum.CoursePayload:
		payload = *v
	case *curriculum.ModulePayload:
		payload = *v
	case *curriculum.LessonPayload:
		payload = *v
	default:
		return true
	}
	if err := curriculum.ValidatePayload(path, payload); err != nil {
		s.respondStoreError(c, err)
		return false
	}
	return true
}

func (s *Server) respondStoreError(c *gin.Context, err error) {
	var verr *curriculum.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"code":          "validation_failed",
			"message":       verr.Error(),
			"correlationId": c.GetString(ctxCorrelationID),
			"fields":        verr.Fields,
		})
	case errors.Is(err, catalog.ErrNotFound):
		writeError(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, catalog.ErrInvalidInput):
		writeError(c, http.StatusBadRequest, "bad_request", err.Error())
	default:
		s.log.Error("request failed", "path", c.FullPath(), "correlation_id", c.GetString(ctxCorrelationID), "error", err)
		writeError(c, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func idempotencyKey(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader("Idempotency-Key"))
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"code":          code,
		"message":       message,
		"correlationId": c.GetString(ctxCorrelationID),
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
