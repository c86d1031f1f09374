package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/marion/aap-watch/internal/ai"
	"github.com/marion/aap-watch/internal/auth"
	"github.com/marion/aap-watch/internal/db"
	"github.com/marion/aap-watch/internal/ingest"
	"github.com/marion/aap-watch/internal/models"
)

var (
	adminSecretOnce    sync.Once
	adminSecretRuntime string
	adminSecretErr     error
)

// backgroundJob tracks one long-running admin task. Only a single job
// runs at a time.
type backgroundJob struct {
	ID        string
	Status    string // running, completed, failed
	StartedAt time.Time
	EndedAt   time.Time
	Result    map[string]any
	Error     string
	Cancel    context.CancelFunc
}

type Server struct {
	Echo        *echo.Echo
	Store       *db.Store
	AuthService *auth.Service
	// AI is optional; nil disables similarity search and embedding
	// backfill.
	AI       ai.Provider
	Pipeline *ingest.Pipeline

	jobMu      sync.Mutex
	runningJob *backgroundJob
}

func NewServer(store *db.Store, authService *auth.Service, provider ai.Provider, pipeline *ingest.Pipeline) *Server {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	origins := []string{"http://localhost:3000", "http://localhost:5173"}
	if env := strings.TrimSpace(os.Getenv("CORS_ORIGINS")); env != "" {
		origins = splitCSV(env)
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAuthorization, "X-Admin-Secret"},
	}))

	s := &Server{
		Echo:        e,
		Store:       store,
		AuthService: authService,
		AI:          provider,
		Pipeline:    pipeline,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	v1 := s.Echo.Group("/api/v1")

	v1.GET("/aaps", s.handleListAAPs)
	v1.GET("/aaps/:id", s.handleGetAAP)
	v1.GET("/aaps/:id/similar", s.handleSimilarAAPs)
	v1.GET("/sources", s.handleListSources)
	v1.GET("/stats", s.handleStats)

	v1.POST("/auth/signup", s.handleSignup)
	v1.POST("/auth/login", s.handleLogin)

	admin := v1.Group("/admin", s.adminMiddleware)
	admin.POST("/ingest", s.handleIngestAll)
	admin.POST("/ingest/:id", s.handleIngestSource)
	admin.POST("/embeddings", s.handleBackfillEmbeddings)
	admin.GET("/job/:id", s.handleJobStatus)

	saved := v1.Group("/saved", auth.Middleware)
	saved.GET("", s.handleGetSavedAAPs)
	saved.POST("/:id", s.handleSaveAAP)
	saved.DELETE("/:id", s.handleUnsaveAAP)
}

func (s *Server) Start(port string) error {
	return s.Echo.Start(":" + port)
}

// Public handlers

func (s *Server) handleListAAPs(c echo.Context) error {
	limit := 50
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	offset := 0
	if raw := strings.TrimSpace(c.QueryParam("offset")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	result, err := s.Store.List(c.Request().Context(), db.ListParams{
		Query:       strings.TrimSpace(c.QueryParam("q")),
		Categories:  splitCSV(c.QueryParam("categories")),
		Eligibilite: splitCSV(c.QueryParam("eligibilite")),
		Source:      strings.TrimSpace(c.QueryParam("source")),
		Statut:      strings.TrimSpace(c.QueryParam("statut")),
		Urgence:     strings.TrimSpace(c.QueryParam("urgence")),
		ActiveOnly:  strings.EqualFold(c.QueryParam("active"), "true"),
		SortBy:      strings.TrimSpace(c.QueryParam("sort")),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		c.Logger().Errorf("Failed to list AAPs: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}

	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleGetAAP(c echo.Context) error {
	aap, err := s.Store.GetByID(c.Request().Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Not found"})
	}
	if err != nil {
		c.Logger().Errorf("Failed to get AAP: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}
	return c.JSON(http.StatusOK, aap)
}

func (s *Server) handleSimilarAAPs(c echo.Context) error {
	ctx := c.Request().Context()

	aap, err := s.Store.GetByID(ctx, c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}

	limit := 5
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 20 {
			limit = parsed
		}
	}

	embedding := aap.Embedding
	if len(embedding) == 0 {
		if s.AI == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Similarity search unavailable"})
		}
		aiCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		vec, err := s.AI.GenerateEmbedding(aiCtx, aap.Titre+"\n"+aap.Resume)
		if err != nil {
			c.Logger().Errorf("Failed to generate embedding: %v", err)
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Similarity search unavailable"})
		}
		embedding = vec
		if err := s.Store.UpdateEmbedding(ctx, aap.ID, vec); err != nil {
			c.Logger().Errorf("Failed to store embedding: %v", err)
		}
	}

	// Fetch one extra: the entry itself is its own nearest neighbor.
	neighbors, err := s.Store.SearchSimilar(ctx, embedding, limit+1)
	if err != nil {
		c.Logger().Errorf("Similarity search failed: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}

	similar := make([]models.AAP, 0, limit)
	for _, n := range neighbors {
		if n.ID == aap.ID {
			continue
		}
		similar = append(similar, n)
		if len(similar) == limit {
			break
		}
	}
	return c.JSON(http.StatusOK, similar)
}

func (s *Server) handleListSources(c echo.Context) error {
	sources, err := s.Store.ListSources(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if sources == nil {
		sources = []db.SourceSummary{}
	}
	return c.JSON(http.StatusOK, sources)
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.Store.GetStats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, stats)
}

// Auth handlers

func (s *Server) handleSignup(c echo.Context) error {
	var req auth.SignupRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Valid email required"})
	}
	if len(req.Password) < 8 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Password must be at least 8 characters"})
	}

	resp, err := s.AuthService.Signup(c.Request().Context(), req)
	if errors.Is(err, auth.ErrUserExists) {
		return c.JSON(http.StatusConflict, map[string]string{"error": "Email already registered"})
	}
	if err != nil {
		c.Logger().Errorf("Signup failed: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Signup failed"})
	}
	return c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleLogin(c echo.Context) error {
	var req auth.LoginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))

	resp, err := s.AuthService.Login(c.Request().Context(), req)
	if errors.Is(err, auth.ErrInvalidCreds) {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid email or password"})
	}
	if err != nil {
		c.Logger().Errorf("Login failed: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Login failed"})
	}
	return c.JSON(http.StatusOK, resp)
}

// Admin handlers

func (s *Server) handleIngestAll(c echo.Context) error {
	s.jobMu.Lock()
	if s.runningJob != nil && s.runningJob.Status == "running" {
		job := s.runningJob
		s.jobMu.Unlock()
		return c.JSON(http.StatusConflict, map[string]any{
			"error":  "An ingestion job is already running",
			"job_id": job.ID,
		})
	}

	// context.WithoutCancel detaches from the HTTP lifecycle but keeps
	// trace values. Our own timeout bounds the run.
	jobCtx, jobCancel := context.WithTimeout(
		context.WithoutCancel(c.Request().Context()), 30*time.Minute,
	)

	jobID := uuid.New().String()[:8]
	job := &backgroundJob{
		ID:        jobID,
		Status:    "running",
		StartedAt: time.Now(),
		Cancel:    jobCancel,
	}
	s.runningJob = job
	s.jobMu.Unlock()

	go func() {
		defer jobCancel()

		result, err := s.runIngestion(jobCtx, nil)

		s.jobMu.Lock()
		defer s.jobMu.Unlock()
		job.EndedAt = time.Now()
		if err != nil {
			job.Status = "failed"
			job.Error = err.Error()
			log.Printf("[ingest-job %s] failed: %v", jobID, err)
			return
		}
		job.Status = "completed"
		job.Result = result
		log.Printf("[ingest-job %s] completed: %v", jobID, result)
	}()

	return c.JSON(http.StatusAccepted, map[string]any{
		"message": "Ingestion job started",
		"job_id":  jobID,
		"poll":    fmt.Sprintf("/api/v1/admin/job/%s", jobID),
	})
}

func (s *Server) handleIngestSource(c echo.Context) error {
	sourceID := c.Param("id")

	connectors, err := s.Pipeline.BuildConnectors()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	var selected []ingest.Connector
	for _, conn := range connectors {
		if conn.SourceID() == sourceID {
			selected = append(selected, conn)
		}
	}
	if len(selected) == 0 {
		return c.JSON(http.StatusNotFound, map[string]string{"error": fmt.Sprintf("unknown or disabled source %q", sourceID)})
	}

	result, err := s.runIngestion(c.Request().Context(), selected)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"message": fmt.Sprintf("%s ingestion complete", sourceID),
		"result":  result,
	})
}

// runIngestion runs a pipeline cycle over the given connectors (all
// registry sources when nil), persists the merged collection, and
// backfills embeddings when the AI layer is configured.
func (s *Server) runIngestion(ctx context.Context, connectors []ingest.Connector) (map[string]any, error) {
	coll, stats, err := s.Pipeline.Run(ctx, connectors)
	if err != nil {
		return nil, err
	}

	saved, err := s.Store.SaveCollection(ctx, coll)
	if err != nil {
		return nil, fmt.Errorf("save failed after %d upserts: %w", saved, err)
	}

	embedded := 0
	if s.AI != nil {
		embedded, err = s.backfillEmbeddings(ctx, coll.Len())
		if err != nil {
			log.Printf("[ingest] embedding backfill stopped after %d: %v", embedded, err)
		}
	}

	return map[string]any{
		"distinct": coll.Len(),
		"saved":    saved,
		"embedded": embedded,
		"stats":    stats,
	}, nil
}

func (s *Server) handleBackfillEmbeddings(c echo.Context) error {
	if s.AI == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "AI layer is not configured"})
	}

	limit := 100
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	embedded, err := s.backfillEmbeddings(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]any{
			"error":    err.Error(),
			"embedded": embedded,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"message":  "Embedding backfill complete",
		"embedded": embedded,
	})
}

func (s *Server) backfillEmbeddings(ctx context.Context, limit int) (int, error) {
	aaps, err := s.Store.ListMissingEmbeddings(ctx, limit)
	if err != nil {
		return 0, err
	}

	embedded := 0
	for i := range aaps {
		a := &aaps[i]
		vec, err := s.AI.GenerateEmbedding(ctx, a.Titre+"\n"+a.Resume)
		if err != nil {
			return embedded, fmt.Errorf("embedding %q: %w", a.Titre, err)
		}
		if err := s.Store.UpdateEmbedding(ctx, a.ID, vec); err != nil {
			return embedded, err
		}
		embedded++
	}
	return embedded, nil
}

func (s *Server) handleJobStatus(c echo.Context) error {
	queried := c.Param("id")

	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	job := s.runningJob
	if job == nil || job.ID != queried {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}

	resp := map[string]any{
		"id":         job.ID,
		"status":     job.Status,
		"started_at": job.StartedAt,
	}
	if !job.EndedAt.IsZero() {
		resp["ended_at"] = job.EndedAt
		resp["duration"] = job.EndedAt.Sub(job.StartedAt).String()
	}
	if job.Result != nil {
		resp["result"] = job.Result
	}
	if job.Error != "" {
		resp["error"] = job.Error
	}
	return c.JSON(http.StatusOK, resp)
}

// Protected handlers

func (s *Server) handleSaveAAP(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := auth.GetUserIDFromContext(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}

	aapID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid AAP ID"})
	}

	if err := s.AuthService.SaveAAP(ctx, userID, aapID); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to save AAP"})
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleUnsaveAAP(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := auth.GetUserIDFromContext(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}

	aapID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid AAP ID"})
	}

	if err := s.AuthService.UnsaveAAP(ctx, userID, aapID); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to unsave AAP"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "unsaved"})
}

func (s *Server) handleGetSavedAAPs(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := auth.GetUserIDFromContext(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}

	saved, err := s.AuthService.GetSavedAAPs(ctx, userID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to fetch saved AAPs"})
	}
	if saved == nil {
		saved = []auth.SavedAAP{}
	}
	return c.JSON(http.StatusOK, saved)
}

// Admin auth

func (s *Server) adminMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		secret, err := adminSecret()
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Server admin configuration error"})
		}

		authHeader := c.Request().Header.Get("Authorization")
		adminHeader := c.Request().Header.Get("X-Admin-Secret")

		if adminHeader == secret {
			return next(c)
		}
		if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
			if authHeader[7:] == secret {
				return next(c)
			}
		}
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized admin access"})
	}
}

func adminSecret() (string, error) {
	adminSecretOnce.Do(func() {
		secret := strings.TrimSpace(os.Getenv("ADMIN_SECRET"))
		if secret != "" {
			adminSecretRuntime = secret
			return
		}

		buf := make([]byte, 48)
		if _, err := rand.Read(buf); err != nil {
			adminSecretErr = fmt.Errorf("failed to generate ADMIN_SECRET fallback: %w", err)
			return
		}

		adminSecretRuntime = base64.RawURLEncoding.EncodeToString(buf)
		log.Print("ADMIN_SECRET is not set; using ephemeral in-memory fallback secret")
	})

	if adminSecretErr != nil {
		return "", adminSecretErr
	}
	if adminSecretRuntime == "" {
		return "", fmt.Errorf("admin secret unavailable")
	}
	return adminSecretRuntime, nil
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
