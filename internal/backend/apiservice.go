package backend

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jo-hoe/carsort/internal/auth"
	"github.com/jo-hoe/carsort/internal/backend/database"
	"github.com/jo-hoe/carsort/internal/cache"
	"github.com/jo-hoe/carsort/internal/codec"
	"github.com/jo-hoe/carsort/internal/core"
	"github.com/jo-hoe/carsort/internal/ingest"
	"github.com/jo-hoe/carsort/internal/stats"
	"github.com/jo-hoe/carsort/internal/taxonomy"
	"github.com/labstack/echo/v4"
)

const (
	mimeJPEG = "image/jpeg"

	// Longest side of review thumbnails, matching the 300px review grid.
	thumbnailMaxDimension = 300
)

type APIService struct {
	config      *core.ServiceConfig
	coreService *core.CoreService
}

func NewAPIService(config *core.ServiceConfig, coreService *core.CoreService) *APIService {
	return &APIService{
		config:      config,
		coreService: coreService,
	}
}

func (s *APIService) SetRoutes(e *echo.Echo) {
	e.GET("/probe", s.probeHandler)

	e.POST("/api/auth/register", s.registerHandler)
	e.POST("/api/auth/login", s.loginHandler)

	e.POST("/api/sessions", s.createSessionHandler)
	e.POST("/api/sessions/:id/chunks", s.addChunkHandler)
	e.GET("/api/sessions/:id/summary", s.sessionSummaryHandler)
	e.DELETE("/api/sessions/:id", s.closeSessionHandler)

	e.GET("/api/images", s.listImagesHandler)
	e.GET("/api/images/:id", s.getImageHandler)
	e.GET("/api/images/:id/content", s.getImageContentHandler)
	e.DELETE("/api/images/:id", s.deleteImageHandler)
	e.PUT("/api/images/:id/categorization", s.correctCategorizationHandler)

	e.GET("/api/categories", s.categoriesHandler)
	e.GET("/api/export", s.exportHandler)
	e.GET("/api/statistics", s.statisticsHandler)
	e.GET("/api/statistics/tokens", s.tokenUsageHandler)
}

func (s *APIService) probeHandler(c echo.Context) error {
	return c.String(http.StatusOK, "API Service is running")
}

type credentialsRequest struct {
	Username string `json:"username" validate:"required,min=3"`
	Password string `json:"password" validate:"required,min=8"`
	Role     string `json:"role"`
}

// loginRequest skips the registration length rules so accounts created before
// those rules were enforced can still sign in.
type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type userResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

func (s *APIService) registerHandler(c echo.Context) error {
	var request credentialsRequest
	if err := c.Bind(&request); err != nil {
		return c.String(http.StatusBadRequest, "Invalid request body")
	}
	if err := c.Validate(&request); err != nil {
		return err
	}
	if request.Role == "" {
		request.Role = auth.RoleUser
	}

	id, err := s.coreService.Auth().Register(request.Username, request.Password, request.Role)
	if err != nil {
		slog.Warn("registerHandler: registration rejected", "username", request.Username, "error", err)
		return c.String(http.StatusConflict, "Registration failed")
	}
	return c.JSON(http.StatusCreated, userResponse{ID: id, Username: request.Username, Role: request.Role})
}

func (s *APIService) loginHandler(c echo.Context) error {
	var request loginRequest
	if err := c.Bind(&request); err != nil {
		return c.String(http.StatusBadRequest, "Invalid request body")
	}
	if err := c.Validate(&request); err != nil {
		return err
	}

	user, err := s.coreService.Auth().Authenticate(request.Username, request.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return c.String(http.StatusUnauthorized, "Invalid username or password")
		}
		slog.Error("loginHandler: authentication failed", "error", err)
		return c.String(http.StatusInternalServerError, "Authentication failed")
	}
	return c.JSON(http.StatusOK, userResponse{ID: user.ID, Username: user.Username, Role: user.Role})
}

type createSessionRequest struct {
	UserID *int64 `json:"user_id"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	ChunkSize int    `json:"chunk_size"`
}

func (s *APIService) createSessionHandler(c echo.Context) error {
	var request createSessionRequest
	// Body is optional; an anonymous session carries no user.
	_ = c.Bind(&request)

	var userID sql.NullInt64
	if request.UserID != nil {
		userID = sql.NullInt64{Int64: *request.UserID, Valid: true}
	}

	id, err := s.coreService.CreateSession(userID)
	if err != nil {
		slog.Error("createSessionHandler: failed to create session", "error", err)
		return c.String(http.StatusInternalServerError, "Failed to create session")
	}
	return c.JSON(http.StatusCreated, createSessionResponse{
		SessionID: id,
		ChunkSize: s.config.Upload.ChunkSize,
	})
}

type chunkResponse struct {
	Results []ingest.FileResult `json:"results"`
}

func (s *APIService) addChunkHandler(c echo.Context) error {
	session, err := s.coreService.Session(c.Param("id"))
	if err != nil {
		return c.String(http.StatusNotFound, "Unknown session")
	}

	file, err := c.FormFile("chunk")
	if err != nil {
		slog.Warn("addChunkHandler: missing chunk part", "error", err)
		return c.String(http.StatusBadRequest, "Missing chunk part")
	}
	filename := c.FormValue("filename")
	if filename == "" {
		filename = file.Filename
	}
	chunkIndex, err := strconv.Atoi(c.FormValue("chunk_index"))
	if err != nil {
		return c.String(http.StatusBadRequest, "Invalid chunk_index")
	}
	totalChunks, err := strconv.Atoi(c.FormValue("total_chunks"))
	if err != nil {
		return c.String(http.StatusBadRequest, "Invalid total_chunks")
	}

	src, err := file.Open()
	if err != nil {
		slog.Error("addChunkHandler: failed to open chunk", "error", err, "filename", filename)
		return c.String(http.StatusInternalServerError, "Failed to open chunk")
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			slog.Error("addChunkHandler: failed to close chunk reader", "error", cerr, "filename", filename)
		}
	}()

	data, err := io.ReadAll(src)
	if err != nil {
		slog.Error("addChunkHandler: failed to read chunk", "error", err, "filename", filename)
		return c.String(http.StatusInternalServerError, "Failed to read chunk")
	}

	results, err := session.AddChunk(c.Request().Context(), filename, chunkIndex, totalChunks, data)
	if err != nil {
		slog.Warn("addChunkHandler: chunk rejected", "error", err, "filename", filename)
		return c.String(http.StatusBadRequest, "Chunk rejected")
	}

	for _, result := range results {
		if result.Status == ingest.StatusStored {
			s.coreService.Cache().Invalidate(c.Request().Context())
			break
		}
	}

	if results == nil {
		results = []ingest.FileResult{}
	}
	return c.JSON(http.StatusOK, chunkResponse{Results: results})
}

func (s *APIService) sessionSummaryHandler(c echo.Context) error {
	session, err := s.coreService.Session(c.Param("id"))
	if err != nil {
		return c.String(http.StatusNotFound, "Unknown session")
	}
	return c.JSON(http.StatusOK, session.Summary())
}

func (s *APIService) closeSessionHandler(c echo.Context) error {
	s.coreService.CloseSession(c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}

type imageSummary struct {
	ID            int64   `json:"id"`
	Filename      string  `json:"filename"`
	Category      string  `json:"category"`
	Subcategory   string  `json:"subcategory"`
	AICategory    string  `json:"ai_category"`
	AISubcategory string  `json:"ai_subcategory"`
	Confidence    float64 `json:"confidence"`
	TokenCost     int     `json:"token_cost"`
	SizeBytes     int64   `json:"size_bytes,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

func toImageSummary(record *database.ImageRecord) imageSummary {
	summary := imageSummary{
		ID:            record.ID,
		Filename:      record.Filename,
		Category:      record.Category,
		Subcategory:   record.Subcategory,
		AICategory:    record.AICategory,
		AISubcategory: record.AISubcategory,
		Confidence:    record.Confidence,
		TokenCost:     record.TokenCost,
		CreatedAt:     record.CreatedAt.Format(time.RFC3339),
	}
	if record.ImageSize.Valid {
		summary.SizeBytes = record.ImageSize.Int64
	}
	return summary
}

func (s *APIService) listImagesHandler(c echo.Context) error {
	ctx := c.Request().Context()
	if payload, ok := s.coreService.Cache().Get(ctx, cache.KeyImageList); ok {
		return c.JSONBlob(http.StatusOK, payload)
	}

	records, err := s.coreService.GetAllImages()
	if err != nil {
		slog.Error("listImagesHandler: failed to list images", "error", err)
		return c.String(http.StatusInternalServerError, "Failed to list images")
	}

	summaries := make([]imageSummary, 0, len(records))
	for _, record := range records {
		summaries = append(summaries, toImageSummary(record))
	}

	payload, err := json.Marshal(summaries)
	if err != nil {
		slog.Error("listImagesHandler: failed to marshal listing", "error", err)
		return c.String(http.StatusInternalServerError, "Failed to list images")
	}
	s.coreService.Cache().Set(ctx, cache.KeyImageList, payload)
	return c.JSONBlob(http.StatusOK, payload)
}

func (s *APIService) imageIDParam(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid image id %q", c.Param("id"))
	}
	return id, nil
}

func (s *APIService) getImageHandler(c echo.Context) error {
	id, err := s.imageIDParam(c)
	if err != nil {
		return c.String(http.StatusBadRequest, "Invalid image ID")
	}
	record, err := s.coreService.GetImageByID(id)
	if err != nil {
		return c.String(http.StatusNotFound, "Image not found")
	}
	return c.JSON(http.StatusOK, toImageSummary(record))
}

func (s *APIService) getImageContentHandler(c echo.Context) error {
	id, err := s.imageIDParam(c)
	if err != nil {
		return c.String(http.StatusBadRequest, "Invalid image ID")
	}
	record, err := s.coreService.GetImageByID(id)
	if err != nil {
		return c.String(http.StatusNotFound, "Image not found")
	}

	payload, err := base64.StdEncoding.DecodeString(record.ImageData)
	if err != nil {
		slog.Error("getImageContentHandler: stored payload undecodable", "image_id", id, "error", err)
		return c.String(http.StatusInternalServerError, "Image payload unreadable")
	}

	if c.QueryParam("thumb") == "1" {
		thumbnail, err := codec.Thumbnail(payload, thumbnailMaxDimension)
		if err != nil {
			slog.Error("getImageContentHandler: failed to build thumbnail", "image_id", id, "error", err)
			return c.String(http.StatusInternalServerError, "Thumbnail not available")
		}
		payload = thumbnail
	}
	return c.Blob(http.StatusOK, mimeJPEG, payload)
}

func (s *APIService) deleteImageHandler(c echo.Context) error {
	id, err := s.imageIDParam(c)
	if err != nil {
		return c.String(http.StatusBadRequest, "Invalid image ID")
	}
	if err := s.coreService.DeleteImage(c.Request().Context(), id); err != nil {
		slog.Error("deleteImageHandler: failed to delete image", "image_id", id, "error", err)
		return c.String(http.StatusInternalServerError, "Failed to delete image")
	}
	return c.NoContent(http.StatusNoContent)
}

type correctionRequest struct {
	Category    string `json:"category" validate:"required"`
	Subcategory string `json:"subcategory" validate:"required"`
}

func (s *APIService) correctCategorizationHandler(c echo.Context) error {
	id, err := s.imageIDParam(c)
	if err != nil {
		return c.String(http.StatusBadRequest, "Invalid image ID")
	}

	var request correctionRequest
	if err := c.Bind(&request); err != nil {
		return c.String(http.StatusBadRequest, "Invalid request body")
	}
	if err := c.Validate(&request); err != nil {
		return err
	}

	if _, err := s.coreService.GetImageByID(id); err != nil {
		return c.String(http.StatusNotFound, "Image not found")
	}

	if err := s.coreService.CorrectCategorization(c.Request().Context(), id, request.Category, request.Subcategory); err != nil {
		slog.Warn("correctCategorizationHandler: correction rejected", "image_id", id, "error", err)
		return c.String(http.StatusBadRequest, "Unknown category pair")
	}
	return c.NoContent(http.StatusNoContent)
}

type categoryEntry struct {
	Category      string   `json:"category"`
	Subcategories []string `json:"subcategories"`
}

func (s *APIService) categoriesHandler(c echo.Context) error {
	entries := make([]categoryEntry, 0)
	for _, category := range taxonomy.MainCategories() {
		entries = append(entries, categoryEntry{
			Category:      category,
			Subcategories: taxonomy.Subcategories(category),
		})
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *APIService) exportHandler(c echo.Context) error {
	payload, err := s.coreService.ExportArchive()
	if err != nil {
		slog.Error("exportHandler: failed to build archive", "error", err)
		return c.String(http.StatusInternalServerError, "Failed to build export archive")
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="carsort_export.zip"`)
	return c.Blob(http.StatusOK, "application/zip", payload)
}

type statisticsResponse struct {
	Overview              *stats.Overview           `json:"overview"`
	Categories            []stats.CategoryCount     `json:"categories"`
	AccuracyOverTime      []stats.DailyAccuracy     `json:"accuracy_over_time"`
	ConfusionMatrix       *stats.ConfusionMatrix    `json:"confusion_matrix"`
	TopMisclassifications []stats.Misclassification `json:"top_misclassifications"`
}

func (s *APIService) statisticsHandler(c echo.Context) error {
	ctx := c.Request().Context()
	if payload, ok := s.coreService.Cache().Get(ctx, cache.KeyStatistics); ok {
		return c.JSONBlob(http.StatusOK, payload)
	}

	aggregator := s.coreService.Statistics()
	response := statisticsResponse{}
	var err error
	if response.Overview, err = aggregator.Overview(); err != nil {
		slog.Error("statisticsHandler: failed to compute overview", "error", err)
		return c.String(http.StatusInternalServerError, "Failed to compute statistics")
	}
	if response.Categories, err = aggregator.CategoryDistribution(); err != nil {
		slog.Error("statisticsHandler: failed to compute distribution", "error", err)
		return c.String(http.StatusInternalServerError, "Failed to compute statistics")
	}
	if response.AccuracyOverTime, err = aggregator.AccuracyOverTime(); err != nil {
		slog.Error("statisticsHandler: failed to compute accuracy series", "error", err)
		return c.String(http.StatusInternalServerError, "Failed to compute statistics")
	}
	if response.ConfusionMatrix, err = aggregator.ConfusionMatrix(); err != nil {
		slog.Error("statisticsHandler: failed to compute confusion matrix", "error", err)
		return c.String(http.StatusInternalServerError, "Failed to compute statistics")
	}
	if response.TopMisclassifications, err = aggregator.TopMisclassifications(5); err != nil {
		slog.Error("statisticsHandler: failed to compute misclassifications", "error", err)
		return c.String(http.StatusInternalServerError, "Failed to compute statistics")
	}

	payload, err := json.Marshal(response)
	if err != nil {
		slog.Error("statisticsHandler: failed to marshal statistics", "error", err)
		return c.String(http.StatusInternalServerError, "Failed to compute statistics")
	}
	s.coreService.Cache().Set(ctx, cache.KeyStatistics, payload)
	return c.JSONBlob(http.StatusOK, payload)
}

func (s *APIService) tokenUsageHandler(c echo.Context) error {
	ctx := c.Request().Context()
	if payload, ok := s.coreService.Cache().Get(ctx, cache.KeyTokenUsage); ok {
		return c.JSONBlob(http.StatusOK, payload)
	}

	usage, err := s.coreService.Statistics().TokenUsage()
	if err != nil {
		slog.Error("tokenUsageHandler: failed to compute token usage", "error", err)
		return c.String(http.StatusInternalServerError, "Failed to compute token usage")
	}

	payload, err := json.Marshal(usage)
	if err != nil {
		slog.Error("tokenUsageHandler: failed to marshal token usage", "error", err)
		return c.String(http.StatusInternalServerError, "Failed to compute token usage")
	}
	s.coreService.Cache().Set(ctx, cache.KeyTokenUsage, payload)
	return c.JSONBlob(http.StatusOK, payload)
}
