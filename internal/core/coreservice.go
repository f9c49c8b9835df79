package core

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jo-hoe/carsort/internal/auth"
	"github.com/jo-hoe/carsort/internal/backend/database"
	"github.com/jo-hoe/carsort/internal/cache"
	"github.com/jo-hoe/carsort/internal/classifier"
	"github.com/jo-hoe/carsort/internal/codec"
	"github.com/jo-hoe/carsort/internal/ingest"
	"github.com/jo-hoe/carsort/internal/stats"
	"github.com/jo-hoe/carsort/internal/taxonomy"
	"github.com/jo-hoe/carsort/internal/upload"
)

type CoreService struct {
	config          *ServiceConfig
	databaseService database.DatabaseService
	cache           cache.Cache
	ingestManager   *ingest.Manager
	authService     *auth.Service
	aggregator      *stats.Aggregator
}

func NewCoreService(config *ServiceConfig) *CoreService {
	databaseService, err := getDatabaseService(config)
	if err != nil {
		slog.Error("failed to initialize database service", "error", err)
		panic(err)
	}

	if err := os.MkdirAll(config.Upload.ScratchDir, 0o755); err != nil {
		slog.Error("failed to create upload scratch directory", "dir", config.Upload.ScratchDir, "error", err)
		panic(err)
	}

	normalizer := &codec.Normalizer{
		MaxDimension: config.Codec.MaxDimension,
		Quality:      config.Codec.Quality,
		QualityFloor: config.Codec.QualityFloor,
		QualityStep:  config.Codec.QualityStep,
		TargetBytes:  config.Codec.TargetBytes,
	}

	gateway := classifier.NewGateway(getClassifierClient(config), config.Classifier.ConfidenceThreshold)

	return &CoreService{
		config:          config,
		databaseService: databaseService,
		cache:           getCache(config),
		ingestManager:   ingest.NewManager(databaseService, gateway, normalizer, config.Upload.ScratchDir),
		authService:     auth.NewService(databaseService),
		aggregator:      stats.NewAggregator(databaseService),
	}
}

func getDatabaseService(config *ServiceConfig) (database.DatabaseService, error) {
	databaseService, err := database.NewDatabase(config.Database.Type, config.Database.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	slog.Info("database initialized successfully", "type", config.Database.Type)
	return databaseService, nil
}

func getClassifierClient(config *ServiceConfig) classifier.Client {
	if config.Classifier.APIKey == "" {
		slog.Warn("no classifier API key configured, uploads will be stored uncategorized")
		return unavailableClient{}
	}
	client, err := classifier.NewAnthropicClient(config.Classifier.APIKey, config.Classifier.Model)
	if err != nil {
		slog.Error("failed to initialize classifier client", "error", err)
		panic(err)
	}
	return client
}

func getCache(config *ServiceConfig) cache.Cache {
	if config.Cache.RedisAddress == "" {
		slog.Info("no redis address configured, response caching disabled")
		return cache.Noop{}
	}
	slog.Info("response cache initialized", "address", config.Cache.RedisAddress, "ttl", config.Cache.TTL)
	return cache.NewRedisCache(config.Cache.RedisAddress, config.Cache.TTL)
}

// unavailableClient stands in when no API key is configured; every call
// fails, so the gateway records the sentinel labels at zero token cost.
type unavailableClient struct{}

func (unavailableClient) Classify(context.Context, []byte) (classifier.Result, error) {
	return classifier.Result{}, fmt.Errorf("classifier is not configured")
}

func (service *CoreService) Auth() *auth.Service {
	return service.authService
}

func (service *CoreService) Statistics() *stats.Aggregator {
	return service.aggregator
}

func (service *CoreService) Cache() cache.Cache {
	return service.cache
}

func (service *CoreService) CreateSession(userID sql.NullInt64) (string, error) {
	return service.ingestManager.Create(userID)
}

func (service *CoreService) Session(id string) (*ingest.Session, error) {
	return service.ingestManager.Get(id)
}

func (service *CoreService) CloseSession(id string) {
	service.ingestManager.Close(id)
}

func (service *CoreService) GetAllImages() ([]*database.ImageRecord, error) {
	return service.databaseService.GetAllImages()
}

func (service *CoreService) GetImageByID(id int64) (*database.ImageRecord, error) {
	return service.databaseService.GetImageByID(id)
}

func (service *CoreService) DeleteImage(ctx context.Context, id int64) error {
	if err := service.databaseService.DeleteImage(id); err != nil {
		return err
	}
	service.cache.Invalidate(ctx)
	return nil
}

// CorrectCategorization applies a manual label to a stored image. The
// original prediction stays untouched so accuracy statistics keep comparing
// against what the classifier actually said.
func (service *CoreService) CorrectCategorization(ctx context.Context, id int64, category, subcategory string) error {
	if !taxonomy.ValidCategoryPair(category, subcategory) {
		return fmt.Errorf("invalid category pair %q/%q", category, subcategory)
	}
	if err := service.databaseService.UpdateCategorization(id, category, subcategory); err != nil {
		return err
	}
	service.cache.Invalidate(ctx)
	return nil
}

// ExportArchive packages every stored image into a zip whose entry names
// sort by taxonomy position: <category>_<subcategory>_<counter>_<filename>.
func (service *CoreService) ExportArchive() ([]byte, error) {
	records, err := service.databaseService.GetAllImages()
	if err != nil {
		return nil, fmt.Errorf("failed to list images for export: %w", err)
	}

	return buildArchive(records)
}

func buildArchive(records []*database.ImageRecord) ([]byte, error) {
	var out bytes.Buffer
	writer := zip.NewWriter(&out)

	counters := make(map[string]int)
	for _, record := range records {
		payload, err := base64.StdEncoding.DecodeString(record.ImageData)
		if err != nil {
			slog.Warn("skipping export of undecodable payload", "image_id", record.ID, "error", err)
			continue
		}
		prefix := taxonomy.CategoryNumber(record.Category) + "_" + taxonomy.SubcategoryNumber(record.Category, record.Subcategory)
		counters[prefix]++
		name := fmt.Sprintf("%s_%03d_%s", prefix, counters[prefix], exportFilename(record.Filename))

		entry, err := writer.Create(name)
		if err != nil {
			return nil, fmt.Errorf("failed to create archive entry %s: %w", name, err)
		}
		if _, err := entry.Write(payload); err != nil {
			return nil, fmt.Errorf("failed to write archive entry %s: %w", name, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	return out.Bytes(), nil
}

// exportFilename flattens path separators and forces the stored jpeg extension.
func exportFilename(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	ext := filepath.Ext(base)
	if ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" || base == "." {
		base = "image"
	}
	return base + ".jpg"
}

// RunMaintenance periodically evicts stale images and sweeps abandoned
// upload scratch files until the context is cancelled.
func (service *CoreService) RunMaintenance(ctx context.Context) {
	ticker := time.NewTicker(service.config.Retention.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			service.sweep(ctx)
		}
	}
}

func (service *CoreService) sweep(ctx context.Context) {
	evicted, err := service.databaseService.EvictIfOverBudget(service.config.Retention.MaxAgeDays, service.config.Retention.SizeBudgetMB)
	if err != nil {
		slog.Error("retention sweep failed", "error", err)
	} else if evicted > 0 {
		slog.Info("retention sweep evicted images", "count", evicted)
		service.cache.Invalidate(ctx)
	}

	removed, err := upload.CleanupTempFiles(service.config.Upload.ScratchDir, service.config.Upload.TempMaxAge)
	if err != nil {
		slog.Error("scratch cleanup failed", "error", err)
	} else if removed > 0 {
		slog.Info("scratch cleanup removed files", "count", removed)
	}
}

func (service *CoreService) Close() error {
	if err := service.cache.Close(); err != nil {
		slog.Warn("failed to close cache", "error", err)
	}
	return service.databaseService.Close()
}
