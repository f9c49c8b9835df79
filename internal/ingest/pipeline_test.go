package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jo-hoe/carsort/internal/backend/database"
	"github.com/jo-hoe/carsort/internal/classifier"
	"github.com/jo-hoe/carsort/internal/codec"
	"github.com/jo-hoe/carsort/internal/upload"
)

type stubClient struct {
	result classifier.Result
	err    error
	calls  int
}

func (s *stubClient) Classify(_ context.Context, _ []byte) (classifier.Result, error) {
	s.calls++
	return s.result, s.err
}

func confidentClient() *stubClient {
	return &stubClient{
		result: classifier.Result{Category: "Exterior", Subcategory: "Wheels", Confidence: 0.9, TokenCost: 25},
	}
}

func newTestSession(t *testing.T, client classifier.Client) (*Session, database.DatabaseService) {
	t.Helper()
	db, err := database.NewDatabase("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	normalizer := &codec.Normalizer{MaxDimension: 800, Quality: 85, QualityFloor: 20, QualityStep: 5}
	session, err := NewSession(db, classifier.NewGateway(client, 0.7), normalizer, t.TempDir(), sql.NullInt64{})
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	return session, db
}

// testPNG renders a deterministic image; the seed varies pixel content so
// distinct seeds produce distinct content hashes.
func testPNG(t *testing.T, width, height, seed int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.NRGBA{
				R: uint8((x + seed) % 256),
				G: uint8((y + seed*7) % 256),
				B: uint8((x * y) % 256),
				A: 255,
			})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode test PNG: %v", err)
	}
	return buf.Bytes()
}

func TestIngestFile_StoresRecord(t *testing.T) {
	session, db := newTestSession(t, confidentClient())

	result := session.IngestFile(context.Background(), "front.png", testPNG(t, 100, 80, 1))
	if result.Status != StatusStored {
		t.Fatalf("Expected stored, got %s (%s)", result.Status, result.Reason)
	}

	record, err := db.GetImageByID(result.RecordID)
	if err != nil {
		t.Fatalf("Expected record persisted, got %v", err)
	}
	if record.Category != "Exterior" || record.AICategory != "Exterior" {
		t.Errorf("Expected Exterior labels, got %s/%s", record.Category, record.AICategory)
	}
	if !record.ImageHash.Valid || record.ImageHash.String == "" {
		t.Error("Expected content hash on the record")
	}
	if record.TokenCost != 25 {
		t.Errorf("Expected token cost 25, got %d", record.TokenCost)
	}
}

func TestIngestFile_DuplicateWithinSession(t *testing.T) {
	client := confidentClient()
	session, db := newTestSession(t, client)

	input := testPNG(t, 100, 80, 1)
	first := session.IngestFile(context.Background(), "a.png", input)
	second := session.IngestFile(context.Background(), "b.png", input)

	if first.Status != StatusStored {
		t.Fatalf("Expected first upload stored, got %s", first.Status)
	}
	if second.Status != StatusDuplicate {
		t.Errorf("Expected second upload flagged duplicate, got %s", second.Status)
	}
	// The duplicate never reaches the classification gateway.
	if client.calls != 1 {
		t.Errorf("Expected exactly 1 classification call, got %d", client.calls)
	}

	total, err := db.CountImages()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if total != 1 {
		t.Errorf("Expected exactly one record, got %d", total)
	}
}

func TestIngestFile_DedupSeededFromStore(t *testing.T) {
	client := confidentClient()
	firstSession, db := newTestSession(t, client)

	input := testPNG(t, 100, 80, 1)
	if result := firstSession.IngestFile(context.Background(), "a.png", input); result.Status != StatusStored {
		t.Fatalf("Expected stored, got %s", result.Status)
	}

	// A new session seeded from the same store sees the hash immediately.
	normalizer := &codec.Normalizer{MaxDimension: 800, Quality: 85, QualityFloor: 20, QualityStep: 5}
	secondSession, err := NewSession(db, classifier.NewGateway(client, 0.7), normalizer, t.TempDir(), sql.NullInt64{})
	if err != nil {
		t.Fatalf("Failed to create second session: %v", err)
	}
	if result := secondSession.IngestFile(context.Background(), "a.png", input); result.Status != StatusDuplicate {
		t.Errorf("Expected duplicate in seeded session, got %s", result.Status)
	}
}

func TestIngestFile_GatewayFailureStoresSentinel(t *testing.T) {
	session, db := newTestSession(t, &stubClient{err: errors.New("timeout")})

	result := session.IngestFile(context.Background(), "front.png", testPNG(t, 100, 80, 1))
	if result.Status != StatusStored {
		t.Fatalf("Expected record stored despite gateway failure, got %s", result.Status)
	}

	record, err := db.GetImageByID(result.RecordID)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if record.Category != "Uncategorized" || record.Subcategory != "Uncategorized" {
		t.Errorf("Expected sentinel labels, got %s/%s", record.Category, record.Subcategory)
	}
	if record.Confidence != 0.0 {
		t.Errorf("Expected confidence 0.0, got %f", record.Confidence)
	}
	if record.TokenCost != 0 {
		t.Errorf("Expected token cost 0, got %d", record.TokenCost)
	}
}

func TestIngestFile_UndecodableInputSkipped(t *testing.T) {
	client := confidentClient()
	session, db := newTestSession(t, client)

	result := session.IngestFile(context.Background(), "broken.png", []byte("not an image"))
	if result.Status != StatusSkipped {
		t.Fatalf("Expected skip, got %s", result.Status)
	}
	if result.Reason == "" {
		t.Error("Expected a skip reason")
	}
	if client.calls != 0 {
		t.Errorf("Expected no classification calls, got %d", client.calls)
	}

	total, err := db.CountImages()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if total != 0 {
		t.Errorf("Expected no records, got %d", total)
	}
}

func TestAddChunk_ChunkedFileIngestsOnCompletion(t *testing.T) {
	session, _ := newTestSession(t, confidentClient())
	ctx := context.Background()

	input := testPNG(t, 200, 150, 3)
	half := len(input) / 2

	results, err := session.AddChunk(ctx, "car.png", 1, 2, input[:half])
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if results != nil {
		t.Error("Expected no results before the final chunk")
	}

	results, err = session.AddChunk(ctx, "car.png", 2, 2, input[half:])
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(results) != 1 || results[0].Status != StatusStored {
		t.Fatalf("Expected one stored result, got %+v", results)
	}
}

func TestAddChunk_ArchiveWithCorruptEntry(t *testing.T) {
	session, db := newTestSession(t, confidentClient())

	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	for i, name := range []string{"a.png", "b.png", "c.png"} {
		entry, err := writer.Create(name)
		if err != nil {
			t.Fatalf("Failed to create zip entry: %v", err)
		}
		if _, err := entry.Write(testPNG(t, 60, 40, i)); err != nil {
			t.Fatalf("Failed to write zip entry: %v", err)
		}
	}
	corrupt, err := writer.Create("broken.png")
	if err != nil {
		t.Fatalf("Failed to create zip entry: %v", err)
	}
	if _, err := corrupt.Write([]byte("garbage bytes")); err != nil {
		t.Fatalf("Failed to write zip entry: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Failed to close zip writer: %v", err)
	}

	results, err := session.AddChunk(context.Background(), "batch.zip", 1, 1, buf.Bytes())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("Expected 4 entry results, got %d", len(results))
	}

	summary := session.Summary()
	if summary.Stored != 3 {
		t.Errorf("Expected 3 stored, got %d", summary.Stored)
	}
	if summary.Skipped != 1 {
		t.Errorf("Expected 1 skipped, got %d", summary.Skipped)
	}

	total, err := db.CountImages()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if total != 3 {
		t.Errorf("Expected 3 records, got %d", total)
	}
}

func TestSummary_AggregateConsistency(t *testing.T) {
	session, db := newTestSession(t, confidentClient())

	for i := 0; i < 5; i++ {
		result := session.IngestFile(context.Background(), "img.png", testPNG(t, 80, 60, i))
		if result.Status != StatusStored {
			t.Fatalf("Expected stored, got %s", result.Status)
		}
	}

	summary := session.Summary()
	if summary.Stored != 5 || summary.Duplicates != 0 || summary.Skipped != 0 {
		t.Errorf("Expected 5/0/0, got %d/%d/%d", summary.Stored, summary.Duplicates, summary.Skipped)
	}

	total, err := db.CountImages()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if total != 5 {
		t.Errorf("Expected 5 records, got %d", total)
	}

	usage, err := db.UsageByDay()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	var usageImages int64
	for _, day := range usage {
		usageImages += day.TotalImages
	}
	if usageImages != 5 {
		t.Errorf("Expected usage aggregate of 5 images, got %d", usageImages)
	}
}

func TestManager_SessionLifecycle(t *testing.T) {
	db, err := database.NewDatabase("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	normalizer := &codec.Normalizer{MaxDimension: 800, Quality: 85, QualityFloor: 20, QualityStep: 5}
	manager := NewManager(db, classifier.NewGateway(confidentClient(), 0.7), normalizer, t.TempDir())

	id, err := manager.Create(sql.NullInt64{})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if _, err := manager.Get(id); err != nil {
		t.Errorf("Expected session to exist, got %v", err)
	}

	manager.Close(id)
	if _, err := manager.Get(id); err == nil {
		t.Error("Expected error after session close")
	}
}

func TestManager_AbandonedScratchIsSwept(t *testing.T) {
	db, err := database.NewDatabase("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	scratchRoot := t.TempDir()
	normalizer := &codec.Normalizer{MaxDimension: 800, Quality: 85, QualityFloor: 20, QualityStep: 5}
	manager := NewManager(db, classifier.NewGateway(confidentClient(), 0.7), normalizer, scratchRoot)

	id, err := manager.Create(sql.NullInt64{})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	session, err := manager.Get(id)
	if err != nil {
		t.Fatalf("Expected session to exist, got %v", err)
	}

	// First of two chunks leaves a partial scratch file behind when the
	// session is closed without the rest.
	if _, err := session.AddChunk(context.Background(), "car.png", 1, 2, []byte("partial")); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	manager.Close(id)

	removed, err := upload.CleanupTempFiles(scratchRoot, -time.Second)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removed scratch file, got %d", removed)
	}
	if _, err := os.Stat(filepath.Join(scratchRoot, id)); !os.IsNotExist(err) {
		t.Error("Expected abandoned session directory to be removed")
	}
}
