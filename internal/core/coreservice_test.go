package core

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"testing"

	"github.com/jo-hoe/carsort/internal/backend/database"
)

func newTestCoreService(t *testing.T) *CoreService {
	t.Helper()
	cfg := &ServiceConfig{
		Database: Database{
			Type:             "sqlite",
			ConnectionString: ":memory:",
		},
		Upload: UploadConfig{
			ScratchDir: t.TempDir(),
		},
	}
	cfg.applyDefaults()
	svc := NewCoreService(cfg)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func saveTestImage(t *testing.T, svc *CoreService, filename, category, subcategory string) int64 {
	t.Helper()
	id, err := svc.databaseService.SaveImage(&database.ImageRecord{
		Filename:      filename,
		ImageData:     base64.StdEncoding.EncodeToString([]byte("jpeg-bytes-" + filename)),
		Category:      category,
		Subcategory:   subcategory,
		AICategory:    category,
		AISubcategory: subcategory,
		Confidence:    0.9,
		TokenCost:     10,
	})
	if err != nil {
		t.Fatalf("Failed to save test image: %v", err)
	}
	return id
}

func TestNewCoreService_InMemory(t *testing.T) {
	svc := newTestCoreService(t)

	images, err := svc.GetAllImages()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(images) != 0 {
		t.Errorf("Expected empty store, got %d images", len(images))
	}
}

func TestCorrectCategorization(t *testing.T) {
	svc := newTestCoreService(t)
	id := saveTestImage(t, svc, "a.jpg", "Exterior", "Wheels")

	if err := svc.CorrectCategorization(context.Background(), id, "Interior", "Dashboard"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	record, err := svc.GetImageByID(id)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if record.Category != "Interior" || record.Subcategory != "Dashboard" {
		t.Errorf("Expected corrected labels, got %s/%s", record.Category, record.Subcategory)
	}
	if record.AICategory != "Exterior" || record.AISubcategory != "Wheels" {
		t.Errorf("Expected original prediction preserved, got %s/%s", record.AICategory, record.AISubcategory)
	}
}

func TestCorrectCategorization_RejectsUnknownPair(t *testing.T) {
	svc := newTestCoreService(t)
	id := saveTestImage(t, svc, "a.jpg", "Exterior", "Wheels")

	if err := svc.CorrectCategorization(context.Background(), id, "Exterior", "Dashboard"); err == nil {
		t.Error("Expected error for subcategory outside its main category")
	}
	if err := svc.CorrectCategorization(context.Background(), id, "Spaceship", "Wheels"); err == nil {
		t.Error("Expected error for unknown main category")
	}
}

func TestDeleteImage(t *testing.T) {
	svc := newTestCoreService(t)
	id := saveTestImage(t, svc, "a.jpg", "Exterior", "Wheels")

	if err := svc.DeleteImage(context.Background(), id); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if _, err := svc.GetImageByID(id); err == nil {
		t.Error("Expected lookup to fail after delete")
	}
}

func TestExportArchive_Naming(t *testing.T) {
	svc := newTestCoreService(t)
	saveTestImage(t, svc, "front.png", "Exterior", "Wheels")
	saveTestImage(t, svc, "again.png", "Exterior", "Wheels")
	saveTestImage(t, svc, "dash.png", "Interior", "Dashboard")
	saveTestImage(t, svc, "odd.png", "Uncategorized", "Uncategorized")

	payload, err := svc.ExportArchive()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	reader, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		t.Fatalf("Expected valid zip, got %v", err)
	}

	names := make(map[string]bool)
	for _, file := range reader.File {
		names[file.Name] = true
	}

	// Exterior is category 01, Wheels its 5th subcategory; Interior is 02
	// with Dashboard 2nd; the sentinel maps to 99_99.
	expected := []string{
		"01_05_001_front.jpg",
		"01_05_002_again.jpg",
		"02_02_001_dash.jpg",
		"99_99_001_odd.jpg",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("Expected archive entry %s, got %v", name, reader.File)
		}
	}
}

func TestExportFilename(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "plain", input: "front.png", expected: "front.jpg"},
		{name: "nested path", input: "cars/batch/front.png", expected: "front.jpg"},
		{name: "windows path", input: `cars\batch\front.png`, expected: "front.jpg"},
		{name: "no extension", input: "front", expected: "front.jpg"},
		{name: "empty", input: "", expected: "image.jpg"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := exportFilename(test.input); result != test.expected {
				t.Errorf("Expected %s, got %s", test.expected, result)
			}
		})
	}
}
