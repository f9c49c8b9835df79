package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}
	return configPath
}

func TestLoadConfig_Success(t *testing.T) {
	configContent := `port: 9090
database:
  type: "sqlite"
  connectionString: "test.db"
classifier:
  apiKey: "test-key"
  model: "claude-3-haiku-20240307"
cache:
  redisAddress: "localhost:6379"
  ttl: 2m`

	config, err := LoadConfig(writeConfigFile(t, configContent))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.Port != 9090 {
		t.Errorf("Expected port to be 9090, got %d", config.Port)
	}
	if config.Database.ConnectionString != "test.db" {
		t.Errorf("Expected connectionString to be 'test.db', got '%s'", config.Database.ConnectionString)
	}
	if config.Classifier.APIKey != "test-key" {
		t.Errorf("Expected apiKey to be 'test-key', got '%s'", config.Classifier.APIKey)
	}
	if config.Cache.TTL != 2*time.Minute {
		t.Errorf("Expected cache ttl to be 2m, got %v", config.Cache.TTL)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	config, err := LoadConfig(writeConfigFile(t, "{}"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", config.Port)
	}
	if config.Database.Type != "sqlite" {
		t.Errorf("Expected default database type sqlite, got %s", config.Database.Type)
	}
	if config.Codec.MaxDimension != 800 {
		t.Errorf("Expected default maxDimension 800, got %d", config.Codec.MaxDimension)
	}
	if config.Upload.ChunkSize != 5<<20 {
		t.Errorf("Expected default chunkSize 5 MiB, got %d", config.Upload.ChunkSize)
	}
	if config.Classifier.ConfidenceThreshold != 0.7 {
		t.Errorf("Expected default confidenceThreshold 0.7, got %f", config.Classifier.ConfidenceThreshold)
	}
	if config.Retention.SweepInterval != time.Hour {
		t.Errorf("Expected default sweepInterval 1h, got %v", config.Retention.SweepInterval)
	}
	if config.Cache.TTL != 5*time.Minute {
		t.Errorf("Expected default cache ttl 5m, got %v", config.Cache.TTL)
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	config, err := LoadConfig("/path/that/does/not/exist/config.yaml")
	if err == nil {
		t.Fatal("Expected error for non-existent file, got nil")
	}
	if config != nil {
		t.Error("Expected config to be nil when file doesn't exist")
	}
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "quality floor above quality",
			content: `codec:
  quality: 50
  qualityFloor: 80`,
		},
		{
			name: "confidence threshold above one",
			content: `classifier:
  confidenceThreshold: 1.5`,
		},
		{
			name: "negative chunk size",
			content: `upload:
  chunkSize: -1`,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfigFile(t, test.content)); err == nil {
				t.Error("Expected validation error, got nil")
			}
		})
	}
}
