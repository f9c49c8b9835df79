package core

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Database struct {
	Type             string `yaml:"type"`
	ConnectionString string `yaml:"connectionString"`
}

// CodecConfig controls image normalization before persistence.
type CodecConfig struct {
	MaxDimension int `yaml:"maxDimension"` // longest side after downscale, px
	Quality      int `yaml:"quality"`      // initial JPEG quality
	QualityFloor int `yaml:"qualityFloor"` // lowest quality the retry ladder reaches
	QualityStep  int `yaml:"qualityStep"`  // quality decrement per retry
	TargetBytes  int `yaml:"targetBytes"`  // payload byte budget; 0 disables the ladder
}

type UploadConfig struct {
	ChunkSize  int           `yaml:"chunkSize"`  // fixed chunk size in bytes
	ScratchDir string        `yaml:"scratchDir"` // buffer area for in-flight chunks
	TempMaxAge time.Duration `yaml:"tempMaxAge"` // orphaned scratch files older than this are swept
}

type ClassifierConfig struct {
	APIKey              string  `yaml:"apiKey"`
	Model               string  `yaml:"model"`
	ConfidenceThreshold float64 `yaml:"confidenceThreshold"`
}

// RetentionConfig bounds the stored image set.
type RetentionConfig struct {
	MaxAgeDays    int           `yaml:"maxAgeDays"`
	SizeBudgetMB  int           `yaml:"sizeBudgetMB"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

type CacheConfig struct {
	RedisAddress string        `yaml:"redisAddress"` // empty disables caching
	TTL          time.Duration `yaml:"ttl"`
}

type ServiceConfig struct {
	Port       int              `yaml:"port"`
	Database   Database         `yaml:"database"`
	Codec      CodecConfig      `yaml:"codec"`
	Upload     UploadConfig     `yaml:"upload"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Retention  RetentionConfig  `yaml:"retention"`
	Cache      CacheConfig      `yaml:"cache"`
}

// LoadConfig loads configuration from the specified YAML file
func LoadConfig(configPath string) (*ServiceConfig, error) {
	// Read the config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	// Parse YAML
	var config ServiceConfig
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	config.applyDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (config *ServiceConfig) applyDefaults() {
	if config.Port == 0 {
		config.Port = 8080
	}
	if config.Database.Type == "" {
		config.Database.Type = "sqlite"
	}
	if config.Database.ConnectionString == "" {
		config.Database.ConnectionString = "carsort.db"
	}
	if config.Codec.MaxDimension == 0 {
		config.Codec.MaxDimension = 800
	}
	if config.Codec.Quality == 0 {
		config.Codec.Quality = 85
	}
	if config.Codec.QualityFloor == 0 {
		config.Codec.QualityFloor = 20
	}
	if config.Codec.QualityStep == 0 {
		config.Codec.QualityStep = 5
	}
	if config.Upload.ChunkSize == 0 {
		config.Upload.ChunkSize = 5 << 20 // 5 MiB
	}
	if config.Upload.ScratchDir == "" {
		config.Upload.ScratchDir = os.TempDir()
	}
	if config.Upload.TempMaxAge == 0 {
		config.Upload.TempMaxAge = 24 * time.Hour
	}
	if config.Classifier.Model == "" {
		config.Classifier.Model = "claude-3-haiku-20240307"
	}
	if config.Classifier.ConfidenceThreshold == 0 {
		config.Classifier.ConfidenceThreshold = 0.7
	}
	if config.Retention.MaxAgeDays == 0 {
		config.Retention.MaxAgeDays = 30
	}
	if config.Retention.SizeBudgetMB == 0 {
		config.Retention.SizeBudgetMB = 1000
	}
	if config.Retention.SweepInterval == 0 {
		config.Retention.SweepInterval = time.Hour
	}
	if config.Cache.TTL == 0 {
		config.Cache.TTL = 5 * time.Minute
	}
}

func (config *ServiceConfig) validate() error {
	if config.Codec.MaxDimension < 1 {
		return fmt.Errorf("codec maxDimension must be positive, got %d", config.Codec.MaxDimension)
	}
	if config.Codec.QualityFloor > config.Codec.Quality {
		return fmt.Errorf("codec qualityFloor %d exceeds quality %d", config.Codec.QualityFloor, config.Codec.Quality)
	}
	if config.Codec.QualityStep < 1 {
		return fmt.Errorf("codec qualityStep must be positive, got %d", config.Codec.QualityStep)
	}
	if config.Upload.ChunkSize < 1 {
		return fmt.Errorf("upload chunkSize must be positive, got %d", config.Upload.ChunkSize)
	}
	if config.Classifier.ConfidenceThreshold < 0 || config.Classifier.ConfidenceThreshold > 1 {
		return fmt.Errorf("classifier confidenceThreshold must be within [0,1], got %f", config.Classifier.ConfidenceThreshold)
	}
	return nil
}
