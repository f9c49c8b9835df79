// Package ingest runs the per-session upload pipeline: chunk reassembly,
// archive unpacking, normalization, duplicate detection, classification and
// persistence. Files in a batch are processed sequentially in enumeration
// order; one file's failure never aborts its siblings.
package ingest

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jo-hoe/carsort/internal/backend/database"
	"github.com/jo-hoe/carsort/internal/classifier"
	"github.com/jo-hoe/carsort/internal/codec"
	"github.com/jo-hoe/carsort/internal/dedup"
	"github.com/jo-hoe/carsort/internal/upload"
)

type Status string

const (
	StatusStored    Status = "stored"
	StatusDuplicate Status = "duplicate"
	StatusSkipped   Status = "skipped"
)

// FileResult is the per-file outcome of an ingestion attempt.
type FileResult struct {
	Filename string `json:"filename"`
	Status   Status `json:"status"`
	Reason   string `json:"reason,omitempty"`
	RecordID int64  `json:"record_id,omitempty"`
}

// Summary aggregates a session's outcomes.
type Summary struct {
	Stored     int          `json:"stored"`
	Duplicates int          `json:"duplicates"`
	Skipped    int          `json:"skipped"`
	Results    []FileResult `json:"results"`
}

// Session holds the mutable per-upload-session state: the scratch buffers,
// the seeded deduplication index and the running tally. Sessions are not
// safe for concurrent use; chunks of one session arrive sequentially.
type Session struct {
	gateway     *classifier.Gateway
	normalizer  *codec.Normalizer
	db          database.DatabaseService
	reassembler *upload.Reassembler
	index       *dedup.Index
	userID      sql.NullInt64
	results     []FileResult
}

// NewSession seeds the deduplication index from the ledger's current
// content hashes, avoiding a store round-trip per image.
func NewSession(db database.DatabaseService, gateway *classifier.Gateway, normalizer *codec.Normalizer, scratchDir string, userID sql.NullInt64) (*Session, error) {
	hashes, err := db.ListContentHashes()
	if err != nil {
		return nil, fmt.Errorf("failed to seed deduplication index: %w", err)
	}
	reassembler, err := upload.NewReassembler(scratchDir)
	if err != nil {
		return nil, err
	}
	return &Session{
		gateway:     gateway,
		normalizer:  normalizer,
		db:          db,
		reassembler: reassembler,
		index:       dedup.NewIndex(hashes),
		userID:      userID,
	}, nil
}

// AddChunk feeds one upload chunk into the session. When the chunk completes
// a file, the file (or each of its archive entries) runs through the
// pipeline and the new results are returned. A scratch-write failure marks
// that one file skipped; other in-flight files are unaffected.
func (s *Session) AddChunk(ctx context.Context, filename string, chunkIndex, totalChunks int, data []byte) ([]FileResult, error) {
	buffer, err := s.reassembler.AddChunk(filename, chunkIndex, totalChunks, data)
	if err != nil {
		result := FileResult{Filename: filename, Status: StatusSkipped, Reason: err.Error()}
		s.results = append(s.results, result)
		return []FileResult{result}, nil
	}
	if buffer == nil {
		// File still receiving chunks.
		return nil, nil
	}

	var results []FileResult
	if upload.IsArchive(filename) {
		results = s.ingestArchive(ctx, filename, buffer)
	} else {
		results = []FileResult{s.IngestFile(ctx, filename, buffer)}
	}
	s.results = append(s.results, results...)
	return results, nil
}

func (s *Session) ingestArchive(ctx context.Context, filename string, data []byte) []FileResult {
	entries, err := upload.UnpackArchive(data)
	if err != nil {
		return []FileResult{{Filename: filename, Status: StatusSkipped, Reason: err.Error()}}
	}

	results := make([]FileResult, 0, len(entries))
	for _, entry := range entries {
		results = append(results, s.IngestFile(ctx, entry.Name, entry.Data))
	}
	return results
}

// IngestFile runs one image through normalize, dedup, classify and persist.
// Every failure mode maps to a skip result; only persistence can fail the
// file after the classification call was already paid for.
func (s *Session) IngestFile(ctx context.Context, filename string, data []byte) FileResult {
	normalized, err := s.normalizer.Normalize(data)
	if err != nil {
		if errors.Is(err, codec.ErrDecode) {
			slog.Warn("ingest: skipping undecodable file", "filename", filename, "error", err)
		} else {
			slog.Error("ingest: normalization failed", "filename", filename, "error", err)
		}
		return FileResult{Filename: filename, Status: StatusSkipped, Reason: err.Error()}
	}

	// A duplicate short-circuits before the classification call.
	if s.index.Seen(normalized.Hash) {
		slog.Debug("ingest: duplicate image skipped", "filename", filename, "hash", normalized.Hash)
		return FileResult{Filename: filename, Status: StatusDuplicate}
	}

	prediction := s.gateway.Classify(ctx, normalized.Data)

	record := &database.ImageRecord{
		Filename:      filename,
		ImageData:     base64.StdEncoding.EncodeToString(normalized.Data),
		Category:      prediction.Category,
		Subcategory:   prediction.Subcategory,
		AICategory:    prediction.Category,
		AISubcategory: prediction.Subcategory,
		Confidence:    prediction.Confidence,
		TokenCost:     prediction.TokenCost,
		ImageSize:     sql.NullInt64{Int64: int64(len(normalized.Data)), Valid: true},
		ImageHash:     sql.NullString{String: normalized.Hash, Valid: true},
		UserID:        s.userID,
	}

	id, err := s.db.SaveImage(record)
	if err != nil {
		slog.Error("ingest: failed to persist record", "filename", filename, "error", err)
		return FileResult{Filename: filename, Status: StatusSkipped, Reason: fmt.Sprintf("persistence failed: %v", err)}
	}

	s.index.Record(normalized.Hash)
	slog.Info("ingest: image stored", "filename", filename, "record_id", id,
		"category", prediction.Category, "subcategory", prediction.Subcategory,
		"confidence", prediction.Confidence, "token_cost", prediction.TokenCost)
	return FileResult{Filename: filename, Status: StatusStored, RecordID: id}
}

// Summary reports the session's running tally.
func (s *Session) Summary() Summary {
	summary := Summary{Results: append([]FileResult(nil), s.results...)}
	for _, result := range s.results {
		switch result.Status {
		case StatusStored:
			summary.Stored++
		case StatusDuplicate:
			summary.Duplicates++
		case StatusSkipped:
			summary.Skipped++
		}
	}
	return summary
}
