// Package upload reassembles chunked file uploads in a scratch directory and
// unwraps archive containers into their image entries.
package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const scratchSuffix = ".carsort-part"

// Reassembler buffers in-order chunks per filename until the final chunk of
// a file arrives. Failures of one file never affect the buffers of another;
// isolation is keyed by filename.
type Reassembler struct {
	scratchDir string
	inFlight   map[string]*fileState
}

type fileState struct {
	path          string
	received      int
	total         int
	bytesBuffered int64
}

func NewReassembler(scratchDir string) (*Reassembler, error) {
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory %s: %w", scratchDir, err)
	}
	return &Reassembler{
		scratchDir: scratchDir,
		inFlight:   make(map[string]*fileState),
	}, nil
}

// AddChunk appends one chunk. Chunks must arrive in order starting at 1;
// when chunkIndex equals totalChunks the complete buffer is returned and the
// scratch file is removed. Any error discards the file's scratch state so a
// failed file never reaches the store half-written.
func (r *Reassembler) AddChunk(filename string, chunkIndex, totalChunks int, data []byte) ([]byte, error) {
	if chunkIndex < 1 || totalChunks < 1 || chunkIndex > totalChunks {
		return nil, fmt.Errorf("invalid chunk index %d of %d for %s", chunkIndex, totalChunks, filename)
	}

	state, ok := r.inFlight[filename]
	if !ok {
		if chunkIndex != 1 {
			return nil, fmt.Errorf("first chunk of %s must have index 1, got %d", filename, chunkIndex)
		}
		state = &fileState{
			path:  r.scratchPath(filename),
			total: totalChunks,
		}
		// Drop any leftover scratch content from an earlier aborted upload
		// of the same filename.
		if err := os.Remove(state.path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to reset scratch file for %s: %w", filename, err)
		}
		r.inFlight[filename] = state
	}

	if chunkIndex != state.received+1 {
		r.discard(filename)
		return nil, fmt.Errorf("out-of-order chunk %d for %s, expected %d", chunkIndex, filename, state.received+1)
	}
	if totalChunks != state.total {
		r.discard(filename)
		return nil, fmt.Errorf("chunk count changed mid-upload for %s: %d then %d", filename, state.total, totalChunks)
	}

	if err := appendToScratch(state.path, data); err != nil {
		r.discard(filename)
		return nil, fmt.Errorf("failed to buffer chunk for %s: %w", filename, err)
	}
	state.received = chunkIndex
	state.bytesBuffered += int64(len(data))

	if chunkIndex < totalChunks {
		return nil, nil
	}

	// Final chunk: hand the full buffer downstream and drop scratch state.
	buffer, err := os.ReadFile(state.path)
	if err != nil {
		r.discard(filename)
		return nil, fmt.Errorf("failed to read reassembled file %s: %w", filename, err)
	}
	r.discard(filename)
	slog.Debug("upload: file reassembled", "filename", filename,
		"chunks", totalChunks, "size_bytes", len(buffer))
	return buffer, nil
}

// InFlight returns the number of files currently buffering chunks.
func (r *Reassembler) InFlight() int {
	return len(r.inFlight)
}

// Discard drops any buffered state for the file.
func (r *Reassembler) Discard(filename string) {
	r.discard(filename)
}

func (r *Reassembler) discard(filename string) {
	state, ok := r.inFlight[filename]
	if !ok {
		return
	}
	if err := os.Remove(state.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("upload: failed to remove scratch file", "path", state.path, "error", err)
	}
	delete(r.inFlight, filename)
}

// scratchPath derives a collision-free scratch file name; the original
// filename is hashed so path separators and oddities cannot escape the
// scratch directory.
func (r *Reassembler) scratchPath(filename string) string {
	digest := sha256.Sum256([]byte(filename))
	return filepath.Join(r.scratchDir, hex.EncodeToString(digest[:16])+scratchSuffix)
}

func appendToScratch(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	_, writeErr := file.Write(data)
	closeErr := file.Close()
	if writeErr != nil {
		return writeErr
	}
	return closeErr
}

// CleanupTempFiles removes scratch files older than maxAge, recursing into
// per-session subdirectories and removing any subdirectory left stale and
// empty. Interrupted sessions leave their buffers orphaned; this sweep is
// the sole recovery mechanism and runs at startup and on a timer,
// independent of any in-flight session.
func CleanupTempFiles(scratchDir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(scratchDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read scratch directory %s: %w", scratchDir, err)
	}

	removed := sweepScratchEntries(scratchDir, entries, time.Now().Add(-maxAge))
	if removed > 0 {
		slog.Info("upload: swept orphaned scratch files", "count", removed)
	}
	return removed, nil
}

func sweepScratchEntries(dir string, entries []os.DirEntry, cutoff time.Time) int {
	removed := 0
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		if entry.IsDir() {
			children, err := os.ReadDir(path)
			if err != nil {
				slog.Warn("upload: failed to read scratch subdirectory", "path", path, "error", err)
				continue
			}
			removed += sweepScratchEntries(path, children, cutoff)
			removeScratchDirIfStale(path, cutoff)
			continue
		}

		if filepath.Ext(entry.Name()) != scratchSuffix {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			slog.Warn("upload: failed to remove orphaned scratch file", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed
}

// removeScratchDirIfStale drops an emptied session directory once it is
// older than the cutoff; fresh directories stay so an active session never
// loses its scratch area mid-upload.
func removeScratchDirIfStale(dir string, cutoff time.Time) {
	info, err := os.Stat(dir)
	if err != nil || info.ModTime().After(cutoff) {
		return
	}
	remaining, err := os.ReadDir(dir)
	if err != nil || len(remaining) > 0 {
		return
	}
	if err := os.Remove(dir); err != nil {
		slog.Warn("upload: failed to remove empty scratch directory", "path", dir, "error", err)
	}
}
