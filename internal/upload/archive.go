package upload

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
)

// Entry is one image file extracted from an archive container.
type Entry struct {
	Name string
	Data []byte
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".tiff": true,
	".webp": true,
}

// IsArchive reports whether the filename indicates a zip container.
func IsArchive(filename string) bool {
	return strings.EqualFold(path.Ext(filename), ".zip")
}

// IsImageFilename reports whether the filename carries a supported raster
// image extension.
func IsImageFilename(filename string) bool {
	return imageExtensions[strings.ToLower(path.Ext(filename))]
}

// UnpackArchive enumerates the archive's image entries in listing order.
// Metadata and system entries are filtered by name; a single unreadable
// entry is skipped so its siblings still come through.
func UnpackArchive(data []byte) ([]Entry, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	var entries []Entry
	for _, file := range reader.File {
		if file.FileInfo().IsDir() || !includeEntry(file.Name) {
			continue
		}

		content, err := readEntry(file)
		if err != nil {
			slog.Warn("upload: skipping unreadable archive entry", "entry", file.Name, "error", err)
			continue
		}
		entries = append(entries, Entry{Name: path.Base(file.Name), Data: content})
	}
	return entries, nil
}

// includeEntry filters out non-images and archive metadata by name pattern.
func includeEntry(name string) bool {
	if strings.HasPrefix(name, "__MACOSX/") {
		return false
	}
	base := path.Base(name)
	if strings.HasPrefix(base, ".") || base == "Thumbs.db" {
		return false
	}
	return IsImageFilename(base)
}

func readEntry(file *zip.File) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}
