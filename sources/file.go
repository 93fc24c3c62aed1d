package sources

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/eterniahub/go-price-oracle/models"
)

// FileSource replays listings from a JSONL file, one listing per line.
// The format matches the batch audit snapshots, so a past batch can be
// re-ingested as-is.
type FileSource struct {
	name string
	path string
}

// NewFileSource builds a replay source for path. The source name defaults
// to the file's base name without extension.
func NewFileSource(path, name string) *FileSource {
	if name == "" {
		base := filepath.Base(path)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return &FileSource{name: name, path: path}
}

// Name implements Source.
func (f *FileSource) Name() string { return f.name }

// Fetch implements Source. Blank lines are skipped; a malformed line
// fails the whole replay so a truncated file is noticed rather than
// silently half-ingested.
func (f *FileSource) Fetch(ctx context.Context) ([]models.ScrapedListing, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("open replay file: %w", err)
	}
	defer file.Close()

	var listings []models.ScrapedListing
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var listing models.ScrapedListing
		if err := json.Unmarshal([]byte(raw), &listing); err != nil {
			return nil, fmt.Errorf("replay file line %d: %w", line, err)
		}
		listings = append(listings, listing)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read replay file: %w", err)
	}
	return listings, nil
}
