package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/eterniahub/go-price-oracle/models"
)

// JSONLSnapshotter writes the raw incoming batch to a JSON-lines file
// before the pipeline touches the database, one file per batch. The
// returned receipt ties audit events back to the file.
type JSONLSnapshotter struct {
	dir string
}

// NewJSONLSnapshotter creates the snapshot directory if needed.
func NewJSONLSnapshotter(dir string) (*JSONLSnapshotter, error) {
	if dir == "" {
		return nil, fmt.Errorf("snapshot dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &JSONLSnapshotter{dir: dir}, nil
}

// Save writes one listing per line and returns the batch receipt id.
func (s *JSONLSnapshotter) Save(shop string, listings []models.ScrapedListing) (string, error) {
	receipt := uuid.NewString()
	name := fmt.Sprintf("%s_%s_%s.jsonl", shop, time.Now().UTC().Format("20060102T150405"), receipt)
	path := filepath.Join(s.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create snapshot: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for i := range listings {
		if err := enc.Encode(&listings[i]); err != nil {
			return "", fmt.Errorf("write snapshot line: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("sync snapshot: %w", err)
	}
	return receipt, nil
}
