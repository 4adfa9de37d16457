package dimse

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// FallbackStorageDir receives stored datasets when no storage directory
// was configured.
const FallbackStorageDir = "./tmp/dimse"

// QueryProvider answers the SCP's dispatched commands. Find serves
// C-FIND, Locate serves C-MOVE's dataset discovery, and Store serves
// C-STORE. Implementations return datasets in the order they should be
// emitted.
type QueryProvider interface {
	Find(ctx context.Context, query FindQuery) ([]*DatasetStream, error)
	Locate(ctx context.Context, level QueryLevel, params map[string]string) ([]*DatasetStream, error)
	Store(ctx context.Context, dataset *DatasetStream) error
}

// DefaultQueryProvider is the no-backend provider: queries match
// nothing, stores land in StorageDir.
type DefaultQueryProvider struct {
	StorageDir string
}

// Find returns no matches.
func (p *DefaultQueryProvider) Find(context.Context, FindQuery) ([]*DatasetStream, error) {
	return nil, nil
}

// Locate returns no matches.
func (p *DefaultQueryProvider) Locate(context.Context, QueryLevel, map[string]string) ([]*DatasetStream, error) {
	return nil, nil
}

// Store writes the dataset into the storage directory.
func (p *DefaultQueryProvider) Store(_ context.Context, dataset *DatasetStream) error {
	var dir = p.StorageDir
	if dir == "" {
		dir = FallbackStorageDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating storage directory %s: %w", dir, err)
	}

	var data []byte
	switch dataset.Kind {
	case DatasetMemory:
		data = dataset.Data
	case DatasetFile:
		var b, err = os.ReadFile(dataset.Path)
		if err != nil {
			return fmt.Errorf("reading dataset file %s: %w", dataset.Path, err)
		}
		data = b
	case DatasetObject:
		var b, err = json.Marshal(dataset.Parsed)
		if err != nil {
			return fmt.Errorf("serializing dataset object: %w", err)
		}
		data = b
	}

	var path = filepath.Join(dir, uuid.NewString()+".dcm")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("storing dataset to %s: %w", path, err)
	}
	log.WithField("path", path).Debug("stored dataset")
	return nil
}
