package observer

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// FileSource serves the observations in one JSON file as a single delivery.
// Used by the ingest command.
type FileSource struct {
	path string

	mu   sync.Mutex
	done bool
}

// NewFileSource returns a source reading path on the first Fetch.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (f *FileSource) Name() string { return SourceFile }

// Fetch returns the file's observations once, then nothing.
func (f *FileSource) Fetch(ctx context.Context, limit int) ([]Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return nil, nil
	}

	b, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	slots, err := Decode(b)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	f.done = true
	return []Delivery{{Slots: slots}}, nil
}

func (f *FileSource) Close() error { return nil }
