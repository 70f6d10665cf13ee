package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"StoryProcessor/internal/ports"
)

// File writes each posted payload to its own file in a directory.
type File struct {
	dir string
	now func() time.Time
}

var _ ports.PostArchive = (*File)(nil)

// NewFile creates the directory if it does not exist.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &File{dir: dir, now: time.Now}, nil
}

func (f *File) Store(_ context.Context, projectID int, payload []byte) error {
	path := filepath.Join(f.dir, objectName(projectID, f.now()))
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("write archive file: %w", err)
	}
	return nil
}
