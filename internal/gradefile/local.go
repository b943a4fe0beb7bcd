package gradefile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Local stores files under a directory on the local filesystem. Used for
// development and tests; production deployments use S3Remote.
type Local struct {
	dir string
}

// NewLocal creates a directory-backed Remote rooted at dir.
func NewLocal(dir string) *Local {
	return &Local{dir: dir}
}

func (l *Local) Fetch(ctx context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, filepath.FromSlash(name)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

func (l *Local) Store(ctx context.Context, name string, data []byte) error {
	path := filepath.Join(l.dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", name, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
