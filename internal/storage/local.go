package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"financial-document-analyzer/internal/models"
)

// Local stores uploads as temp_<uuid><ext> files in one directory. The handle is
// the file name, so API and workers sharing the directory resolve the same path.
type Local struct {
	baseDir string
}

func NewLocal(baseDir string) (*Local, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create upload dir: %v", models.ErrStorage, err)
	}
	return &Local{baseDir: baseDir}, nil
}

func (l *Local) Put(_ context.Context, data []byte) (string, error) {
	_, ext := sniff(data)
	name := "temp_" + uuid.NewString() + ext
	path := filepath.Join(l.baseDir, name)
	// Write to a sibling then rename so a reader never sees a partial file.
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w: write upload: %v", models.ErrStorage, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w: finalize upload: %v", models.ErrStorage, err)
	}
	return name, nil
}

func (l *Local) Fetch(_ context.Context, handle string) (string, func(), error) {
	path, err := l.resolve(handle)
	if err != nil {
		return "", func() {}, err
	}
	if _, err := os.Stat(path); err != nil {
		return "", func() {}, fmt.Errorf("%w: stat %s: %v", models.ErrStorage, handle, err)
	}
	return path, func() {}, nil
}

func (l *Local) Delete(_ context.Context, handle string) error {
	path, err := l.resolve(handle)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %v", models.ErrStorage, handle, err)
	}
	return nil
}

// resolve maps a handle to a path inside baseDir, rejecting anything that escapes it.
func (l *Local) resolve(handle string) (string, error) {
	if handle == "" || handle != filepath.Base(handle) || strings.HasPrefix(handle, ".") {
		return "", fmt.Errorf("%w: invalid handle %q", models.ErrStorage, handle)
	}
	return filepath.Join(l.baseDir, handle), nil
}
