package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/h3-reagg/internal/fsutil"
)

// FileStore keeps one JSON file per run key, replaced atomically on every save.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("checkpoint: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint mkdir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(runKey string) string {
	return filepath.Join(s.dir, fmt.Sprintf("ckpt-%016x.json", xxhash.Sum64String(runKey)))
}

func (s *FileStore) Save(ctx context.Context, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := encode(cp)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(s.path(cp.RunKey), b)
}

func (s *FileStore) Load(ctx context.Context, runKey string) (Checkpoint, bool, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, false, err
	}
	b, err := os.ReadFile(s.path(runKey))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("checkpoint read: %w", err)
	}
	cp, err := decode(runKey, b)
	if err != nil {
		return Checkpoint{}, false, err
	}
	return cp, true, nil
}

func (s *FileStore) Delete(_ context.Context, runKey string) error {
	if err := os.Remove(s.path(runKey)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("checkpoint delete: %w", err)
	}
	return nil
}
