package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/forgeml/forge/internal/domain/apperr"
)

// LocalBackend stores documents under a root directory on local disk (or a
// network filesystem mounted there). Writes go to a temp file in the target
// directory followed by rename, so a crash mid-write leaves the previous
// document intact.
type LocalBackend struct {
	Root string
}

// NewLocalBackend creates the root directory if needed.
func NewLocalBackend(root string) (*LocalBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &LocalBackend{Root: root}, nil
}

func (b *LocalBackend) path(key string) string {
	return filepath.Join(b.Root, filepath.FromSlash(key))
}

func (b *LocalBackend) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(b.path(key))
	if os.IsNotExist(err) {
		return nil, apperr.NotFoundf("document %s", key)
	}
	return data, err
}

func (b *LocalBackend) Write(ctx context.Context, key string, data []byte) error {
	target := b.path(key)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create entity dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".write-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("swap document: %w", err)
	}
	return nil
}

func (b *LocalBackend) Delete(ctx context.Context, key string) error {
	err := os.Remove(b.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (b *LocalBackend) DeleteAll(ctx context.Context, prefix string) error {
	return os.RemoveAll(b.path(prefix))
}

func (b *LocalBackend) List(ctx context.Context, prefix string) ([]string, error) {
	root := b.path(prefix)
	var keys []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".write-") {
			return nil
		}
		rel, err := filepath.Rel(b.Root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return keys, err
}
