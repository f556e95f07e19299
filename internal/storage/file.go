package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const metaSuffix = ".meta.yaml"

// FileBucket stores each object as a file in a directory, with its metadata in a YAML sidecar.
type FileBucket struct {
	name string
	dir  string
}

type fileMeta struct {
	Name     string            `yaml:"name"`
	Size     int               `yaml:"size"`
	Created  time.Time         `yaml:"created"`
	Metadata map[string]string `yaml:"metadata,omitempty"`
}

// NewFileBucket creates (if needed) the directory root/name and returns a bucket over it.
func NewFileBucket(root, name string) (*FileBucket, error) {
	if err := validateName(name); err != nil {
		return nil, fmt.Errorf("bucket name: %w", err)
	}
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bucket dir: %w", err)
	}
	return &FileBucket{name: name, dir: dir}, nil
}

func (b *FileBucket) Name() string { return b.name }

// Dir returns the directory holding the objects.
func (b *FileBucket) Dir() string { return b.dir }

func (b *FileBucket) PutObject(ctx context.Context, name string, data []byte, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateName(name); err != nil {
		return err
	}
	if strings.HasSuffix(name, metaSuffix) || strings.HasSuffix(name, ".tmp") {
		return fmt.Errorf("%w: reserved suffix in %q", ErrInvalidName, name)
	}
	meta, err := yaml.Marshal(fileMeta{
		Name:     name,
		Size:     len(data),
		Created:  time.Now().UTC(),
		Metadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	path := filepath.Join(b.dir, name)
	if err := writeAtomic(path, data); err != nil {
		return err
	}
	if err := writeAtomic(path+metaSuffix, meta); err != nil {
		return err
	}
	return nil
}

func (b *FileBucket) GetObject(ctx context.Context, name string) (Object, error) {
	if err := validateName(name); err != nil {
		return Object{}, err
	}
	path := filepath.Join(b.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Object{}, ErrNotFound
		}
		return Object{}, fmt.Errorf("read object: %w", err)
	}
	obj := Object{Name: name, Data: data, Metadata: map[string]string{}}
	raw, err := os.ReadFile(path + metaSuffix)
	switch {
	case err == nil:
		var m fileMeta
		if err := yaml.Unmarshal(raw, &m); err != nil {
			return Object{}, fmt.Errorf("decode metadata: %w", err)
		}
		obj.Created = m.Created
		if m.Metadata != nil {
			obj.Metadata = m.Metadata
		}
	case !errors.Is(err, fs.ErrNotExist):
		return Object{}, fmt.Errorf("read metadata: %w", err)
	}
	return obj, nil
}

func (b *FileBucket) ListObjects(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("list bucket: %w", err)
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || strings.HasSuffix(n, metaSuffix) || strings.HasSuffix(n, ".tmp") {
			continue
		}
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// writeAtomic writes to a temporary file and renames it over path.
func writeAtomic(path string, data []byte) error {
	temp := path + ".tmp"
	if err := os.WriteFile(temp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(temp, path); err != nil {
		_ = os.Remove(temp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
