// Package storage persists received files into named buckets.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("storage: object not found")
	// ErrInvalidName is returned for object names that are empty or contain path elements.
	ErrInvalidName = errors.New("storage: invalid object name")
)

// Object is a stored file with its metadata.
type Object struct {
	Name     string
	Data     []byte
	Metadata map[string]string
	Created  time.Time
}

// Bucket stores objects by name. Implementations must be safe for concurrent use.
type Bucket interface {
	Name() string
	PutObject(ctx context.Context, name string, data []byte, metadata map[string]string) error
	GetObject(ctx context.Context, name string) (Object, error)
	ListObjects(ctx context.Context) ([]string, error)
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func copyMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
