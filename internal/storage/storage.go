// Package storage reads document content on demand. Object storage itself is
// an external collaborator; these readers cover local runs and tests.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TextReader fetches the text stored under key.
type TextReader interface {
	ReadText(ctx context.Context, key string) (string, error)
}

var ErrInvalidKey = errors.New("invalid storage key")

// StubContent is what StubReader returns for every key.
const StubContent = "stubbed content"

// StubReader stands in for object storage when none is configured.
type StubReader struct{}

func (StubReader) ReadText(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return StubContent, nil
}

// DirReader serves keys as paths below a root directory.
type DirReader struct {
	root string
}

func NewDirReader(root string) *DirReader {
	return &DirReader{root: root}
}

func (r *DirReader) ReadText(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	clean := filepath.Clean("/" + key)
	if key == "" || strings.Contains(key, "\x00") || clean == "/" {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	b, err := os.ReadFile(filepath.Join(r.root, clean))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return string(b), nil
}
