package ingress

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/c360/pitwall/errors"
)

// Fetcher loads one recorded data series for polling mode.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context) ([]Item, error)
}

// maxLineBytes bounds one recorded line.
const maxLineBytes = 1 << 20

// FileFetcher reads a series stored as JSON lines, one entity.Envelope per
// line, optionally with an "id". Blank lines and lines starting with '#'
// are skipped.
type FileFetcher struct {
	name string
	path string
}

// NewFileFetcher creates a fetcher for path. An empty name defaults to the
// file's base name.
func NewFileFetcher(name, path string) *FileFetcher {
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &FileFetcher{name: name, path: path}
}

// Name implements Fetcher.
func (f *FileFetcher) Name() string { return f.name }

// Fetch implements Fetcher.
func (f *FileFetcher) Fetch(ctx context.Context) ([]Item, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, errors.WrapTransient(err, "FileFetcher", "Fetch", "open "+f.path)
	}
	defer file.Close()

	var items []Item
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for line := 1; scanner.Scan(); line++ {
		if line%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var item Item
		if err := json.Unmarshal([]byte(text), &item); err != nil {
			return nil, errors.WrapInvalid(errors.ErrParsingFailed, "FileFetcher", "Fetch",
				fmt.Sprintf("%s:%d: %v", f.path, line, err))
		}
		if item.Type == "" {
			return nil, errors.WrapInvalid(errors.ErrInvalidData, "FileFetcher", "Fetch",
				fmt.Sprintf("%s:%d: missing type", f.path, line))
		}
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WrapTransient(err, "FileFetcher", "Fetch", "read "+f.path)
	}
	return items, nil
}
