package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Limits applied to everything the loader reads.
const (
	maxLayerBytes = 4 << 20
	maxJSONDepth  = 64
	maxEnvValue   = 8192
)

// readLayerFile opens a config layer after checking its name, type and size.
// Relative paths must stay inside the working directory.
func readLayerFile(path string) ([]byte, error) {
	switch formatOf(path) {
	case formatJSON, formatYAML:
	default:
		return nil, fmt.Errorf("only JSON or YAML config files allowed: %s", path)
	}
	if !filepath.IsAbs(path) {
		if rel := filepath.Clean(path); rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("config path %s escapes the working directory", path)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxLayerBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxLayerBytes {
		return nil, fmt.Errorf("%s exceeds %d bytes", path, maxLayerBytes)
	}
	return data, nil
}

// checkJSONDepth walks the token stream and rejects documents nested deeper
// than maxJSONDepth before they are decoded into maps.
func checkJSONDepth(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch tok {
		case json.Delim('{'), json.Delim('['):
			depth++
			if depth > maxJSONDepth {
				return fmt.Errorf("JSON nesting too deep (more than %d levels)", maxJSONDepth)
			}
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
	}
}

func checkEnvValue(key, value string) error {
	if len(value) > maxEnvValue {
		return fmt.Errorf("environment variable %s exceeds %d bytes", key, maxEnvValue)
	}
	if strings.IndexByte(value, 0) >= 0 {
		return fmt.Errorf("null byte in environment variable %s", key)
	}
	return nil
}
