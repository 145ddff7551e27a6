// Package config loads the data-directory's config.json: endpoint URLs,
// model names, limits, and allowed CORS origins (spec.md §6).
package config

import (
	"encoding/json"
	"os"
	"time"

	"gitlab.com/tozd/go/errors"

	"github.com/offlinewiki/wikicore/internal/xerrors"
)

// File is the shape of config.json.
type File struct {
	DumpURL          string   `json:"dump_url"`
	GeneratorURL     string   `json:"generator_url"`
	EmbedModel       string   `json:"embed_model"`
	GenerateModel    string   `json:"generate_model"`
	AllowedOrigins   []string `json:"allowed_origins"`
	EmbedConcurrency int      `json:"embed_concurrency"`
	VectorDimension  int      `json:"vector_dimension"`

	EmbedTimeoutSeconds    int `json:"embed_timeout_seconds"`
	GenerateTimeoutSeconds int `json:"generate_timeout_seconds"`
}

// EmbedTimeout returns the configured embed timeout, defaulting to 0
// (meaning llmclient.New should apply its own default) when unset.
func (f *File) EmbedTimeout() time.Duration {
	if f.EmbedTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(f.EmbedTimeoutSeconds) * time.Second
}

// GenerateTimeout mirrors EmbedTimeout for the generate call.
func (f *File) GenerateTimeout() time.Duration {
	if f.GenerateTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(f.GenerateTimeoutSeconds) * time.Second
}

// Load reads and parses config.json from path. A missing file is not an
// error: File's zero value plus the caller's own defaults apply.
func Load(path string) (*File, errors.E) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, xerrors.Wrap(xerrors.StorageIo, err, "reading config.json")
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, xerrors.Wrap(xerrors.Malformed, err, "parsing config.json")
	}
	return &f, nil
}
