// Package configsource loads the campaign (triggers, rules and paywalls),
// keeps the current version published for the rest of the SDK and refreshes
// it in the background.
package configsource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/rafaeljc/tollgate/internal/ruleengine"
)

// ErrCampaignNotFound is returned by a Source that has no campaign yet.
var ErrCampaignNotFound = errors.New("configsource: campaign not found")

// Format is a campaign encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Source fetches the raw campaign.
type Source interface {
	Fetch(ctx context.Context) (*ruleengine.Campaign, error)
}

// Decode parses a campaign document.
func Decode(data []byte, format Format) (*ruleengine.Campaign, error) {
	var c ruleengine.Campaign

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("failed to decode yaml campaign: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&c); err != nil {
			return nil, fmt.Errorf("failed to decode json campaign: %w", err)
		}
	}
	return &c, nil
}

// sniffFormat guesses the encoding of data: JSON documents start with '{'.
func sniffFormat(data []byte) Format {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		return FormatJSON
	}
	return FormatYAML
}

// FileSource reads a campaign from a local JSON or YAML file.
type FileSource struct {
	path string
}

// NewFileSource creates a source reading path on every fetch.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Fetch reads and decodes the file. The format follows the extension.
func (s *FileSource) Fetch(_ context.Context) (*ruleengine.Campaign, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrCampaignNotFound, s.path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read campaign file: %w", err)
	}

	format := FormatJSON
	switch strings.ToLower(filepath.Ext(s.path)) {
	case ".yaml", ".yml":
		format = FormatYAML
	}
	return Decode(data, format)
}

// RedisSource reads a campaign document stored under one Redis key.
// Publishing a campaign is a plain SET from the backend.
type RedisSource struct {
	client *redis.Client
	key    string
}

// NewRedisSource creates a source reading key.
func NewRedisSource(client *redis.Client, key string) *RedisSource {
	if client == nil {
		panic("configsource: redis client cannot be nil")
	}
	return &RedisSource{client: client, key: key}
}

// Fetch GETs the key and decodes JSON or YAML.
func (s *RedisSource) Fetch(ctx context.Context) (*ruleengine.Campaign, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: redis key %s", ErrCampaignNotFound, s.key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch campaign from redis: %w", err)
	}
	return Decode(data, sniffFormat(data))
}
