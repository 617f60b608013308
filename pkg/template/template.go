package template

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// StoreType is the kind of data store an xcube server config declares.
type StoreType string

const (
	TypeFile   StoreType = "file"
	TypeS3     StoreType = "s3"
	TypeMemory StoreType = "memory"
)

// DataStore is one entry of the DataStores list in an xcube server config.
type DataStore struct {
	Identifier  string         `yaml:"Identifier"`
	StoreID     string         `yaml:"StoreId"`
	StoreParams map[string]any `yaml:"StoreParams,omitempty"`
}

// ServerConfig is the subset of the xcube server configuration this tool writes.
type ServerConfig struct {
	DataStores []DataStore `yaml:"DataStores"`
}

const header = "# xcube Server configuration file\n\n"

// Generator produces data store entries and whole server configs.
type Generator struct{}

// NewGenerator creates a new template generator
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate creates a data store entry of the given type. root is a directory for file stores
// and a bucket name for s3 stores; it is ignored for memory stores.
func (g *Generator) Generate(storeType StoreType, id, root string) (*DataStore, error) {
	if id == "" {
		return nil, errors.New("store identifier is required")
	}
	switch storeType {
	case TypeFile:
		if root == "" {
			root = "."
		}
		return &DataStore{Identifier: id, StoreID: string(TypeFile), StoreParams: map[string]any{"root": root}}, nil
	case TypeS3:
		if root == "" {
			return nil, errors.New("s3 store requires a bucket name")
		}
		return &DataStore{
			Identifier: id,
			StoreID:    string(TypeS3),
			StoreParams: map[string]any{
				"root":            root,
				"storage_options": map[string]any{"anon": true},
			},
		}, nil
	case TypeMemory:
		return &DataStore{Identifier: id, StoreID: string(TypeMemory)}, nil
	default:
		return nil, fmt.Errorf("unknown store type: %s (supported: file, s3, memory)", storeType)
	}
}

// GetSupportedTypes returns a list of all supported store types
func (g *Generator) GetSupportedTypes() []string {
	return []string{string(TypeFile), string(TypeS3), string(TypeMemory)}
}

// DefaultServerConfig is a single file store rooted at the working directory.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{DataStores: []DataStore{{
		Identifier:  "root",
		StoreID:     string(TypeFile),
		StoreParams: map[string]any{"root": "."},
	}}}
}

// YAML renders the config with the standard header comment.
func (c ServerConfig) YAML() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(header)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("failed to marshal server config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Parse reads a server config back from YAML.
func Parse(data []byte) (ServerConfig, error) {
	var c ServerConfig
	if err := yaml.Unmarshal(data, &c); err != nil {
		return ServerConfig{}, fmt.Errorf("invalid server config: %w", err)
	}
	return c, nil
}

// WriteIfMissing writes DefaultServerConfig to path unless a file already exists there.
// It reports whether a file was written.
func WriteIfMissing(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	data, err := DefaultServerConfig().YAML()
	if err != nil {
		return false, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return false, err
		}
	}
	if err := os.WriteFile(filepath.Clean(path), data, 0o600); err != nil {
		return false, err
	}
	return true, nil
}
