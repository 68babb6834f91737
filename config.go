package docudb

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/danielxceron/docudb/internal/dberr"
	"github.com/danielxceron/docudb/internal/ids"
)

// fileConfig mirrors Config's fields for YAML sidecar files; Name is
// intentionally excluded since it is always supplied by the caller
// constructing the database, not read from disk.
type fileConfig struct {
	DataDir     string `yaml:"dataDir"`
	ChunkSize   int    `yaml:"chunkSize"`
	Compression *bool  `yaml:"compression"`
	IDType      string `yaml:"idType"`
}

// LoadConfig reads a YAML sidecar file and overlays it onto base, returning
// a new Config. Fields absent from the file keep base's value. This is an
// optional convenience for callers that prefer a declarative config file
// over constructing a Config in code; DefaultConfig plus struct literals
// remains the primary construction path.
func LoadConfig(path string, base *Config) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeInitError, "docudb.LoadConfig", err).WithContext("path", path)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, dberr.Wrap(dberr.CodeInitError, "docudb.LoadConfig", err).WithContext("path", path)
	}

	out := *base
	if fc.DataDir != "" {
		out.DataDir = fc.DataDir
	}
	if fc.ChunkSize != 0 {
		out.ChunkSize = fc.ChunkSize
	}
	if fc.Compression != nil {
		out.Compression = *fc.Compression
	}
	if fc.IDType != "" {
		out.IDType = ids.Type(fc.IDType)
	}

	return &out, nil
}
