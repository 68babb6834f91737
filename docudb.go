// Package docudb is an embedded, single-process, document-oriented storage
// engine: JSON documents addressed by _id within named collections, each
// backed by chunked files on disk, with optional schema validation and
// equality indexes.
package docudb

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/danielxceron/docudb/internal/chunkstore"
	"github.com/danielxceron/docudb/internal/collection"
	"github.com/danielxceron/docudb/internal/dberr"
	"github.com/danielxceron/docudb/internal/ids"
	"github.com/danielxceron/docudb/internal/index"
	"github.com/danielxceron/docudb/internal/schema"
)

// Config configures a database instance.
type Config struct {
	Name        string
	DataDir     string
	ChunkSize   int
	Compression bool
	IDType      ids.Type
}

// DefaultConfig returns the database's default configuration rooted at
// dataDir: name "docudb", 1 MiB chunks, gzip compression on, mongo-style ids.
func DefaultConfig(dataDir string) *Config {
	return &Config{
		Name:        "docudb",
		DataDir:     dataDir,
		ChunkSize:   1 << 20,
		Compression: true,
		IDType:      ids.Mongo,
	}
}

var (
	nameControlChars = regexp.MustCompile(`[\x00-\x1f\x7f]`)
	nameTemplateSyn  = regexp.MustCompile(`[{}$` + "`" + `]`)

	reservedNames = map[string]bool{
		".": true, "..": true, "con": true, "prn": true, "aux": true, "nul": true,
		"etc": true, "proc": true, "sys": true, "dev": true, "root": true,
	}
)

// validateName applies the database-name path-sanitization pass: no path
// traversal, no absolute paths, no reserved system names, length <= 64, no
// control characters, no template-injection syntax, no URL-encoded
// traversal sequences.
func validateName(name string) error {
	fail := func(reason string) error {
		return dberr.New(dberr.CodeInvalidName, "docudb.validateName", reason).WithContext("name", name)
	}

	if name == "" {
		return fail("name must not be empty")
	}
	if len(name) > 64 {
		return fail("name must be at most 64 characters")
	}
	if filepath.IsAbs(name) {
		return fail("name must not be an absolute path")
	}
	if strings.ContainsAny(name, `/\`) {
		return fail("name must not contain path separators")
	}
	if strings.Contains(name, "..") {
		return fail("name must not contain path traversal sequences")
	}
	if strings.Contains(strings.ToLower(name), "%2e") || strings.Contains(strings.ToLower(name), "%2f") {
		return fail("name must not contain URL-encoded traversal sequences")
	}
	if nameControlChars.MatchString(name) {
		return fail("name must not contain control characters")
	}
	if nameTemplateSyn.MatchString(name) {
		return fail("name must not contain template-injection syntax")
	}
	if reservedNames[strings.ToLower(name)] {
		return fail("name is a reserved system path")
	}
	return nil
}

// CollectionOptions configures one collection within a database.
type CollectionOptions struct {
	Schema *schema.Schema
}

// DB is an initialized docudb database: a data directory holding zero or
// more collections, each a chunked file store plus an index manager.
type DB struct {
	cfg      *Config
	store    *chunkstore.Store
	indexMgr *index.Manager

	mu          sync.RWMutex
	initialized bool
	collections map[string]*collection.Collection
}

// New validates cfg's name and prepares (but does not yet initialize) a
// database instance. Call Initialize before using it.
func New(cfg *Config) (*DB, error) {
	if err := validateName(cfg.Name); err != nil {
		return nil, err
	}
	dataDir := filepath.Join(cfg.DataDir, cfg.Name)
	return &DB{
		cfg:         cfg,
		store:       chunkstore.New(dataDir, cfg.ChunkSize, cfg.Compression, 0),
		indexMgr:    index.NewManager(dataDir),
		collections: make(map[string]*collection.Collection),
	}, nil
}

// Initialize creates the database's data directory and re-opens every
// existing, non-"_"-prefixed subdirectory as a collection, loading each
// one's metadata and indexes.
func (db *DB) Initialize() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	dataDir := db.dataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return dberr.Wrap(dberr.CodeInitError, "docudb.Initialize", err).WithContext("dataDir", dataDir)
	}

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return dberr.Wrap(dberr.CodeLoadError, "docudb.Initialize", err).WithContext("dataDir", dataDir)
	}

	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), "_") {
			continue
		}
		c := collection.New(e.Name(), db.store, db.indexMgr, collection.Options{IDType: db.cfg.IDType})
		if err := c.Initialize(); err != nil {
			return dberr.Wrap(dberr.CodeLoadError, "docudb.Initialize", err).WithContext("collection", e.Name())
		}
		db.collections[e.Name()] = c
	}

	db.initialized = true
	return nil
}

func (db *DB) dataDir() string {
	return filepath.Join(db.cfg.DataDir, db.cfg.Name)
}

// Collection returns the named collection, creating and initializing it on
// first use. Repeated calls for the same name return the same instance
// (idempotent registration), so callers may safely call Collection(name)
// from multiple call sites without fear of resetting in-flight state. A
// non-nil opts.Schema is reconciled onto the existing instance even when
// the collection was already registered — by Initialize re-opening it from
// disk, or by an earlier schemaless call — so a schema supplied after a
// database reopen is never silently dropped.
func (db *DB) Collection(name string, opts CollectionOptions) (*collection.Collection, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if !db.initialized {
		return nil, dberr.New(dberr.CodeNotInitialized, "docudb.Collection", "database is not initialized")
	}
	if name == "" {
		return nil, dberr.New(dberr.CodeInvalidName, "docudb.Collection", "collection name must not be empty")
	}
	if strings.HasPrefix(name, "_") {
		return nil, dberr.New(dberr.CodeInvalidName, "docudb.Collection", "collection name must not start with \"_\"")
	}

	if existing, ok := db.collections[name]; ok {
		if opts.Schema != nil {
			existing.SetSchema(opts.Schema)
		}
		return existing, nil
	}

	c := collection.New(name, db.store, db.indexMgr, collection.Options{IDType: db.cfg.IDType, Schema: opts.Schema})
	if err := c.Initialize(); err != nil {
		return nil, dberr.Wrap(dberr.CodeCollectionErr, "docudb.Collection", err).WithContext("collection", name)
	}
	db.collections[name] = c
	return c, nil
}

// DropCollection deletes a collection's on-disk data and removes it from
// the registry. Dropping a collection that was never registered is a no-op
// that returns false rather than raising.
func (db *DB) DropCollection(name string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	c, ok := db.collections[name]
	if !ok {
		return false, nil
	}
	if err := c.Drop(); err != nil {
		return false, err
	}
	delete(db.collections, name)
	return true, nil
}
