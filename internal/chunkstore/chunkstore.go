// Package chunkstore persists a document's JSON serialization as an ordered
// sequence of size-bounded chunk files under <dataDir>/<collection>/<docId>/,
// optionally gzip-compressing each chunk independently.
package chunkstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/danielxceron/docudb/internal/compress"
	"github.com/danielxceron/docudb/internal/dberr"
)

const (
	jsonExt = ".json"
	gzExt   = ".gz"
)

var chunkNamePattern = regexp.MustCompile(`^chunk_(\d+)\.(json|gz)$`)

// Store writes and reads chunked document payloads under a root directory.
type Store struct {
	dataDir          string
	chunkSize        int
	compression      bool
	compressionLevel int
}

// New builds a Store rooted at dataDir. chunkSize is the maximum number of
// raw JSON bytes per chunk before compression; compressionLevel is passed to
// gzip (0 selects the default level).
func New(dataDir string, chunkSize int, compression bool, compressionLevel int) *Store {
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}
	return &Store{
		dataDir:          dataDir,
		chunkSize:        chunkSize,
		compression:      compression,
		compressionLevel: compressionLevel,
	}
}

// DocDir returns the directory holding a document's chunk files.
func (s *Store) DocDir(collection, docID string) string {
	return filepath.Join(s.dataDir, collection, docID)
}

// CollectionDir returns a collection's root directory (holding _metadata.json,
// _indices/, and every document's chunk directory).
func (s *Store) CollectionDir(collection string) string {
	return filepath.Join(s.dataDir, collection)
}

// SaveData serializes value to JSON, splits it into chunkSize-bounded
// slices, compresses each slice if enabled, and writes them as
// chunk_<n>.<ext> files. It only writes the chunks the new payload needs;
// it never deletes stale chunks left over from a previous, larger write of
// the same document — callers that replace an existing document must call
// PruneStaleChunks afterward, so a write always precedes any deletion of
// the data it replaces.
func (s *Store) SaveData(collection, docID string, value interface{}) ([]string, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeSaveError, "chunkstore.SaveData", err).WithContext("docId", docID)
	}

	dir := s.DocDir(collection, docID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, dberr.Wrap(dberr.CodeSaveError, "chunkstore.SaveData", err).WithContext("docId", docID)
	}

	ext := jsonExt
	if s.compression {
		ext = gzExt
	}

	var paths []string
	chunkCount := (len(payload) + s.chunkSize - 1) / s.chunkSize
	if chunkCount == 0 {
		chunkCount = 1 // always write at least one (possibly empty) chunk
	}

	for i := 0; i < chunkCount; i++ {
		start := i * s.chunkSize
		end := start + s.chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		slice := payload[start:end]

		if s.compression {
			slice, err = compress.Compress(slice, s.compressionLevel)
			if err != nil {
				return nil, dberr.Wrap(dberr.CodeSaveError, "chunkstore.SaveData", err).WithContext("docId", docID)
			}
		}

		path := filepath.Join(dir, fmt.Sprintf("chunk_%d%s", i, ext))
		if err := os.WriteFile(path, slice, 0o644); err != nil {
			return nil, dberr.Wrap(dberr.CodeSaveError, "chunkstore.SaveData", err).WithContext("docId", docID)
		}
		paths = append(paths, path)
	}

	return paths, nil
}

// ReadData reads chunk files in the given order, decompressing per-chunk by
// file extension, concatenates the bytes, and parses the result as JSON.
func (s *Store) ReadData(chunkPaths []string) (interface{}, error) {
	var payload []byte
	for _, path := range chunkPaths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, dberr.Wrap(dberr.CodeReadError, "chunkstore.ReadData", err).WithContext("chunk", path)
		}

		if filepath.Ext(path) == gzExt {
			raw, err = compress.Decompress(raw)
			if err != nil {
				return nil, dberr.Wrap(dberr.CodeDecompressError, "chunkstore.ReadData", err).WithContext("chunk", path)
			}
		}

		payload = append(payload, raw...)
	}

	var value interface{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &value); err != nil {
			return nil, dberr.Wrap(dberr.CodeReadError, "chunkstore.ReadData", err)
		}
	}

	return value, nil
}

// DeleteChunks removes the given files. Missing files are not an error.
func (s *Store) DeleteChunks(chunkPaths []string) error {
	for _, path := range chunkPaths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return dberr.Wrap(dberr.CodeDeleteError, "chunkstore.DeleteChunks", err).WithContext("chunk", path)
		}
	}
	return nil
}

// DeleteDocument removes a document's entire chunk directory.
func (s *Store) DeleteDocument(collection, docID string) error {
	if err := os.RemoveAll(s.DocDir(collection, docID)); err != nil {
		return dberr.Wrap(dberr.CodeDeleteError, "chunkstore.DeleteDocument", err).WithContext("docId", docID)
	}
	return nil
}

// ListChunkPaths returns a document's chunk files sorted by numeric suffix
// (not lexicographically, so chunk_2 sorts before chunk_10). Returns an
// empty slice, not an error, if the document directory doesn't exist.
func (s *Store) ListChunkPaths(collection, docID string) ([]string, error) {
	dir := s.DocDir(collection, docID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dberr.Wrap(dberr.CodeReadError, "chunkstore.ListChunkPaths", err).WithContext("docId", docID)
	}

	type numbered struct {
		n    int
		path string
	}
	var chunks []numbered
	for _, e := range entries {
		m := chunkNamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		chunks = append(chunks, numbered{n: n, path: filepath.Join(dir, e.Name())})
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].n < chunks[j].n })

	paths := make([]string, len(chunks))
	for i, c := range chunks {
		paths[i] = c.path
	}
	return paths, nil
}

// DocumentExists reports whether a document's chunk directory is present.
func (s *Store) DocumentExists(collection, docID string) bool {
	info, err := os.Stat(s.DocDir(collection, docID))
	return err == nil && info.IsDir()
}

// PruneStaleChunks removes any chunk file belonging to the document that is
// not in keep (the paths just returned by SaveData). Callers performing a
// document replace must call SaveData first and PruneStaleChunks second, so
// the new data is durable on disk before any old chunk is removed.
func (s *Store) PruneStaleChunks(collection, docID string, keep []string) error {
	existing, err := s.ListChunkPaths(collection, docID)
	if err != nil {
		return err
	}

	keepSet := make(map[string]bool, len(keep))
	for _, p := range keep {
		keepSet[p] = true
	}

	var stale []string
	for _, p := range existing {
		if !keepSet[p] {
			stale = append(stale, p)
		}
	}
	return s.DeleteChunks(stale)
}
