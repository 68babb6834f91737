// Package index implements docudb's per-field and compound equality
// indexes: in-memory buckets of document ids keyed by a normalized value,
// persisted one JSON file per index under <collection>/_indices/.
package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielxceron/docudb/internal/dberr"
	"github.com/danielxceron/docudb/internal/docmodel"
)

// Spec identifies an index: one field, or several for a compound index.
type Spec struct {
	Fields []string
	Unique bool
	Sparse bool
	Name   string
}

// FieldSpecName derives the canonical identifier for a field list: the bare
// field name for a single field, or the '+'-joined field list for a
// compound index. This is the key used in metadata.indices, the .idx
// filename, and HasIndex/FindByIndex lookups.
func FieldSpecName(fields []string) string {
	return strings.Join(fields, "+")
}

// persisted is the on-disk (and in-memory) representation of one index.
type persisted struct {
	Spec    Spec                `json:"spec"`
	Entries map[string][]string `json:"entries"`
	Created time.Time           `json:"created"`
	Updated time.Time           `json:"updated"`
}

// Info summarizes one index for listIndexes().
type Info struct {
	Fields  []string  `json:"fields"`
	Unique  bool      `json:"unique"`
	Sparse  bool      `json:"sparse"`
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// Manager owns every collection's indexes and their disk persistence.
type Manager struct {
	mu      sync.RWMutex
	dataDir string
	byColl  map[string]map[string]*persisted // collection -> fieldSpec -> index
}

// NewManager creates an index manager rooted at dataDir (the database's
// data directory; each collection's indexes live under
// <dataDir>/<collection>/_indices/).
func NewManager(dataDir string) *Manager {
	return &Manager{
		dataDir: dataDir,
		byColl:  make(map[string]map[string]*persisted),
	}
}

func (m *Manager) indicesDir(collection string) string {
	return filepath.Join(m.dataDir, collection, "_indices")
}

// LoadIndices rehydrates every persisted .idx file for a collection into
// memory. Called when a collection is initialized.
func (m *Manager) LoadIndices(collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := m.indicesDir(collection)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			m.byColl[collection] = make(map[string]*persisted)
			return nil
		}
		return dberr.Wrap(dberr.CodeIndexLoadError, "index.LoadIndices", err).WithContext("collection", collection)
	}

	loaded := make(map[string]*persisted, len(entries))
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".idx") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return dberr.Wrap(dberr.CodeIndexLoadError, "index.LoadIndices", err).WithContext("collection", collection)
		}
		var p persisted
		if err := json.Unmarshal(raw, &p); err != nil {
			return dberr.Wrap(dberr.CodeIndexLoadError, "index.LoadIndices", err).WithContext("collection", collection)
		}
		fieldSpec := strings.TrimSuffix(e.Name(), ".idx")
		loaded[fieldSpec] = &p
	}

	m.byColl[collection] = loaded
	return nil
}

// CreateIndex registers a new index for the given fields. It is idempotent:
// calling it again for the same field spec is a no-op that preserves any
// existing entries and returns true. The caller is responsible for
// back-filling by calling UpdateIndex over all existing documents.
func (m *Manager) CreateIndex(collection string, fields []string, unique, sparse bool, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idxs := m.collIndices(collection)
	fieldSpec := FieldSpecName(fields)
	if _, exists := idxs[fieldSpec]; exists {
		return true, nil
	}

	now := time.Now()
	p := &persisted{
		Spec:    Spec{Fields: fields, Unique: unique, Sparse: sparse, Name: name},
		Entries: make(map[string][]string),
		Created: now,
		Updated: now,
	}
	idxs[fieldSpec] = p

	if err := m.persist(collection, fieldSpec, p); err != nil {
		return false, err
	}
	return true, nil
}

// DropIndex removes an index's in-memory entry and its .idx file. Dropping
// a non-existent index is a no-op.
func (m *Manager) DropIndex(collection, fieldSpec string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idxs := m.collIndices(collection)
	delete(idxs, fieldSpec)

	path := filepath.Join(m.indicesDir(collection), fieldSpec+".idx")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return dberr.Wrap(dberr.CodeIndexDropError, "index.DropIndex", err).WithContext("collection", collection)
	}
	return nil
}

// UpdateIndex projects the indexed field(s) from doc into every index
// belonging to collection, enforcing uniqueness before mutating anything:
// all indexes are checked first, and only if none would be violated are
// any of them actually mutated and persisted.
func (m *Manager) UpdateIndex(collection, docID string, doc docmodel.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idxs := m.collIndices(collection)
	if len(idxs) == 0 {
		return nil
	}

	type plan struct {
		idx          *persisted
		fieldSpec    string
		effectiveKey string
		skip         bool
	}

	plans := make([]plan, 0, len(idxs))
	for fieldSpec, idx := range idxs {
		key, isAbsent := projectKey(doc, idx.Spec.Fields)

		if isAbsent && idx.Spec.Sparse {
			plans = append(plans, plan{idx: idx, fieldSpec: fieldSpec, skip: true})
			continue
		}

		effectiveKey := key
		if isAbsent {
			effectiveKey = "undefined"
		}

		if idx.Spec.Unique && !isAbsent {
			for _, owner := range idx.Entries[effectiveKey] {
				if owner != docID {
					return dberr.New(dberr.CodeUniqueViolation, "index.UpdateIndex",
						"duplicate value for unique index \""+fieldSpec+"\"").
						WithContext("collection", collection).WithContext("field", fieldSpec)
				}
			}
		}

		plans = append(plans, plan{idx: idx, fieldSpec: fieldSpec, effectiveKey: effectiveKey})
	}

	for _, p := range plans {
		removeDocID(p.idx, docID)
		if p.skip {
			continue
		}
		p.idx.Entries[p.effectiveKey] = append(p.idx.Entries[p.effectiveKey], docID)
		p.idx.Updated = time.Now()
	}

	for _, p := range plans {
		if err := m.persist(collection, p.fieldSpec, p.idx); err != nil {
			return err
		}
	}
	return nil
}

// RemoveFromIndices purges docID from every index in collection and
// persists the change.
func (m *Manager) RemoveFromIndices(collection, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idxs := m.collIndices(collection)
	for fieldSpec, idx := range idxs {
		if removeDocID(idx, docID) {
			idx.Updated = time.Now()
			if err := m.persist(collection, fieldSpec, idx); err != nil {
				return err
			}
		}
	}
	return nil
}

// FindByIndex returns the document ids stored under value's normalized key
// for field, and whether such an index exists at all (the second return
// distinguishes "index exists but no match" from "no such index").
func (m *Manager) FindByIndex(collection, field string, value interface{}) ([]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, ok := m.collIndices(collection)[field]
	if !ok {
		return nil, false
	}
	key := NormalizeValue(value)
	ids := idx.Entries[key]
	out := make([]string, len(ids))
	copy(out, ids)
	return out, true
}

// HasIndex reports whether collection has an index whose field spec is
// exactly field (a single field name, or a '+'-joined compound name).
func (m *Manager) HasIndex(collection, field string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.collIndices(collection)[field]
	return ok
}

// ListIndexes enumerates collection's indexes.
func (m *Manager) ListIndexes(collection string) []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idxs := m.collIndices(collection)
	out := make([]Info, 0, len(idxs))
	for _, idx := range idxs {
		out = append(out, Info{
			Fields:  idx.Spec.Fields,
			Unique:  idx.Spec.Unique,
			Sparse:  idx.Spec.Sparse,
			Name:    idx.Spec.Name,
			Created: idx.Created,
			Updated: idx.Updated,
		})
	}
	sort.Slice(out, func(i, j int) bool { return FieldSpecName(out[i].Fields) < FieldSpecName(out[j].Fields) })
	return out
}

func (m *Manager) collIndices(collection string) map[string]*persisted {
	idxs, ok := m.byColl[collection]
	if !ok {
		idxs = make(map[string]*persisted)
		m.byColl[collection] = idxs
	}
	return idxs
}

func (m *Manager) persist(collection, fieldSpec string, p *persisted) error {
	dir := m.indicesDir(collection)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return dberr.Wrap(dberr.CodeIndexSaveError, "index.persist", err).WithContext("collection", collection)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return dberr.Wrap(dberr.CodeIndexSaveError, "index.persist", err).WithContext("collection", collection)
	}
	path := filepath.Join(dir, fieldSpec+".idx")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return dberr.Wrap(dberr.CodeIndexSaveError, "index.persist", err).WithContext("collection", collection)
	}
	return nil
}

func removeDocID(idx *persisted, docID string) bool {
	changed := false
	for key, ids := range idx.Entries {
		filtered := ids[:0]
		for _, id := range ids {
			if id == docID {
				changed = true
				continue
			}
			filtered = append(filtered, id)
		}
		if len(filtered) == 0 {
			delete(idx.Entries, key)
		} else {
			idx.Entries[key] = filtered
		}
	}
	return changed
}

// projectKey computes the normalized key for an index's field list against
// doc. isAbsent is true if any projected field is missing from doc.
func projectKey(doc docmodel.Document, fields []string) (key string, isAbsent bool) {
	if len(fields) == 1 {
		val, ok := docmodel.GetPath(doc, fields[0])
		if !ok {
			return "", true
		}
		return NormalizeValue(val), false
	}

	parts := make([]string, len(fields))
	for i, f := range fields {
		val, ok := docmodel.GetPath(doc, f)
		if !ok {
			return "", true
		}
		parts[i] = NormalizeValue(val)
	}
	return strings.Join(parts, "|"), false
}

// NormalizeValue derives the deterministic equality key for a value:
// null -> "null", time.Time -> "date:<epoch-ms>", objects/arrays ->
// "obj:<canonical-json>", primitives -> "<type>:<stringified>".
func NormalizeValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case time.Time:
		return "date:" + strconv.FormatInt(val.UnixMilli(), 10)
	case string:
		return "string:" + val
	case bool:
		return "bool:" + strconv.FormatBool(val)
	case float64:
		return "number:" + strconv.FormatFloat(val, 'g', -1, 64)
	case map[string]interface{}, []interface{}:
		raw, _ := json.Marshal(val)
		return "obj:" + string(raw)
	default:
		raw, _ := json.Marshal(val)
		return fmt.Sprintf("%T:%s", val, raw)
	}
}
