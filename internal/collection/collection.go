// Package collection implements the per-collection controller: document
// CRUD, index-assisted queries, stable document ordering, and the
// metadata file each collection persists alongside its documents.
package collection

import (
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielxceron/docudb/internal/chunkstore"
	"github.com/danielxceron/docudb/internal/dberr"
	"github.com/danielxceron/docudb/internal/docmodel"
	"github.com/danielxceron/docudb/internal/ids"
	"github.com/danielxceron/docudb/internal/index"
	"github.com/danielxceron/docudb/internal/query"
	"github.com/danielxceron/docudb/internal/schema"
)

const (
	lockRetries   = 10
	lockBaseDelay = 50 * time.Millisecond
	metadataFile  = "_metadata.json"
)

// Options configures one collection's id generation and optional schema.
type Options struct {
	IDType ids.Type
	Schema *schema.Schema
}

// Metadata is the persisted, full-file-rewrite summary of a collection.
type Metadata struct {
	Count         int       `json:"count"`
	Indices       []string  `json:"indices"`
	Created       time.Time `json:"created"`
	Updated       time.Time `json:"updated"`
	DocumentOrder []string  `json:"documentOrder"`
}

type cacheEntry struct {
	chunkPaths []string
	data       docmodel.Document
}

// Collection owns one named set of documents: its chunk storage, its
// indexes, its metadata, and an in-memory read cache.
type Collection struct {
	name     string
	store    *chunkstore.Store
	indexMgr *index.Manager
	opts     Options

	mu       sync.RWMutex
	metadata Metadata
	cache    map[string]*cacheEntry

	locksMu  sync.Mutex
	docLocks map[string]*sync.Mutex
}

// New constructs a collection controller. Call Initialize to load its
// persisted metadata and indexes before use.
func New(name string, store *chunkstore.Store, indexMgr *index.Manager, opts Options) *Collection {
	return &Collection{
		name:     name,
		store:    store,
		indexMgr: indexMgr,
		opts:     opts,
		cache:    make(map[string]*cacheEntry),
		docLocks: make(map[string]*sync.Mutex),
	}
}

// Initialize loads persisted metadata (creating a fresh empty record stamped
// with the current time if none exists yet) and rehydrates this collection's
// indexes.
func (c *Collection) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := filepath.Join(c.store.CollectionDir(c.name), metadataFile)
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if jerr := json.Unmarshal(raw, &c.metadata); jerr != nil {
			return dberr.Wrap(dberr.CodeMetadataError, "collection.Initialize", jerr).WithContext("collection", c.name)
		}
	case os.IsNotExist(err):
		now := time.Now()
		c.metadata = Metadata{Created: now, Updated: now}
	default:
		return dberr.Wrap(dberr.CodeMetadataError, "collection.Initialize", err).WithContext("collection", c.name)
	}

	return c.indexMgr.LoadIndices(c.name)
}

func (c *Collection) saveMetadataLocked() error {
	dir := c.store.CollectionDir(c.name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return dberr.Wrap(dberr.CodeMetadataError, "collection.saveMetadata", err).WithContext("collection", c.name)
	}
	raw, err := json.Marshal(c.metadata)
	if err != nil {
		return dberr.Wrap(dberr.CodeMetadataError, "collection.saveMetadata", err).WithContext("collection", c.name)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), raw, 0o644); err != nil {
		return dberr.Wrap(dberr.CodeMetadataError, "collection.saveMetadata", err).WithContext("collection", c.name)
	}
	return nil
}

// SetSchema attaches or replaces this collection's schema. Callers that
// reopen a database reconcile a freshly supplied schema onto the already-
// registered instance through this method, so schema-bearing collections
// don't silently lose validation across a reopen.
func (c *Collection) SetSchema(s *schema.Schema) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.Schema = s
}

// schema returns the currently attached schema, if any.
func (c *Collection) schema() *schema.Schema {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opts.Schema
}

// isValidID applies the controller's id-format rule: a schema that owns
// _id validation (a validate.pattern on the _id field) is trusted for
// format; otherwise the built-in mongo/uuid id formats are required.
func (c *Collection) isValidID(id string) bool {
	if s := c.schema(); s != nil && s.OwnsIDValidation() {
		return true
	}
	return ids.IsValid(id)
}

func (c *Collection) validateID(id string) error {
	if !c.isValidID(id) {
		return dberr.New(dberr.CodeInvalidID, "collection.validateID", "invalid document id").WithContext("collection", c.name).WithContext("id", id)
	}
	return nil
}

// lockDoc acquires the advisory per-document lock for id, retrying up to
// lockRetries times with jittered backoff. The returned unlock func must be
// called on every exit path.
func (c *Collection) lockDoc(id string) (func(), error) {
	c.locksMu.Lock()
	l, ok := c.docLocks[id]
	if !ok {
		l = &sync.Mutex{}
		c.docLocks[id] = l
	}
	c.locksMu.Unlock()

	for attempt := 0; attempt < lockRetries; attempt++ {
		if l.TryLock() {
			return func() { l.Unlock() }, nil
		}
		jitter := time.Duration(rand.Int63n(int64(lockBaseDelay)))
		time.Sleep(lockBaseDelay/2 + jitter)
	}
	return nil, dberr.New(dberr.CodeLockError, "collection.lockDoc", "could not acquire document lock").WithContext("collection", c.name).WithContext("id", id)
}

// InsertOne validates doc (against the schema if one is configured),
// assigns or checks its _id, updates indexes, then persists its chunks.
// Index update happens before chunk persistence so a uniqueness violation
// never produces orphaned chunk files.
func (c *Collection) InsertOne(doc docmodel.Document) (docmodel.Document, error) {
	validated, err := c.validateForInsert(doc)
	if err != nil {
		return nil, err
	}

	id, _ := validated["_id"].(string)
	if id == "" {
		generated, err := ids.Generate(c.opts.IDType)
		if err != nil {
			return nil, dberr.Wrap(dberr.CodeInsertError, "collection.InsertOne", err).WithContext("collection", c.name)
		}
		id = generated
		validated["_id"] = id
	} else if !c.isValidID(id) {
		return nil, dberr.New(dberr.CodeInvalidID, "collection.InsertOne", "invalid document id").WithContext("collection", c.name).WithContext("id", id)
	}

	if err := c.indexMgr.UpdateIndex(c.name, id, validated); err != nil {
		return nil, err
	}

	paths, err := c.store.SaveData(c.name, id, validated)
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeInsertError, "collection.InsertOne", err).WithContext("collection", c.name).WithContext("id", id)
	}

	c.mu.Lock()
	c.cache[id] = &cacheEntry{chunkPaths: paths, data: validated}
	c.metadata.Count++
	c.metadata.DocumentOrder = append(c.metadata.DocumentOrder, id)
	c.metadata.Updated = time.Now()
	err = c.saveMetadataLocked()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return validated, nil
}

func (c *Collection) validateForInsert(doc docmodel.Document) (docmodel.Document, error) {
	if s := c.schema(); s != nil {
		out, err := s.Validate(doc)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return docmodel.Clone(doc).(docmodel.Document), nil
}

// InsertMany inserts docs sequentially. It does not roll back prior
// successful inserts if a later one fails; the error reports the index of
// the failing document alongside the original cause.
func (c *Collection) InsertMany(docs []docmodel.Document) ([]docmodel.Document, error) {
	out := make([]docmodel.Document, 0, len(docs))
	for i, d := range docs {
		inserted, err := c.InsertOne(d)
		if err != nil {
			return out, dberr.Wrap(dberr.CodeInsertError, "collection.InsertMany", err).WithContext("collection", c.name).WithContext("index", strconv.Itoa(i))
		}
		out = append(out, inserted)
	}
	return out, nil
}

// FindByID returns the document with the given id, or nil if absent.
func (c *Collection) FindByID(id string) (docmodel.Document, error) {
	if err := c.validateID(id); err != nil {
		return nil, err
	}

	c.mu.RLock()
	entry, cached := c.cache[id]
	c.mu.RUnlock()
	if cached {
		return entry.data, nil
	}

	if !c.store.DocumentExists(c.name, id) {
		return nil, nil
	}

	paths, err := c.store.ListChunkPaths(c.name, id)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, nil
	}

	raw, err := c.store.ReadData(paths)
	if err != nil {
		return nil, err
	}
	data, _ := raw.(docmodel.Document)
	if data == nil {
		data = docmodel.Document{}
	}

	if s := c.schema(); s != nil {
		data, err = s.Rehydrate(data)
		if err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	c.cache[id] = &cacheEntry{chunkPaths: paths, data: data}
	c.mu.Unlock()

	return data, nil
}

// loadAllDocuments returns every document in documentOrder, reading through
// the cache for each.
func (c *Collection) loadAllDocuments() ([]docmodel.Document, error) {
	c.mu.RLock()
	order := append([]string(nil), c.metadata.DocumentOrder...)
	c.mu.RUnlock()

	docs := make([]docmodel.Document, 0, len(order))
	for _, id := range order {
		d, err := c.FindByID(id)
		if err != nil {
			return nil, err
		}
		if d != nil {
			docs = append(docs, d)
		}
	}
	return docs, nil
}

// Find compiles criteria into a query, attempts index-assisted execution
// using the query's top-level bare-equality leaves, and falls back to a
// full scan when no matching index exists or the index yields nothing to
// narrow the scan with.
func (c *Collection) Find(criteria map[string]interface{}) ([]docmodel.Document, error) {
	q, err := query.New(criteria)
	if err != nil {
		return nil, err
	}

	candidates, usedIndex, err := c.indexAssistedCandidates(q)
	if err != nil {
		return nil, err
	}
	if !usedIndex {
		candidates, err = c.loadAllDocuments()
		if err != nil {
			return nil, err
		}
	}

	return q.Execute(candidates), nil
}

func (c *Collection) indexAssistedCandidates(q *query.Query) ([]docmodel.Document, bool, error) {
	for _, eq := range q.TopLevelEqualities() {
		if !c.indexMgr.HasIndex(c.name, eq.Field) {
			continue
		}
		docIDs, found := c.indexMgr.FindByIndex(c.name, eq.Field, eq.Value)
		if !found || len(docIDs) == 0 {
			continue
		}
		docs := make([]docmodel.Document, 0, len(docIDs))
		for _, id := range docIDs {
			d, err := c.FindByID(id)
			if err != nil {
				return nil, false, err
			}
			if d != nil {
				docs = append(docs, d)
			}
		}
		return docs, true, nil
	}
	return nil, false, nil
}

// FindOne returns the first document matching criteria, or nil.
func (c *Collection) FindOne(criteria map[string]interface{}) (docmodel.Document, error) {
	docs, err := c.Find(criteria)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

var allowedUpdateOps = map[string]bool{"$set": true, "$unset": true, "$inc": true}
var rejectedUpdateOps = map[string]bool{"$push": true, "$pull": true, "$addToSet": true}

// UpdateByID applies update to the document with the given id: $set/$unset/
// $inc if update has any $-prefixed top-level key, or a shallow replace
// merge (preserving _id) otherwise. Returns nil if no such document exists.
func (c *Collection) UpdateByID(id string, update map[string]interface{}) (docmodel.Document, error) {
	if err := c.validateID(id); err != nil {
		return nil, err
	}

	current, err := c.FindByID(id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}

	hasOperator := false
	for k := range update {
		if strings.HasPrefix(k, "$") {
			hasOperator = true
			if rejectedUpdateOps[k] {
				return nil, dberr.New(dberr.CodeInvalidUpdate, "collection.UpdateByID", "update operator \""+k+"\" is not supported").WithContext("collection", c.name)
			}
			if !allowedUpdateOps[k] {
				return nil, dberr.New(dberr.CodeInvalidUpdate, "collection.UpdateByID", "unknown update operator \""+k+"\"").WithContext("collection", c.name)
			}
		}
	}

	next := docmodel.Clone(current).(docmodel.Document)
	if !hasOperator {
		for k, v := range update {
			if k == "_id" {
				continue
			}
			next[k] = v
		}
	} else {
		if err := applyOperators(next, update); err != nil {
			return nil, err
		}
	}
	next["_id"] = id

	if s := c.schema(); s != nil {
		validated, err := s.Validate(next)
		if err != nil {
			return nil, err
		}
		validated["_id"] = id
		next = validated
	}

	unlock, err := c.lockDoc(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	paths, err := c.store.SaveData(c.name, id, next)
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeUpdateError, "collection.UpdateByID", err).WithContext("collection", c.name).WithContext("id", id)
	}
	if err := c.store.PruneStaleChunks(c.name, id, paths); err != nil {
		return nil, dberr.Wrap(dberr.CodeUpdateError, "collection.UpdateByID", err).WithContext("collection", c.name).WithContext("id", id)
	}

	c.mu.Lock()
	c.metadata.Updated = time.Now()
	metaErr := c.saveMetadataLocked()
	if metaErr == nil {
		c.cache[id] = &cacheEntry{chunkPaths: paths, data: next}
	}
	c.mu.Unlock()
	if metaErr != nil {
		return nil, metaErr
	}

	if err := c.indexMgr.UpdateIndex(c.name, id, next); err != nil {
		return nil, err
	}

	return next, nil
}

func applyOperators(doc docmodel.Document, update map[string]interface{}) error {
	if set, ok := update["$set"].(map[string]interface{}); ok {
		for path, v := range set {
			docmodel.SetPath(doc, path, v)
		}
	}
	if unset, ok := update["$unset"].(map[string]interface{}); ok {
		for path := range unset {
			docmodel.UnsetPath(doc, path)
		}
	}
	if inc, ok := update["$inc"].(map[string]interface{}); ok {
		for path, v := range inc {
			delta, ok := asFloat(v)
			if !ok {
				return dberr.New(dberr.CodeInvalidType, "collection.UpdateByID", "$inc requires a numeric amount for \""+path+"\"")
			}
			current := 0.0
			if cur, ok := docmodel.GetPath(doc, path); ok {
				cf, ok := asFloat(cur)
				if !ok {
					return dberr.New(dberr.CodeInvalidType, "collection.UpdateByID", "$inc target \""+path+"\" is not numeric")
				}
				current = cf
			}
			docmodel.SetPath(doc, path, current+delta)
		}
	}
	return nil
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// UpdateMany runs UpdateByID for every document matching criteria and
// returns the count of successful updates.
func (c *Collection) UpdateMany(criteria map[string]interface{}, update map[string]interface{}) (int, error) {
	docs, err := c.Find(criteria)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, d := range docs {
		id, _ := d["_id"].(string)
		if _, err := c.UpdateByID(id, update); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// DeleteByID removes a document's chunks, directory, and index entries, and
// reports whether a document existed to delete.
func (c *Collection) DeleteByID(id string) (bool, error) {
	if err := c.validateID(id); err != nil {
		return false, err
	}

	existing, err := c.FindByID(id)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}
	return c.deleteExisting(id)
}

func (c *Collection) deleteExisting(id string) (bool, error) {
	if err := c.store.DeleteDocument(c.name, id); err != nil {
		return false, err
	}
	if err := c.indexMgr.RemoveFromIndices(c.name, id); err != nil {
		return false, err
	}

	c.mu.Lock()
	delete(c.cache, id)
	if c.metadata.Count > 0 {
		c.metadata.Count--
	}
	filtered := c.metadata.DocumentOrder[:0]
	for _, existingID := range c.metadata.DocumentOrder {
		if existingID != id {
			filtered = append(filtered, existingID)
		}
	}
	c.metadata.DocumentOrder = filtered
	c.metadata.Updated = time.Now()
	err := c.saveMetadataLocked()
	c.mu.Unlock()
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteOne deletes the first document matching criteria, if any.
func (c *Collection) DeleteOne(criteria map[string]interface{}) (bool, error) {
	d, err := c.FindOne(criteria)
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, nil
	}
	id, _ := d["_id"].(string)
	return c.deleteExisting(id)
}

// DeleteMany deletes every document matching criteria and returns the count
// of documents removed.
func (c *Collection) DeleteMany(criteria map[string]interface{}) (int, error) {
	docs, err := c.Find(criteria)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, d := range docs {
		id, _ := d["_id"].(string)
		ok, err := c.deleteExisting(id)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

// Count returns metadata.count directly for an empty criteria map, else the
// length of a full Find.
func (c *Collection) Count(criteria map[string]interface{}) (int, error) {
	if len(criteria) == 0 {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.metadata.Count, nil
	}
	docs, err := c.Find(criteria)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// CreateIndex registers an index for the given fields, persists it, then
// back-fills it by reprocessing every existing document.
func (c *Collection) CreateIndex(fields []string, unique, sparse bool, name string) error {
	if _, err := c.indexMgr.CreateIndex(c.name, fields, unique, sparse, name); err != nil {
		return err
	}

	docs, err := c.loadAllDocuments()
	if err != nil {
		return err
	}
	for _, d := range docs {
		id, _ := d["_id"].(string)
		if err := c.indexMgr.UpdateIndex(c.name, id, d); err != nil {
			return err
		}
	}

	fieldSpec := index.FieldSpecName(fields)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.metadata.Indices {
		if existing == fieldSpec {
			return nil
		}
	}
	c.metadata.Indices = append(c.metadata.Indices, fieldSpec)
	c.metadata.Updated = time.Now()
	return c.saveMetadataLocked()
}

// DropIndex removes an index and its metadata record.
func (c *Collection) DropIndex(fieldSpec string) error {
	if err := c.indexMgr.DropIndex(c.name, fieldSpec); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	filtered := c.metadata.Indices[:0]
	for _, existing := range c.metadata.Indices {
		if existing != fieldSpec {
			filtered = append(filtered, existing)
		}
	}
	c.metadata.Indices = filtered
	c.metadata.Updated = time.Now()
	return c.saveMetadataLocked()
}

// ListIndexes enumerates this collection's indexes.
func (c *Collection) ListIndexes() []index.Info {
	return c.indexMgr.ListIndexes(c.name)
}

// GetPosition returns a document's index within documentOrder, or -1 if
// absent.
func (c *Collection) GetPosition(id string) (int, error) {
	if err := c.validateID(id); err != nil {
		return -1, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i, existing := range c.metadata.DocumentOrder {
		if existing == id {
			return i, nil
		}
	}
	return -1, nil
}

// FindByPosition returns the document at index i of documentOrder, or nil if
// out of range.
func (c *Collection) FindByPosition(i int) (docmodel.Document, error) {
	if i < 0 {
		return nil, dberr.New(dberr.CodeInvalidPosition, "collection.FindByPosition", "position must not be negative").WithContext("collection", c.name)
	}
	c.mu.RLock()
	if i >= len(c.metadata.DocumentOrder) {
		c.mu.RUnlock()
		return nil, nil
	}
	id := c.metadata.DocumentOrder[i]
	c.mu.RUnlock()
	return c.FindByID(id)
}

// UpdatePosition moves id to newIndex within documentOrder, clamping to the
// last position if newIndex is out of range and no-opping if newIndex
// already matches id's current position.
func (c *Collection) UpdatePosition(id string, newIndex int) error {
	if newIndex < 0 {
		return dberr.New(dberr.CodeInvalidPosition, "collection.UpdatePosition", "position must not be negative").WithContext("collection", c.name)
	}
	if err := c.validateID(id); err != nil {
		return err
	}

	c.mu.Lock()
	order := c.metadata.DocumentOrder
	current := -1
	for i, existing := range order {
		if existing == id {
			current = i
			break
		}
	}
	if current == -1 {
		c.mu.Unlock()
		return dberr.New(dberr.CodeNotFound, "collection.UpdatePosition", "document not found").WithContext("collection", c.name).WithContext("id", id)
	}

	target := newIndex
	if target >= len(order) {
		target = len(order) - 1
	}
	if target == current {
		c.mu.Unlock()
		return nil
	}

	reordered := make([]string, 0, len(order))
	reordered = append(reordered, order[:current]...)
	reordered = append(reordered, order[current+1:]...)
	if target >= len(reordered) {
		reordered = append(reordered, id)
	} else {
		reordered = append(reordered[:target], append([]string{id}, reordered[target:]...)...)
	}

	c.metadata.DocumentOrder = reordered
	c.metadata.Updated = time.Now()
	c.cache = make(map[string]*cacheEntry)
	err := c.saveMetadataLocked()
	c.mu.Unlock()
	return err
}

// Drop deletes every document this collection holds, then its directory.
func (c *Collection) Drop() error {
	c.mu.Lock()
	order := append([]string(nil), c.metadata.DocumentOrder...)
	c.mu.Unlock()

	for _, id := range order {
		if err := c.store.DeleteDocument(c.name, id); err != nil {
			return dberr.Wrap(dberr.CodeDropError, "collection.Drop", err).WithContext("collection", c.name).WithContext("id", id)
		}
	}

	if err := os.RemoveAll(c.store.CollectionDir(c.name)); err != nil {
		return dberr.Wrap(dberr.CodeDropError, "collection.Drop", err).WithContext("collection", c.name)
	}

	c.mu.Lock()
	c.cache = make(map[string]*cacheEntry)
	c.metadata = Metadata{}
	c.mu.Unlock()
	return nil
}
