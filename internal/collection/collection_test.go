package collection

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielxceron/docudb/internal/chunkstore"
	"github.com/danielxceron/docudb/internal/dberr"
	"github.com/danielxceron/docudb/internal/docmodel"
	"github.com/danielxceron/docudb/internal/ids"
	"github.com/danielxceron/docudb/internal/index"
	"github.com/danielxceron/docudb/internal/schema"
)

func newTestCollection(t *testing.T, opts Options) *Collection {
	t.Helper()
	dir := t.TempDir()
	store := chunkstore.New(dir, 1<<20, false, 0)
	indexMgr := index.NewManager(dir)
	c := New("products", store, indexMgr, opts)
	require.NoError(t, c.Initialize())
	return c
}

func TestInsertOne_GeneratesID(t *testing.T) {
	c := newTestCollection(t, Options{IDType: ids.Mongo})

	doc, err := c.InsertOne(docmodel.Document{"name": "Laptop", "price": float64(1000)})
	require.NoError(t, err)
	id, _ := doc["_id"].(string)
	assert.True(t, ids.IsValidMongoID(id))

	count, err := c.Count(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestInsertOne_RejectsInvalidSuppliedID(t *testing.T) {
	c := newTestCollection(t, Options{IDType: ids.Mongo})

	_, err := c.InsertOne(docmodel.Document{"_id": "not-a-valid-id", "name": "Laptop"})
	require.Error(t, err)
	code, ok := dberr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, dberr.CodeInvalidID, code)
}

func TestFindByID_RoundTripsThroughStorage(t *testing.T) {
	c := newTestCollection(t, Options{IDType: ids.Mongo})

	inserted, err := c.InsertOne(docmodel.Document{"name": "Mouse"})
	require.NoError(t, err)
	id := inserted["_id"].(string)

	// A fresh collection over the same store/index dirs simulates a cache
	// miss: no in-memory cache entry exists yet, so FindByID must read
	// through to disk.
	fresh := New("products", c.store, c.indexMgr, Options{IDType: ids.Mongo})
	require.NoError(t, fresh.Initialize())

	got, err := fresh.FindByID(id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Mouse", got["name"])
}

func TestFindByID_MissingReturnsNil(t *testing.T) {
	c := newTestCollection(t, Options{IDType: ids.Mongo})

	got, err := c.FindByID("aaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFind_GT(t *testing.T) {
	c := newTestCollection(t, Options{IDType: ids.Mongo})
	_, err := c.InsertOne(docmodel.Document{"name": "Laptop", "price": float64(1000)})
	require.NoError(t, err)
	_, err = c.InsertOne(docmodel.Document{"name": "Mouse", "price": float64(20)})
	require.NoError(t, err)

	results, err := c.Find(map[string]interface{}{"price": map[string]interface{}{"$gt": float64(50)}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Laptop", results[0]["name"])
}

func TestCreateIndex_UniqueRejectsDuplicate(t *testing.T) {
	c := newTestCollection(t, Options{IDType: ids.Mongo})
	require.NoError(t, c.CreateIndex([]string{"codigo"}, true, false, ""))

	_, err := c.InsertOne(docmodel.Document{"codigo": "ABC123", "name": "First"})
	require.NoError(t, err)

	_, err = c.InsertOne(docmodel.Document{"codigo": "ABC123", "name": "Second"})
	require.Error(t, err)
	code, ok := dberr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, dberr.CodeUniqueViolation, code)

	count, err := c.Count(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "the rejected insert must not have produced an orphaned chunk set or bumped the count")
}

func TestCreateIndex_BackfillsExistingDocuments(t *testing.T) {
	c := newTestCollection(t, Options{IDType: ids.Mongo})
	_, err := c.InsertOne(docmodel.Document{"codigo": "X1"})
	require.NoError(t, err)
	_, err = c.InsertOne(docmodel.Document{"codigo": "X2"})
	require.NoError(t, err)

	require.NoError(t, c.CreateIndex([]string{"codigo"}, true, false, ""))

	results, err := c.Find(map[string]interface{}{"codigo": "X2"})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestUpdateByID_SetAndInc(t *testing.T) {
	c := newTestCollection(t, Options{IDType: ids.Mongo})
	inserted, err := c.InsertOne(docmodel.Document{"name": "Laptop", "stock": float64(5)})
	require.NoError(t, err)
	id := inserted["_id"].(string)

	updated, err := c.UpdateByID(id, map[string]interface{}{
		"$set": map[string]interface{}{"name": "Laptop Pro"},
		"$inc": map[string]interface{}{"stock": float64(3)},
	})
	require.NoError(t, err)
	assert.Equal(t, "Laptop Pro", updated["name"])
	assert.Equal(t, float64(8), updated["stock"])

	reloaded, err := c.FindByID(id)
	require.NoError(t, err)
	assert.Equal(t, float64(8), reloaded["stock"])
}

func TestUpdateByID_ShorthandReplacePreservesID(t *testing.T) {
	c := newTestCollection(t, Options{IDType: ids.Mongo})
	inserted, err := c.InsertOne(docmodel.Document{"name": "Laptop"})
	require.NoError(t, err)
	id := inserted["_id"].(string)

	updated, err := c.UpdateByID(id, map[string]interface{}{"name": "Replaced", "price": float64(5)})
	require.NoError(t, err)
	assert.Equal(t, id, updated["_id"])
	assert.Equal(t, "Replaced", updated["name"])
}

func TestUpdateByID_RejectsUnsupportedOperator(t *testing.T) {
	c := newTestCollection(t, Options{IDType: ids.Mongo})
	inserted, err := c.InsertOne(docmodel.Document{"tags": []interface{}{"a"}})
	require.NoError(t, err)
	id := inserted["_id"].(string)

	_, err = c.UpdateByID(id, map[string]interface{}{"$push": map[string]interface{}{"tags": "b"}})
	require.Error(t, err)
	code, ok := dberr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, dberr.CodeInvalidUpdate, code)
}

func TestUpdateByID_PrunesStaleChunksAfterShrinking(t *testing.T) {
	dir := t.TempDir()
	store := chunkstore.New(dir, 16, false, 0)
	indexMgr := index.NewManager(dir)
	c := New("products", store, indexMgr, Options{IDType: ids.Mongo})
	require.NoError(t, c.Initialize())

	big := docmodel.Document{"description": stringsRepeat("a", 500)}
	inserted, err := c.InsertOne(big)
	require.NoError(t, err)
	id := inserted["_id"].(string)

	bigPaths, err := store.ListChunkPaths("products", id)
	require.NoError(t, err)
	require.Greater(t, len(bigPaths), 2)

	_, err = c.UpdateByID(id, map[string]interface{}{"description": "short"})
	require.NoError(t, err)

	remaining, err := store.ListChunkPaths("products", id)
	require.NoError(t, err)
	// The rewritten document {"_id":<24 hex>,"description":"short"} serializes
	// to 56 bytes, i.e. 4 chunks of 16; every chunk beyond those is stale.
	assert.Len(t, remaining, 4, "stale chunks from the larger prior write must be pruned after the update")
}

func TestUpdateByID_MissingDocumentReturnsNil(t *testing.T) {
	c := newTestCollection(t, Options{IDType: ids.Mongo})

	updated, err := c.UpdateByID("aaaaaaaaaaaaaaaaaaaaaaaa", map[string]interface{}{"$set": map[string]interface{}{"a": 1}})
	require.NoError(t, err)
	assert.Nil(t, updated)
}

func TestDeleteByID(t *testing.T) {
	c := newTestCollection(t, Options{IDType: ids.Mongo})
	inserted, err := c.InsertOne(docmodel.Document{"name": "Mouse"})
	require.NoError(t, err)
	id := inserted["_id"].(string)

	ok, err := c.DeleteByID(id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.DeleteByID(id)
	require.NoError(t, err)
	assert.False(t, ok)

	count, err := c.Count(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestPositionAPIs(t *testing.T) {
	c := newTestCollection(t, Options{IDType: ids.Mongo})
	a, err := c.InsertOne(docmodel.Document{"name": "A"})
	require.NoError(t, err)
	b, err := c.InsertOne(docmodel.Document{"name": "B"})
	require.NoError(t, err)
	cc, err := c.InsertOne(docmodel.Document{"name": "C"})
	require.NoError(t, err)

	idA, idB, idC := a["_id"].(string), b["_id"].(string), cc["_id"].(string)

	pos, err := c.GetPosition(idB)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	require.NoError(t, c.UpdatePosition(idB, 0))

	doc, err := c.FindByPosition(0)
	require.NoError(t, err)
	assert.Equal(t, "B", doc["name"])

	pos, err = c.GetPosition(idA)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	pos, err = c.GetPosition(idC)
	require.NoError(t, err)
	assert.Equal(t, 2, pos)
}

func TestUpdatePosition_ClampsOutOfRangeIndex(t *testing.T) {
	c := newTestCollection(t, Options{IDType: ids.Mongo})
	a, err := c.InsertOne(docmodel.Document{"name": "A"})
	require.NoError(t, err)
	_, err = c.InsertOne(docmodel.Document{"name": "B"})
	require.NoError(t, err)
	idA := a["_id"].(string)

	require.NoError(t, c.UpdatePosition(idA, 99))

	pos, err := c.GetPosition(idA)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
}

func TestFindByPosition_RejectsNegative(t *testing.T) {
	c := newTestCollection(t, Options{IDType: ids.Mongo})

	_, err := c.FindByPosition(-1)
	require.Error(t, err)
	code, ok := dberr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, dberr.CodeInvalidPosition, code)
}

func TestDrop_RemovesEverything(t *testing.T) {
	c := newTestCollection(t, Options{IDType: ids.Mongo})
	_, err := c.InsertOne(docmodel.Document{"name": "A"})
	require.NoError(t, err)
	_, err = c.InsertOne(docmodel.Document{"name": "B"})
	require.NoError(t, err)

	require.NoError(t, c.Drop())

	count, err := c.Count(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store := chunkstore.New(dir, 1<<20, false, 0)
	indexMgr := index.NewManager(dir)
	c := New("products", store, indexMgr, Options{IDType: ids.Mongo})
	require.NoError(t, c.Initialize())

	inserted, err := c.InsertOne(docmodel.Document{"name": "Laptop"})
	require.NoError(t, err)
	id := inserted["_id"].(string)

	reopened := New("products", chunkstore.New(dir, 1<<20, false, 0), index.NewManager(dir), Options{IDType: ids.Mongo})
	require.NoError(t, reopened.Initialize())

	count, err := reopened.Count(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := reopened.FindByID(id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Laptop", got["name"])
}

func TestInvariant_RoundTripsDatesArraysAndNumbers(t *testing.T) {
	s := schema.New([]schema.FieldDef{
		{Name: "bornAt", Type: schema.Date},
		{Name: "tags", Type: schema.Array},
		{Name: "count", Type: schema.Number},
	}, schema.Options{})
	c := newTestCollection(t, Options{IDType: ids.Mongo, Schema: s})

	born := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	inserted, err := c.InsertOne(docmodel.Document{
		"bornAt": born,
		"tags":   []interface{}{"a", "b"},
		"count":  float64(42),
	})
	require.NoError(t, err)
	id := inserted["_id"].(string)

	fresh := New("products", c.store, c.indexMgr, Options{IDType: ids.Mongo, Schema: s})
	require.NoError(t, fresh.Initialize())

	got, err := fresh.FindByID(id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []interface{}{"a", "b"}, got["tags"])
	assert.Equal(t, float64(42), got["count"])

	gotBorn, ok := got["bornAt"].(time.Time)
	require.True(t, ok, "schema must reconstruct the date field as time.Time on read")
	assert.Equal(t, born.UnixMilli(), gotBorn.UnixMilli())
}

func TestInvariant_CountEqualsDocumentOrderEqualsDirectoryCount(t *testing.T) {
	dir := t.TempDir()
	store := chunkstore.New(dir, 1<<20, false, 0)
	indexMgr := index.NewManager(dir)
	c := New("products", store, indexMgr, Options{IDType: ids.Mongo})
	require.NoError(t, c.Initialize())

	for _, name := range []string{"A", "B", "C"} {
		_, err := c.InsertOne(docmodel.Document{"name": name})
		require.NoError(t, err)
	}

	count, err := c.Count(nil)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Len(t, c.metadata.DocumentOrder, 3)

	entries, err := os.ReadDir(store.CollectionDir("products"))
	require.NoError(t, err)
	dirCount := 0
	for _, e := range entries {
		if e.IsDir() && e.Name()[0] != '_' {
			dirCount++
		}
	}
	assert.Equal(t, 3, dirCount)
}

func TestInvariant_DeleteThenFindByIDYieldsNilAndPositionNegativeOne(t *testing.T) {
	c := newTestCollection(t, Options{IDType: ids.Mongo})
	inserted, err := c.InsertOne(docmodel.Document{"name": "A"})
	require.NoError(t, err)
	id := inserted["_id"].(string)

	ok, err := c.DeleteByID(id)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := c.FindByID(id)
	require.NoError(t, err)
	assert.Nil(t, got)

	pos, err := c.GetPosition(id)
	require.NoError(t, err)
	assert.Equal(t, -1, pos)
}

func TestInvariant_UpdatePreservesIDAndCreatedAt(t *testing.T) {
	s := schema.New([]schema.FieldDef{{Name: "name", Type: schema.String}}, schema.Options{Timestamps: true})
	c := newTestCollection(t, Options{IDType: ids.Mongo, Schema: s})

	inserted, err := c.InsertOne(docmodel.Document{"name": "A"})
	require.NoError(t, err)
	id := inserted["_id"].(string)
	createdAt := inserted["_createdAt"]

	updated, err := c.UpdateByID(id, map[string]interface{}{"$set": map[string]interface{}{"name": "B"}})
	require.NoError(t, err)
	assert.Equal(t, id, updated["_id"])
	assert.Equal(t, createdAt, updated["_createdAt"])
}

func TestInvariant_StrictSchemaRejectsUnknownField(t *testing.T) {
	s := schema.New([]schema.FieldDef{{Name: "name", Type: schema.String}}, schema.Options{Strict: true})
	c := newTestCollection(t, Options{IDType: ids.Mongo, Schema: s})

	_, err := c.InsertOne(docmodel.Document{"name": "A", "extra": "nope"})
	require.Error(t, err)
	code, ok := dberr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, dberr.CodeInvalidField, code)
}

func TestInvariant_InsertDeleteInsertCycleDoesNotLeakFiles(t *testing.T) {
	dir := t.TempDir()
	store := chunkstore.New(dir, 1<<20, false, 0)
	indexMgr := index.NewManager(dir)
	c := New("products", store, indexMgr, Options{IDType: ids.Mongo})
	require.NoError(t, c.Initialize())

	inserted, err := c.InsertOne(docmodel.Document{"name": "A"})
	require.NoError(t, err)
	id := inserted["_id"].(string)

	ok, err := c.DeleteByID(id)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = os.Stat(store.DocDir("products", id))
	assert.True(t, os.IsNotExist(err))

	_, err = c.InsertOne(docmodel.Document{"_id": id, "name": "A again"})
	require.NoError(t, err)

	ok, err = c.DeleteByID(id)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = os.Stat(store.DocDir("products", id))
	assert.True(t, os.IsNotExist(err), "document directory must not exist after the second delete")
}

func stringsRepeat(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
