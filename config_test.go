package docudb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielxceron/docudb/internal/ids"
)

func TestLoadConfig_OverlaysOntoBase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docudb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chunkSize: 4096\nidType: uuid\ncompression: false\n"), 0o644))

	base := DefaultConfig(dir)
	cfg, err := LoadConfig(path, base)
	require.NoError(t, err)

	assert.Equal(t, 4096, cfg.ChunkSize)
	assert.Equal(t, ids.UUID, cfg.IDType)
	assert.False(t, cfg.Compression)
	assert.Equal(t, dir, cfg.DataDir, "dataDir absent from the file must keep base's value")
}

func TestLoadConfig_MissingFileErrors(t *testing.T) {
	base := DefaultConfig(t.TempDir())
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"), base)
	require.Error(t, err)
}
