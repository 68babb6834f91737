package compress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompress_RoundTrip(t *testing.T) {
	original := []byte(`{"name":"Laptop","price":1000,"stock":5}`)

	compressed, err := Compress(original, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, compressed)

	decompressed, err := Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, original, decompressed)
}

func TestCompress_EmptyInput(t *testing.T) {
	compressed, err := Compress(nil, 0)
	require.NoError(t, err)

	decompressed, err := Decompress(compressed)
	require.NoError(t, err)
	assert.Empty(t, decompressed)
}

func TestDecompress_InvalidData(t *testing.T) {
	_, err := Decompress([]byte("not gzip data"))
	assert.Error(t, err)
}

func TestCompress_LargePayload(t *testing.T) {
	original := make([]byte, 100000)
	for i := range original {
		original[i] = byte(i % 251)
	}

	compressed, err := Compress(original, 9)
	require.NoError(t, err)

	decompressed, err := Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, original, decompressed)
}
