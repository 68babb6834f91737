// Package compress implements the byte-buffer compression contract every
// on-disk chunk is written through: compress(bytes) -> bytes and
// decompress(bytes) -> bytes, using a standard gzip-compatible format so
// chunks remain portable across readers that only speak plain gzip.
package compress

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/danielxceron/docudb/internal/dberr"
)

// Compress gzip-encodes data at the given level (gzip.DefaultCompression if
// level is 0).
func Compress(data []byte, level int) ([]byte, error) {
	if level == 0 {
		level = gzip.DefaultCompression
	}

	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeCompressError, "compress.Compress", err)
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, dberr.Wrap(dberr.CodeCompressError, "compress.Compress", err)
	}
	if err := w.Close(); err != nil {
		return nil, dberr.Wrap(dberr.CodeCompressError, "compress.Compress", err)
	}

	return buf.Bytes(), nil
}

// Decompress gzip-decodes data produced by Compress (or any standard gzip
// writer).
func Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeDecompressError, "compress.Decompress", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeDecompressError, "compress.Decompress", err)
	}

	return out, nil
}
