package ws

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// gzip magic bytes per RFC 1952.
const (
	gzipID1 = 0x1f
	gzipID2 = 0x8b
)

// InflateGzip decompresses a gzip frame, passing non-gzip frames through
// untouched. Bingx delivers all data frames gzip-compressed but control
// frames occasionally arrive as plain text.
func InflateGzip(frame []byte) ([]byte, error) {
	if len(frame) < 2 || frame[0] != gzipID1 || frame[1] != gzipID2 {
		return frame, nil
	}
	reader, err := gzip.NewReader(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer func() { _ = reader.Close() }()
	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("gzip inflate: %w", err)
	}
	return out, nil
}
