package tile

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// IsGzipped sniffs the gzip magic number.
func IsGzipped(data []byte) bool {
	return len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b
}

// Uncompress strips gzip compression. The magic number decides, since some
// stores label plain payloads as gzip. compressed reports whether anything
// was removed.
func Uncompress(data []byte) (out []byte, compressed bool, err error) {
	if !IsGzipped(data) {
		return data, false, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, false, fmt.Errorf("gunzip tile: %w", err)
	}
	defer zr.Close()
	out, err = io.ReadAll(zr)
	if err != nil {
		return nil, false, fmt.Errorf("gunzip tile: %w", err)
	}
	return out, true, nil
}

// Compress gzips data.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
