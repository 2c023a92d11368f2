package capture

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// Decompress decompresses body per the Content-Encoding header. Unlike the
// original implementation it was distilled from (which left deflate raw —
// see _examples/original_source/src-go/internal/proxy/proxy.go's
// decompressResponse), this tries raw DEFLATE first and falls back to
// zlib-wrapped DEFLATE, resolving spec §9's open question by actually
// decoding what it advertises in Accept-Encoding.
func Decompress(body []byte, contentEncoding string) ([]byte, error) {
	encoding := strings.ToLower(strings.TrimSpace(contentEncoding))

	switch {
	case encoding == "":
		return body, nil
	case strings.Contains(encoding, "gzip"):
		return decompressGzip(body)
	case strings.Contains(encoding, "br"):
		return decompressBrotli(body)
	case strings.Contains(encoding, "deflate"):
		return decompressDeflate(body)
	default:
		return body, nil
	}
}

func decompressGzip(body []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("open gzip reader: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func decompressBrotli(body []byte) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(body))
	return io.ReadAll(r)
}

func decompressDeflate(body []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(body))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err == nil {
		return out, nil
	}

	zr, zerr := zlib.NewReader(bytes.NewReader(body))
	if zerr != nil {
		return nil, fmt.Errorf("decode deflate (raw: %v, zlib: %w)", err, zerr)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
