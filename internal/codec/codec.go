// Package codec transparently decodes HTTP body Content-Encoding so stored
// flows hold readable text instead of compressed bytes.
package codec

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// Decode decompresses body according to encoding (the value of a
// Content-Encoding header). On any decode failure, or for an encoding it
// doesn't recognize, it returns the original bytes unchanged rather than
// erroring — callers store best-effort text, not a guaranteed decode.
func Decode(body []byte, encoding string) []byte {
	encoding = strings.ToLower(strings.TrimSpace(encoding))
	switch encoding {
	case "", "identity":
		return body
	case "gzip", "x-gzip":
		return decodeOrOriginal(body, func(r io.Reader) (io.Reader, error) {
			return gzip.NewReader(r)
		})
	case "deflate":
		return decodeOrOriginal(body, func(r io.Reader) (io.Reader, error) {
			return flate.NewReader(r), nil
		})
	case "br":
		return decodeOrOriginal(body, func(r io.Reader) (io.Reader, error) {
			return brotli.NewReader(r), nil
		})
	case "zstd":
		return decodeOrOriginal(body, func(r io.Reader) (io.Reader, error) {
			dec, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return dec.IOReadCloser(), nil
		})
	default:
		return body
	}
}

// DecodeAll decodes a Content-Encoding header that may list multiple,
// comma-separated tokens (e.g. "gzip, br"). Per HTTP semantics the tokens
// describe encodings applied in order, so decoding undoes them right-to-left.
func DecodeAll(body []byte, encoding string) []byte {
	tokens := strings.Split(encoding, ",")
	for i := len(tokens) - 1; i >= 0; i-- {
		tok := strings.TrimSpace(tokens[i])
		if tok == "" {
			continue
		}
		body = Decode(body, tok)
	}
	return body
}

func decodeOrOriginal(body []byte, newReader func(io.Reader) (io.Reader, error)) []byte {
	r, err := newReader(bytes.NewReader(body))
	if err != nil {
		return body
	}
	if closer, ok := r.(io.Closer); ok {
		defer closer.Close()
	}
	out, err := io.ReadAll(r)
	if err != nil && len(out) == 0 {
		return body
	}
	return out
}
