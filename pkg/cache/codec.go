package cache

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/klauspost/compress/s2"

	apperrors "github.com/jordigilh/korean-flashcard-pipeline/internal/errors"
)

// Codec identifies the compression applied to a cached payload. Stored
// alongside the entry so a codec can be changed between runs without
// invalidating entries written under a previous one.
type Codec string

const (
	CodecNone Codec = "none"
	CodecLZ4  Codec = "lz4" // s2: a fast block format, the lz4-class default
	CodecGzip Codec = "gzip"
)

func (c Codec) valid() bool {
	switch c {
	case CodecNone, CodecLZ4, CodecGzip:
		return true
	default:
		return false
	}
}

// Compress encodes payload under the given codec.
func Compress(codec Codec, payload []byte) ([]byte, error) {
	switch codec {
	case CodecNone, "":
		return payload, nil
	case CodecLZ4:
		return s2.Encode(nil, payload), nil
	case CodecGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "gzip compress")
		}
		if err := w.Close(); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "gzip compress")
		}
		return buf.Bytes(), nil
	default:
		return nil, apperrors.Newf(apperrors.ErrorTypeValidation, "unknown cache codec %q", codec)
	}
}

// Decompress reverses Compress.
func Decompress(codec Codec, data []byte) ([]byte, error) {
	switch codec {
	case CodecNone, "":
		return data, nil
	case CodecLZ4:
		out, err := s2.Decode(nil, data)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "lz4 decompress")
		}
		return out, nil
	case CodecGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "gzip decompress")
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "gzip decompress")
		}
		return out, nil
	default:
		return nil, apperrors.Newf(apperrors.ErrorTypeValidation, "unknown cache codec %q", codec)
	}
}
