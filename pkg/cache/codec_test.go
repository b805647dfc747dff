package cache

import (
	"bytes"
	"testing"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	payload := []byte(`{"term":"안녕하세요","meaning":"hello"}`)

	for _, codec := range []Codec{CodecNone, CodecLZ4, CodecGzip} {
		compressed, err := Compress(codec, payload)
		if err != nil {
			t.Fatalf("Compress(%s): %v", codec, err)
		}
		out, err := Decompress(codec, compressed)
		if err != nil {
			t.Fatalf("Decompress(%s): %v", codec, err)
		}
		if !bytes.Equal(out, payload) {
			t.Errorf("codec %s: round trip mismatch, got %q want %q", codec, out, payload)
		}
	}
}

func TestCompressUnknownCodec(t *testing.T) {
	if _, err := Compress(Codec("bogus"), []byte("x")); err == nil {
		t.Errorf("Compress with unknown codec should error")
	}
}

func TestCodecValid(t *testing.T) {
	for _, c := range []Codec{CodecNone, CodecLZ4, CodecGzip} {
		if !c.valid() {
			t.Errorf("Codec %s should be valid", c)
		}
	}
	if Codec("nope").valid() {
		t.Errorf("Codec \"nope\" should be invalid")
	}
}
