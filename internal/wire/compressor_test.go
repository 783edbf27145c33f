package wire

import "testing"

func TestSnappyCompressorRoundTrip(t *testing.T) {
	c := NewSnappyCompressor()
	original := []byte("the quick brown fox jumps over the lazy dog")

	encoded, err := c.Compress(original)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	decoded, err := c.Decompress(encoded)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(decoded) != string(original) {
		t.Fatalf("round trip mismatch: got %q", decoded)
	}
	if c.Name() != "snappy" {
		t.Fatalf("unexpected name %q", c.Name())
	}
}

func TestZstdCompressorRoundTrip(t *testing.T) {
	c, err := NewZstdCompressor()
	if err != nil {
		t.Fatalf("new zstd compressor: %v", err)
	}
	original := []byte(`{"instrument":"coinbase:BTC-USD","kind":"ticker"}`)

	encoded, err := c.Compress(original)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	decoded, err := c.Decompress(encoded)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(decoded) != string(original) {
		t.Fatalf("round trip mismatch: got %q", decoded)
	}
	if c.Name() != "zstd" {
		t.Fatalf("unexpected name %q", c.Name())
	}
}

func TestSnappyDecompressEmptyPayload(t *testing.T) {
	c := NewSnappyCompressor()
	if _, err := c.Decompress(nil); err == nil {
		t.Fatal("expected error decompressing empty payload")
	}
}
