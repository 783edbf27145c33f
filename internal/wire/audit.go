package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"orko/marketbus/internal/marketdata"
)

// AuditRecord is one logged bus event: either a subscription-lifecycle
// transition or a forwarded market event. It exists purely for operator
// troubleshooting; nothing in the bus reads it back (spec.md Non-goal:
// durable persistence).
type AuditRecord struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Subject string    `json:"subject,omitempty"`
	Key     string    `json:"key,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// AuditWriter appends audit records to a file, one length-prefixed frame per
// record, each frame a compressed JSON line (snappy or zstd). It is
// best-effort and non-durable: Append returns a write failure to its
// caller, and the front door's session discards it, so it never fails the
// bus operation that triggered it.
type AuditWriter struct {
	mu         sync.Mutex
	file       *os.File
	compressor Compressor
}

// OpenAuditWriter opens (creating if necessary) path for append and wraps it
// with the named codec's compressor. codec selects between the
// per-frame snappy encoding the teacher's own event log uses and a
// zstd-backed path for operators trading a slower encoder for a smaller
// audit trail on high-churn subscription buses; an empty codec defaults to
// snappy.
func OpenAuditWriter(path, codec string) (*AuditWriter, error) {
	if path == "" {
		return nil, fmt.Errorf("audit path must be provided")
	}
	compressor, err := newAuditCompressor(codec)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &AuditWriter{file: file, compressor: compressor}, nil
}

func newAuditCompressor(codec string) (Compressor, error) {
	switch codec {
	case "", "snappy":
		return NewSnappyCompressor(), nil
	case "zstd":
		return NewZstdCompressor()
	default:
		return nil, fmt.Errorf("audit: unsupported codec %q", codec)
	}
}

// Append writes one audit record. It is safe for concurrent use.
func (w *AuditWriter) Append(record AuditRecord) error {
	if w == nil {
		return nil
	}
	if record.At.IsZero() {
		record.At = time.Now().UTC()
	}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	encoded, err := w.compressor.Compress(line)
	if err != nil {
		return err
	}
	length := make([]byte, 4)
	binary.LittleEndian.PutUint32(length, uint32(len(encoded)))
	if _, err := w.file.Write(length); err != nil {
		return err
	}
	_, err = w.file.Write(encoded)
	return err
}

// AppendKeyTransition logs a registry transition for a subscriber/key pair.
func (w *AuditWriter) AppendKeyTransition(subscriber string, key marketdata.Key, transition string) error {
	return w.Append(AuditRecord{Kind: "transition", Subject: subscriber, Key: key.String(), Detail: transition})
}

// Close flushes and releases the underlying file handle.
func (w *AuditWriter) Close() error {
	if w == nil || w.file == nil {
		return nil
	}
	return w.file.Close()
}
