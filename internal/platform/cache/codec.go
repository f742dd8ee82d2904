package cache

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// CompressionThreshold is the serialized-payload size above which entries
// are gzip-compressed before storage.
const CompressionThreshold = 1024

// Entry is the stored cache value: the serialized alert list plus metadata.
// Compression is transparent to callers; only Encode/Decode deal with it.
type Entry struct {
	StoredAt   time.Time `json:"stored_at"`
	TTLClass   string    `json:"ttl_class"`
	Compressed bool      `json:"compressed"`
	Payload    []byte    `json:"payload"`
}

// Encode wraps payload in an Entry envelope, compressing it when it exceeds
// CompressionThreshold.
func Encode(payload []byte, ttlClass string, now time.Time) ([]byte, error) {
	e := Entry{
		StoredAt: now.UTC(),
		TTLClass: ttlClass,
		Payload:  payload,
	}

	if len(payload) > CompressionThreshold {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, fmt.Errorf("compress payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("compress payload: %w", err)
		}
		e.Compressed = true
		e.Payload = buf.Bytes()
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal cache entry: %w", err)
	}
	return raw, nil
}

// Decode unwraps a stored Entry, decompressing the payload if needed, and
// returns the original payload plus the envelope metadata.
func Decode(raw []byte) ([]byte, *Entry, error) {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, nil, fmt.Errorf("unmarshal cache entry: %w", err)
	}

	if !e.Compressed {
		return e.Payload, &e, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(e.Payload))
	if err != nil {
		return nil, nil, fmt.Errorf("decompress payload: %w", err)
	}
	defer zr.Close()

	payload, err := io.ReadAll(zr)
	if err != nil {
		return nil, nil, fmt.Errorf("decompress payload: %w", err)
	}
	return payload, &e, nil
}
