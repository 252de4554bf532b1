package core

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Only compress payloads larger than this
const compressionThreshold = 1024

// entry is the envelope written to the store for every cached value.
type entry struct {
	Data       []byte `json:"d"`
	Compressed bool   `json:"c,omitempty"`
}

// encode marshals v to JSON and wraps it, compressing when it pays off.
func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	e := entry{Data: data}
	if len(data) > compressionThreshold {
		if comp, err := compress(data); err == nil && len(comp) < len(data) {
			e.Data = comp
			e.Compressed = true
		}
	}
	return json.Marshal(e)
}

// decode unwraps an envelope into v.
func decode(raw []byte, v any) error {
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return err
	}

	data := e.Data
	if e.Compressed {
		var err error
		if data, err = decompress(e.Data); err != nil {
			return err
		}
	}
	return json.Unmarshal(data, v)
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
