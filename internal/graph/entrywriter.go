package graph

import (
	"encoding/json"
	"io"

	"github.com/klauspost/compress/zstd"

	"tpindex/internal/compunit"
)

// EntryWriter streams entries as newline-delimited JSON, optionally
// behind zstd compression. Write errors are sticky and reported by Close.
type EntryWriter struct {
	enc    *json.Encoder
	zw     *zstd.Encoder
	err    error
	closed bool
}

// NewEntryWriter creates an uncompressed writer.
func NewEntryWriter(w io.Writer) *EntryWriter {
	return &EntryWriter{enc: json.NewEncoder(w)}
}

// NewCompressedEntryWriter creates a zstd-compressed writer.
func NewCompressedEntryWriter(w io.Writer) (*EntryWriter, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return nil, err
	}
	return &EntryWriter{enc: json.NewEncoder(zw), zw: zw}, nil
}

func (w *EntryWriter) emit(e Entry) {
	if w.err != nil || w.closed {
		return
	}
	w.err = w.enc.Encode(e)
}

// AddNode implements Recorder.
func (w *EntryWriter) AddNode(v compunit.VName, kind NodeKind) {
	w.emit(Entry{Source: v, FactName: string(nodeKindProperty), FactValue: []byte(kind)})
}

// AddProperty implements Recorder.
func (w *EntryWriter) AddProperty(v compunit.VName, p Property, value []byte) {
	w.emit(Entry{Source: v, FactName: string(p), FactValue: value})
}

// AddEdge implements Recorder.
func (w *EntryWriter) AddEdge(source compunit.VName, kind EdgeKind, target compunit.VName) {
	tgt := target
	w.emit(Entry{Source: source, EdgeKind: string(kind), Target: &tgt})
}

// Err returns the first write error, if any.
func (w *EntryWriter) Err() error {
	return w.err
}

// Close flushes the compressor, if one is in use, and returns the first
// error encountered.
func (w *EntryWriter) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	if w.zw != nil {
		if err := w.zw.Close(); err != nil && w.err == nil {
			w.err = err
		}
	}
	return w.err
}
