// Package graph defines the fact vocabulary the analyzer emits and the
// recorder interface that receives it.
package graph

import (
	"tpindex/internal/compunit"
)

// NodeKind classifies a graph node.
type NodeKind string

const (
	// File is the textproto source file node.
	File NodeKind = "file"
	// Anchor is a byte range within a file.
	Anchor NodeKind = "anchor"
	// Diagnostic is an annotation attached to a file.
	Diagnostic NodeKind = "diagnostic"
)

// Property names a fact attached to a node.
type Property string

const (
	// Text carries the full source text of a file.
	Text Property = "/kythe/text"
	// LocationStart is an anchor's starting byte offset.
	LocationStart Property = "/kythe/loc/start"
	// LocationEnd is an anchor's ending byte offset.
	LocationEnd Property = "/kythe/loc/end"
	// DiagnosticMessage is a diagnostic's human-readable message.
	DiagnosticMessage Property = "/kythe/message"

	// nodeKindProperty carries the NodeKind fact.
	nodeKindProperty Property = "/kythe/node/kind"
)

// EdgeKind classifies a graph edge.
type EdgeKind string

const (
	// Ref asserts that an anchor refers to a schema entity.
	Ref EdgeKind = "/kythe/edge/ref"
	// Tagged attaches a diagnostic to a file.
	Tagged EdgeKind = "/kythe/edge/tagged"
)

// Recorder is the sink for emitted facts. Implementations must accept
// facts in any order; the analyzer calls it synchronously from one
// goroutine.
type Recorder interface {
	// AddNode asserts the kind of a node.
	AddNode(v compunit.VName, kind NodeKind)
	// AddProperty attaches a fact value to a node.
	AddProperty(v compunit.VName, p Property, value []byte)
	// AddEdge connects two nodes.
	AddEdge(source compunit.VName, kind EdgeKind, target compunit.VName)
}

// Entry is the serialized form of one fact: either a (source, factName,
// factValue) node fact or a (source, edgeKind, target) edge.
type Entry struct {
	Source    compunit.VName  `json:"source"`
	FactName  string          `json:"factName,omitempty"`
	FactValue []byte          `json:"factValue,omitempty"`
	EdgeKind  string          `json:"edgeKind,omitempty"`
	Target    *compunit.VName `json:"target,omitempty"`
}

// IsEdge reports whether the entry is an edge rather than a node fact.
func (e Entry) IsEdge() bool {
	return e.EdgeKind != ""
}

// MemoryRecorder collects entries in memory, in emission order.
type MemoryRecorder struct {
	Entries []Entry
}

// NewMemoryRecorder creates an empty in-memory recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

// AddNode implements Recorder.
func (r *MemoryRecorder) AddNode(v compunit.VName, kind NodeKind) {
	r.Entries = append(r.Entries, Entry{
		Source:    v,
		FactName:  string(nodeKindProperty),
		FactValue: []byte(kind),
	})
}

// AddProperty implements Recorder.
func (r *MemoryRecorder) AddProperty(v compunit.VName, p Property, value []byte) {
	r.Entries = append(r.Entries, Entry{
		Source:    v,
		FactName:  string(p),
		FactValue: value,
	})
}

// AddEdge implements Recorder.
func (r *MemoryRecorder) AddEdge(source compunit.VName, kind EdgeKind, target compunit.VName) {
	tgt := target
	r.Entries = append(r.Entries, Entry{
		Source:   source,
		EdgeKind: string(kind),
		Target:   &tgt,
	})
}

// NodesOfKind returns the VNames asserted to have the given kind.
func (r *MemoryRecorder) NodesOfKind(kind NodeKind) []compunit.VName {
	var out []compunit.VName
	for _, e := range r.Entries {
		if e.FactName == string(nodeKindProperty) && string(e.FactValue) == string(kind) {
			out = append(out, e.Source)
		}
	}
	return out
}

// EdgesOfKind returns the entries for edges of the given kind.
func (r *MemoryRecorder) EdgesOfKind(kind EdgeKind) []Entry {
	var out []Entry
	for _, e := range r.Entries {
		if e.EdgeKind == string(kind) {
			out = append(out, e)
		}
	}
	return out
}

// PropertyOf returns the fact value for (v, p), or false.
func (r *MemoryRecorder) PropertyOf(v compunit.VName, p Property) ([]byte, bool) {
	for _, e := range r.Entries {
		if e.Source == v && e.FactName == string(p) {
			return e.FactValue, true
		}
	}
	return nil, false
}

// Replay re-emits every collected entry into another recorder.
func (r *MemoryRecorder) Replay(dst Recorder) {
	for _, e := range r.Entries {
		switch {
		case e.IsEdge():
			dst.AddEdge(e.Source, EdgeKind(e.EdgeKind), *e.Target)
		case e.FactName == string(nodeKindProperty):
			dst.AddNode(e.Source, NodeKind(e.FactValue))
		default:
			dst.AddProperty(e.Source, Property(e.FactName), e.FactValue)
		}
	}
}
