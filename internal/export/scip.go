// Package export converts a collected fact stream into a SCIP index so
// textproto cross-references can be consumed by SCIP-based tooling.
package export

import (
	"fmt"
	"os"
	"strings"

	scippb "github.com/sourcegraph/scip/bindings/go/scip"
	"google.golang.org/protobuf/proto"

	"tpindex/internal/compunit"
	"tpindex/internal/graph"
	"tpindex/internal/version"
)

// anchorSpan is a decoded anchor: its byte range within the file.
type anchorSpan struct {
	begin int
	end   int
}

// Convert builds a SCIP index from the entries of one analyzer run. Each
// ref edge from an anchor becomes an occurrence in the textproto's
// document; the target VName is rendered as the occurrence symbol.
func Convert(rec *graph.MemoryRecorder) (*scippb.Index, error) {
	fileNodes := rec.NodesOfKind(graph.File)
	if len(fileNodes) != 1 {
		return nil, fmt.Errorf("expected exactly 1 file node, got %d", len(fileNodes))
	}
	fileVName := fileNodes[0]
	text, ok := rec.PropertyOf(fileVName, graph.Text)
	if !ok {
		return nil, fmt.Errorf("file node has no text fact")
	}

	anchors := make(map[compunit.VName]anchorSpan)
	for _, v := range rec.NodesOfKind(graph.Anchor) {
		begin, okB := rec.PropertyOf(v, graph.LocationStart)
		end, okE := rec.PropertyOf(v, graph.LocationEnd)
		if !okB || !okE {
			continue
		}
		span := anchorSpan{begin: atoi(begin), end: atoi(end)}
		if span.begin < 0 || span.end > len(text) || span.begin > span.end {
			continue
		}
		anchors[v] = span
	}

	lineStarts := computeLineStarts(text)

	doc := &scippb.Document{
		Language:     "textproto",
		RelativePath: fileVName.Path,
	}
	symbols := make(map[string]bool)
	for _, e := range rec.EdgesOfKind(graph.Ref) {
		span, ok := anchors[e.Source]
		if !ok {
			continue
		}
		symbol := symbolForVName(*e.Target)
		doc.Occurrences = append(doc.Occurrences, &scippb.Occurrence{
			Range:  scipRange(lineStarts, span),
			Symbol: symbol,
		})
		if !symbols[symbol] {
			symbols[symbol] = true
			doc.Symbols = append(doc.Symbols, &scippb.SymbolInformation{Symbol: symbol})
		}
	}

	return &scippb.Index{
		Metadata: &scippb.Metadata{
			Version: scippb.ProtocolVersion_UnspecifiedProtocolVersion,
			ToolInfo: &scippb.ToolInfo{
				Name:    "tpindex",
				Version: version.Version,
			},
			ProjectRoot:          "file:///",
			TextDocumentEncoding: scippb.TextEncoding_UTF8,
		},
		Documents: []*scippb.Document{doc},
	}, nil
}

// Write converts the collected entries and writes the marshaled SCIP
// index to path.
func Write(path string, rec *graph.MemoryRecorder) error {
	index, err := Convert(rec)
	if err != nil {
		return err
	}
	data, err := proto.Marshal(index)
	if err != nil {
		return fmt.Errorf("failed to marshal SCIP index: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// symbolForVName renders a VName as a SCIP symbol string. The corpus maps
// to the package name and the signature to a single descriptor.
func symbolForVName(v compunit.VName) string {
	corpus := v.Corpus
	if corpus == "" {
		corpus = "."
	}
	sig := v.Signature
	if sig == "" {
		sig = v.Path
	}
	// scheme manager package-name version descriptor
	return fmt.Sprintf("tpindex kythe %s . %s#", corpus, strings.ReplaceAll(sig, " ", "_"))
}

// scipRange converts a byte span to SCIP's [startLine, startChar,
// endLine, endChar] form, or to [startLine, startChar, endChar] when the
// span starts and ends on the same line.
func scipRange(lineStarts []int, span anchorSpan) []int32 {
	startLine, startChar := lineCol(lineStarts, span.begin)
	endLine, endChar := lineCol(lineStarts, span.end)
	if startLine == endLine {
		return []int32{int32(startLine), int32(startChar), int32(endChar)}
	}
	return []int32{int32(startLine), int32(startChar), int32(endLine), int32(endChar)}
}

func computeLineStarts(text []byte) []int {
	starts := []int{0}
	for i, b := range text {
		if b == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

func lineCol(lineStarts []int, offset int) (line, col int) {
	line = 0
	for i, s := range lineStarts {
		if s > offset {
			break
		}
		line = i
	}
	return line, offset - lineStarts[line]
}

func atoi(b []byte) int {
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int(c-'0')
	}
	return n
}
