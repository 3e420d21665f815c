// Package analysis walks a parsed textproto against its descriptor and
// parse-info tree, emitting anchor nodes and ref edges for every schema
// entity the source mentions.
package analysis

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"tpindex/internal/compunit"
	"tpindex/internal/errors"
	"tpindex/internal/graph"
	"tpindex/internal/protopath"
	"tpindex/internal/schema"
	"tpindex/internal/srctree"
	"tpindex/internal/textformat"
)

// LanguageName is the language component of every anchor VName.
const LanguageName = "textproto"

// protoLanguage is the language component of schema entity VNames.
const protoLanguage = "protobuf"

// Repeated fields have an actual index, non-repeated fields are always -1.
const nonRepeatedFieldIndex = -1

const anyFullName = "google.protobuf.Any"

// Type URL span recovery grammar: the rest of the field name with an
// optional colon and the open brace, any interleaved comment lines, then
// the bracketed URL with everything after its first slash captured.
var (
	anyPrefixRe  = regexp.MustCompile(`^[a-zA-Z0-9_]+:?\s*\{\s*`)
	anyCommentRe = regexp.MustCompile(`^\s*#.*\n*`)
	anyTypeURLRe = regexp.MustCompile(`^\s*\[\s*[^/]+/([^\s\]]+)\s*\]`)
)

// analyzer holds the state shared across one compilation unit walk. It
// borrows everything it references; nothing survives the call.
type analyzer struct {
	unit      *compunit.Unit
	recorder  graph.Recorder
	content   string
	lineIndex *textformat.LineIndex
	cache     *protopath.Cache
	pool      *srctree.Pool
	logger    *slog.Logger
}

func (a *analyzer) vnameForRelPath(rel string) (compunit.VName, bool) {
	return protopath.RelativeToVName(rel, a.unit, a.cache)
}

// vnameForDescriptor names a schema entity: the VName of its defining
// .proto file with the language switched to protobuf and the signature
// set to the entity's fully-qualified name.
func (a *analyzer) vnameForDescriptor(d protoreflect.Descriptor) (compunit.VName, error) {
	rel := d.ParentFile().Path()
	fileV, ok := a.vnameForRelPath(rel)
	if !ok {
		return compunit.VName{}, errors.Newf(errors.Unknown, "unable to lookup vname for rel path: %s", rel)
	}
	return compunit.VName{
		Signature: string(d.FullName()),
		Corpus:    fileV.Corpus,
		Root:      fileV.Root,
		Path:      fileV.Path,
		Language:  protoLanguage,
	}, nil
}

// analyzeMessage recursively analyzes the message and any submessages,
// emitting ref edges for all fields.
func (a *analyzer) analyzeMessage(fileVName compunit.VName, msg protoreflect.Message, desc protoreflect.MessageDescriptor, tree *textformat.ParseInfoTree) error {
	// Walk every declared field rather than only the set ones: proto3
	// scalars have no presence bit, so "set" is not observable for them.
	fields := desc.Fields()
	for i := 0; i < fields.Len(); i++ {
		fd := fields.Get(i)
		if fd.IsMap() {
			if err := a.analyzeMapField(fileVName, tree, fd); err != nil {
				return err
			}
			continue
		}
		if fd.IsList() {
			count := msg.Get(fd).List().Len()
			if count == 0 {
				continue
			}
			for j := 0; j < count; j++ {
				if err := a.analyzeField(fileVName, msg, tree, fd, j); err != nil {
					return err
				}
			}
			continue
		}
		if err := a.analyzeField(fileVName, msg, tree, fd, nonRepeatedFieldIndex); err != nil {
			return err
		}
	}

	// Extensions are not part of the declared field walk; enumerate the
	// set fields and pick them out. Sorted for deterministic emission.
	var exts []protoreflect.FieldDescriptor
	msg.Range(func(fd protoreflect.FieldDescriptor, _ protoreflect.Value) bool {
		if fd.IsExtension() {
			exts = append(exts, fd)
		}
		return true
	})
	sort.Slice(exts, func(i, j int) bool {
		return exts[i].FullName() < exts[j].FullName()
	})
	for _, fd := range exts {
		if fd.IsList() {
			count := msg.Get(fd).List().Len()
			for j := 0; j < count; j++ {
				if err := a.analyzeField(fileVName, msg, tree, fd, j); err != nil {
					return err
				}
			}
			continue
		}
		if err := a.analyzeField(fileVName, msg, tree, fd, nonRepeatedFieldIndex); err != nil {
			return err
		}
	}

	return nil
}

// analyzeField emits the anchor and ref for one occurrence of a field and
// recurses into message-typed values.
func (a *analyzer) analyzeField(fileVName compunit.VName, msg protoreflect.Message, tree *textformat.ParseInfoTree, fd protoreflect.FieldDescriptor, index int) error {
	loc := tree.GetLocation(fd, index)
	// Locations are zero-indexed; the line index is one-indexed. After
	// this, a zero line marks an absent location.
	loc.Line++

	addAnchorNode := true
	if loc.Line == 0 {
		switch {
		case index != nonRepeatedFieldIndex && index > 0:
			// The inline list syntax `f: [a, b, c]` has one field name for
			// several values; only the first entry carries a location. The
			// value is still analyzed.
			addAnchorNode = false
		case fd.IsExtension() || index != nonRepeatedFieldIndex:
			// A set extension or the first entry of a repeated field must
			// have a location.
			return errors.Newf(errors.Unknown,
				"failed to find location of field: %s. This is a bug in the textproto indexer.", fd.FullName())
		default:
			// Normal field with no location: simply not set.
			return nil
		}
	}

	if addAnchorNode {
		length := len(fd.Name())
		if fd.IsExtension() {
			length = len(fd.FullName())
			loc.Column++ // Skip leading "[" for extensions.
		}
		begin := a.lineIndex.ComputeByteOffset(loc.Line, loc.Column)
		end := begin + length
		anchor := a.createAndAddAnchorNode(fileVName, begin, end)

		fieldV, err := a.vnameForDescriptor(fd)
		if err != nil {
			return err
		}
		a.recorder.AddEdge(anchor, graph.Ref, fieldV)
	}

	if fd.Kind() == protoreflect.MessageKind || fd.Kind() == protoreflect.GroupKind {
		subtree := tree.GetTreeForNested(fd, index)
		if subtree == nil {
			subtree = textformat.NewParseInfoTree()
		}
		var sub protoreflect.Message
		if index == nonRepeatedFieldIndex {
			sub = msg.Get(fd).Message()
		} else {
			sub = msg.Get(fd).List().Get(index).Message()
		}
		subdesc := fd.Message()

		if subdesc.FullName() == anyFullName {
			// The field's own location marks where the Any type URL scan
			// starts.
			fieldLoc := textformat.ParseLocation{}
			if addAnchorNode {
				fieldLoc = loc
			}
			return a.analyzeAny(fileVName, sub, subdesc, subtree, fieldLoc)
		}
		return a.analyzeMessage(fileVName, sub, subdesc, subtree)
	}

	return nil
}

// analyzeMapField handles map fields, which reflection does not expose as
// repeated entry messages. Entries are walked in textual order via the
// parse-info tree; the entry values themselves are not needed for anchor
// emission, so recursion uses an empty entry message.
func (a *analyzer) analyzeMapField(fileVName compunit.VName, tree *textformat.ParseInfoTree, fd protoreflect.FieldDescriptor) error {
	count := tree.NestedCount(fd)
	for j := 0; j < count; j++ {
		loc := tree.GetLocation(fd, j)
		loc.Line++

		addAnchorNode := true
		if loc.Line == 0 {
			if j == 0 {
				return errors.Newf(errors.Unknown,
					"failed to find location of field: %s. This is a bug in the textproto indexer.", fd.FullName())
			}
			addAnchorNode = false
		}
		if addAnchorNode {
			begin := a.lineIndex.ComputeByteOffset(loc.Line, loc.Column)
			end := begin + len(fd.Name())
			anchor := a.createAndAddAnchorNode(fileVName, begin, end)
			fieldV, err := a.vnameForDescriptor(fd)
			if err != nil {
				return err
			}
			a.recorder.AddEdge(anchor, graph.Ref, fieldV)
		}

		subtree := tree.GetTreeForNested(fd, j)
		if subtree == nil {
			continue
		}
		entry := dynamicpb.NewMessage(fd.Message())
		if err := a.analyzeMessage(fileVName, entry, fd.Message(), subtree); err != nil {
			return err
		}
	}
	return nil
}

// analyzeAnyTypeURL recovers the byte span of an Any type URL by scanning
// forward from the Any field's own location, and emits its anchor. The
// second return value is false when the input used the direct
// type_url/value form (or no location is available), in which case the
// caller falls back to a plain message walk.
func (a *analyzer) analyzeAnyTypeURL(fileVName compunit.VName, fieldLoc textformat.ParseLocation) (compunit.VName, bool) {
	// A 1-indexed line of zero marks an absent location.
	if fieldLoc.Line == 0 {
		return compunit.VName{}, false
	}
	searchFrom := a.lineIndex.ComputeByteOffset(fieldLoc.Line, fieldLoc.Column)
	if searchFrom < 0 || searchFrom > len(a.content) {
		return compunit.VName{}, false
	}

	sp := a.content[searchFrom:]
	base := searchFrom

	// Consume the rest of the field name, optional colon and open brace.
	m := anyPrefixRe.FindStringIndex(sp)
	if m == nil {
		return compunit.VName{}, false
	}
	sp = sp[m[1]:]
	base += m[1]

	// Consume any comment lines before "[type_url]".
	for {
		c := anyCommentRe.FindStringIndex(sp)
		if c == nil || c[1] == 0 {
			break
		}
		sp = sp[c[1]:]
		base += c[1]
	}

	g := anyTypeURLRe.FindStringSubmatchIndex(sp)
	if g == nil {
		return compunit.VName{}, false
	}
	begin := base + g[2]
	end := base + g[3]
	return a.createAndAddAnchorNode(fileVName, begin, end), true
}

// protoMessageNameFromAnyTypeURL turns "type.googleapis.com/pkg.Msg" into
// "pkg.Msg". Without a slash the whole string is returned.
func protoMessageNameFromAnyTypeURL(typeURL string) string {
	return typeURL[strings.LastIndexByte(typeURL, '/')+1:]
}

// analyzeAny handles a google.protobuf.Any submessage. The text parser
// serialized the contained message into the Any's value bytes, losing its
// parse locations; the type URL span is recovered by regex, the value is
// decoded into a fresh dynamic message, and that message is analyzed with
// an empty tree. Only the type URL gets a ref.
func (a *analyzer) analyzeAny(fileVName compunit.VName, msg protoreflect.Message, desc protoreflect.MessageDescriptor, tree *textformat.ParseInfoTree, fieldLoc textformat.ParseLocation) error {
	typeURLAnchor, ok := a.analyzeAnyTypeURL(fileVName, fieldLoc)
	if !ok {
		// Direct-form Any: type_url and value appear as ordinary fields
		// with ordinary locations.
		return a.analyzeMessage(fileVName, msg, desc, tree)
	}

	typeURLFd := desc.Fields().ByName("type_url")
	valueFd := desc.Fields().ByName("value")
	if typeURLFd == nil || valueFd == nil {
		return errors.Newf(errors.Unknown, "unable to get field descriptors for Any")
	}

	typeURL := msg.Get(typeURLFd).String()
	msgName := protoMessageNameFromAnyTypeURL(typeURL)
	msgDesc, found := a.pool.FindMessage(msgName)
	if !found {
		// Failure to include the descriptor for an Any shouldn't stop the
		// rest of the file from being indexed.
		a.logger.Error("unable to find descriptor for message", "name", msgName)
		return nil
	}

	msgVName, err := a.vnameForDescriptor(msgDesc)
	if err != nil {
		return err
	}
	a.recorder.AddEdge(typeURLAnchor, graph.Ref, msgVName)

	valueBytes := msg.Get(valueFd).Bytes()
	if len(valueBytes) == 0 {
		return nil
	}
	inner, err := a.pool.UnmarshalDynamic(msgDesc, valueBytes)
	if err != nil {
		return errors.Newf(errors.Unknown, "unable to parse Any.value bytes into a %s message", msgName)
	}

	// There is no carried-over location information for the inner fields,
	// so they all appear unset.
	return a.analyzeMessage(fileVName, inner, msgDesc, textformat.NewParseInfoTree())
}

// analyzeSchemaComments emits anchors and refs for the proto-file,
// proto-message and proto-import directives in the leading comments.
func (a *analyzer) analyzeSchemaComments(fileVName compunit.VName, msgDesc protoreflect.MessageDescriptor) error {
	comments := schema.Parse(a.content)

	if !comments.ProtoMessage.IsZero() {
		anchor := a.createAndAddAnchorNode(fileVName, comments.ProtoMessage.Begin, comments.ProtoMessage.End)
		msgVName, err := a.vnameForDescriptor(msgDesc)
		if err != nil {
			return err
		}
		a.recorder.AddEdge(anchor, graph.Ref, msgVName)
	}

	protoFiles := append([]schema.Span{}, comments.ProtoImports...)
	if !comments.ProtoFile.IsZero() {
		protoFiles = append(protoFiles, comments.ProtoFile)
	}
	for _, span := range protoFiles {
		anchor := a.createAndAddAnchorNode(fileVName, span.Begin, span.End)
		rel := span.Text(a.content)
		v, ok := a.vnameForRelPath(rel)
		if !ok {
			return errors.Newf(errors.Unknown, "unable to lookup vname for rel path: %s", rel)
		}
		a.recorder.AddEdge(anchor, graph.Ref, v)
	}

	return nil
}

// createAndAddAnchorNode emits a content-addressed anchor over
// [begin, end) in the file.
func (a *analyzer) createAndAddAnchorNode(fileVName compunit.VName, begin, end int) compunit.VName {
	anchor := fileVName
	anchor.Language = LanguageName
	anchor.Signature = fmt.Sprintf("@%d:%d", begin, end)

	a.recorder.AddNode(anchor, graph.Anchor)
	a.recorder.AddProperty(anchor, graph.LocationStart, []byte(strconv.Itoa(begin)))
	a.recorder.AddProperty(anchor, graph.LocationEnd, []byte(strconv.Itoa(end)))

	return anchor
}

// emitDiagnostic attaches a diagnostic node to the file via a tagged edge.
func (a *analyzer) emitDiagnostic(fileVName compunit.VName, signature, msg string) {
	dn := fileVName
	dn.Signature = signature
	a.recorder.AddNode(dn, graph.Diagnostic)
	a.recorder.AddProperty(dn, graph.DiagnosticMessage, []byte(msg))

	a.recorder.AddEdge(fileVName, graph.Tagged, dn)
}
