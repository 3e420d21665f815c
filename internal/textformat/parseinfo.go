package textformat

import (
	"google.golang.org/protobuf/reflect/protoreflect"
)

// ParseLocation is a zero-indexed source position. A line of -1 marks an
// absent location.
type ParseLocation struct {
	Line   int
	Column int
}

// NoLocation is returned for fields the parser never saw.
var NoLocation = ParseLocation{Line: -1, Column: -1}

// IsValid reports whether the location refers to a real source position.
func (l ParseLocation) IsValid() bool {
	return l.Line >= 0
}

// ParseInfoTree records, per (field, occurrence index), the source
// location of the field name and, for message-typed fields, the tree of
// the nested message. Repeated fields written with the inline list syntax
// get a single location for the shared field name but one nested tree per
// element.
type ParseInfoTree struct {
	locations map[protoreflect.FullName][]ParseLocation
	nested    map[protoreflect.FullName][]*ParseInfoTree
}

// NewParseInfoTree creates an empty tree.
func NewParseInfoTree() *ParseInfoTree {
	return &ParseInfoTree{
		locations: make(map[protoreflect.FullName][]ParseLocation),
		nested:    make(map[protoreflect.FullName][]*ParseInfoTree),
	}
}

// RecordLocation appends a location for one textual occurrence of the
// field name.
func (t *ParseInfoTree) RecordLocation(fd protoreflect.FieldDescriptor, loc ParseLocation) {
	name := fd.FullName()
	t.locations[name] = append(t.locations[name], loc)
}

// GetLocation returns the recorded location for the index-th occurrence
// of the field. Index -1 addresses the first occurrence, for non-repeated
// fields. Unrecorded (field, index) pairs yield NoLocation.
func (t *ParseInfoTree) GetLocation(fd protoreflect.FieldDescriptor, index int) ParseLocation {
	if index == -1 {
		index = 0
	}
	locs := t.locations[fd.FullName()]
	if index < 0 || index >= len(locs) {
		return NoLocation
	}
	return locs[index]
}

// LocationCount returns the number of textual occurrences recorded for
// the field.
func (t *ParseInfoTree) LocationCount(fd protoreflect.FieldDescriptor) int {
	return len(t.locations[fd.FullName()])
}

// NestedCount returns the number of nested subtrees recorded for the
// field, one per message-typed element.
func (t *ParseInfoTree) NestedCount(fd protoreflect.FieldDescriptor) int {
	return len(t.nested[fd.FullName()])
}

// CreateNested appends and returns a fresh subtree for the next
// message-typed element of the field.
func (t *ParseInfoTree) CreateNested(fd protoreflect.FieldDescriptor) *ParseInfoTree {
	sub := NewParseInfoTree()
	name := fd.FullName()
	t.nested[name] = append(t.nested[name], sub)
	return sub
}

// GetTreeForNested returns the subtree for the index-th element of the
// field, or nil. Index -1 addresses the first element.
func (t *ParseInfoTree) GetTreeForNested(fd protoreflect.FieldDescriptor, index int) *ParseInfoTree {
	if index == -1 {
		index = 0
	}
	trees := t.nested[fd.FullName()]
	if index < 0 || index >= len(trees) {
		return nil
	}
	return trees[index]
}
