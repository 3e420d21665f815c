package textformat

import (
	"context"
	"strings"
	"testing"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"tpindex/internal/slogutil"
	"tpindex/internal/srctree"
)

const testProto = `syntax = "proto3";
package pkg;

import "google/protobuf/any.proto";

enum Color {
  COLOR_UNSPECIFIED = 0;
  RED = 1;
  BLUE = 2;
}

message Inner {
  int32 f = 1;
}

message M {
  string my_string = 1;
  repeated int32 xs = 2;
  Inner inner = 3;
  repeated Inner inners = 4;
  google.protobuf.Any payload = 5;
  bool flag = 6;
  double ratio = 7;
  Color color = 8;
  bytes blob = 9;
  map<string, int32> counts = 10;
  int64 big = 11;
}
`

const testExtProto = `syntax = "proto2";
package pkg;

message Base {
  optional int32 id = 1;
  extensions 100 to 200;
}

extend Base {
  optional int32 ext = 100;
}
`

func compilePool(t *testing.T, src string) *srctree.Pool {
	t.Helper()
	tree := srctree.NewTree()
	if err := tree.AddFile("test.proto", []byte(src)); err != nil {
		t.Fatal(err)
	}
	pool, err := srctree.Compile(context.Background(), tree, []string{"test.proto"}, slogutil.NewDiscardLogger())
	if err != nil {
		t.Fatalf("proto compile failed: %v", err)
	}
	return pool
}

func parseText(t *testing.T, pool *srctree.Pool, msgName, input string) (protoreflect.Message, *ParseInfoTree) {
	t.Helper()
	desc, ok := pool.FindMessage(msgName)
	if !ok {
		t.Fatalf("message %s not found", msgName)
	}
	msg := dynamicpb.NewMessage(desc)
	tree := NewParseInfoTree()
	p := Parser{
		AllowPartial:           true,
		AllowUnknownExtensions: true,
		Resolver:               pool.Types(),
		InfoTree:               tree,
	}
	if err := p.Parse([]byte(input), msg); err != nil {
		t.Fatalf("Parse(%q) failed: %v", input, err)
	}
	return msg, tree
}

func field(t *testing.T, msg protoreflect.Message, name string) protoreflect.FieldDescriptor {
	t.Helper()
	fd := msg.Descriptor().Fields().ByName(protoreflect.Name(name))
	if fd == nil {
		t.Fatalf("field %s not found", name)
	}
	return fd
}

func TestParseScalarField(t *testing.T) {
	pool := compilePool(t, testProto)
	msg, tree := parseText(t, pool, "pkg.M", `my_string: "hello"`)

	fd := field(t, msg, "my_string")
	if got := msg.Get(fd).String(); got != "hello" {
		t.Errorf("my_string = %q, want hello", got)
	}
	loc := tree.GetLocation(fd, -1)
	if loc.Line != 0 || loc.Column != 0 {
		t.Errorf("location = %+v, want {0 0}", loc)
	}
}

func TestParseScalarKinds(t *testing.T) {
	pool := compilePool(t, testProto)
	input := "flag: true\nratio: -2.5\ncolor: BLUE\nblob: \"\\x01\\x02\"\nbig: -42\n"
	msg, _ := parseText(t, pool, "pkg.M", input)

	if !msg.Get(field(t, msg, "flag")).Bool() {
		t.Error("flag should be true")
	}
	if got := msg.Get(field(t, msg, "ratio")).Float(); got != -2.5 {
		t.Errorf("ratio = %v, want -2.5", got)
	}
	if got := msg.Get(field(t, msg, "color")).Enum(); got != 2 {
		t.Errorf("color = %v, want 2 (BLUE)", got)
	}
	if got := msg.Get(field(t, msg, "blob")).Bytes(); string(got) != "\x01\x02" {
		t.Errorf("blob = %v, want 0x01 0x02", got)
	}
	if got := msg.Get(field(t, msg, "big")).Int(); got != -42 {
		t.Errorf("big = %v, want -42", got)
	}
}

func TestParseEnumByNumber(t *testing.T) {
	pool := compilePool(t, testProto)
	msg, _ := parseText(t, pool, "pkg.M", "color: 1")
	if got := msg.Get(field(t, msg, "color")).Enum(); got != 1 {
		t.Errorf("color = %v, want 1", got)
	}
}

func TestParseStringConcatenation(t *testing.T) {
	pool := compilePool(t, testProto)
	msg, _ := parseText(t, pool, "pkg.M", `my_string: "foo" "bar"`)
	if got := msg.Get(field(t, msg, "my_string")).String(); got != "foobar" {
		t.Errorf("my_string = %q, want foobar", got)
	}
}

func TestParseRepeatedStandardSyntax(t *testing.T) {
	pool := compilePool(t, testProto)
	msg, tree := parseText(t, pool, "pkg.M", "xs: 1\nxs: 2\n")

	fd := field(t, msg, "xs")
	list := msg.Get(fd).List()
	if list.Len() != 2 {
		t.Fatalf("len(xs) = %d, want 2", list.Len())
	}

	// One location per textual occurrence.
	if got := tree.LocationCount(fd); got != 2 {
		t.Fatalf("LocationCount = %d, want 2", got)
	}
	if loc := tree.GetLocation(fd, 0); loc.Line != 0 || loc.Column != 0 {
		t.Errorf("location 0 = %+v, want {0 0}", loc)
	}
	if loc := tree.GetLocation(fd, 1); loc.Line != 1 || loc.Column != 0 {
		t.Errorf("location 1 = %+v, want {1 0}", loc)
	}
}

func TestParseRepeatedInlineSyntax(t *testing.T) {
	pool := compilePool(t, testProto)
	msg, tree := parseText(t, pool, "pkg.M", "xs: [1, 2, 3]")

	fd := field(t, msg, "xs")
	list := msg.Get(fd).List()
	if list.Len() != 3 {
		t.Fatalf("len(xs) = %d, want 3", list.Len())
	}
	if got := list.Get(2).Int(); got != 3 {
		t.Errorf("xs[2] = %d, want 3", got)
	}

	// The inline syntax has one field name: one location, later entries
	// report no location.
	if got := tree.LocationCount(fd); got != 1 {
		t.Fatalf("LocationCount = %d, want 1", got)
	}
	if loc := tree.GetLocation(fd, 1); loc.IsValid() {
		t.Errorf("location 1 = %+v, want absent", loc)
	}
}

func TestParseNestedMessage(t *testing.T) {
	pool := compilePool(t, testProto)
	msg, tree := parseText(t, pool, "pkg.M", "inner {\n  f: 7\n}\n")

	fd := field(t, msg, "inner")
	inner := msg.Get(fd).Message()
	ffd := inner.Descriptor().Fields().ByName("f")
	if got := inner.Get(ffd).Int(); got != 7 {
		t.Errorf("inner.f = %d, want 7", got)
	}

	sub := tree.GetTreeForNested(fd, -1)
	if sub == nil {
		t.Fatal("nested tree missing")
	}
	if loc := sub.GetLocation(ffd, -1); loc.Line != 1 || loc.Column != 2 {
		t.Errorf("inner.f location = %+v, want {1 2}", loc)
	}
}

func TestParseRepeatedMessagesInline(t *testing.T) {
	pool := compilePool(t, testProto)
	msg, tree := parseText(t, pool, "pkg.M", "inners: [{f: 1}, {f: 2}]")

	fd := field(t, msg, "inners")
	list := msg.Get(fd).List()
	if list.Len() != 2 {
		t.Fatalf("len(inners) = %d, want 2", list.Len())
	}
	if got := list.Get(1).Message().Get(list.Get(1).Message().Descriptor().Fields().ByName("f")).Int(); got != 2 {
		t.Errorf("inners[1].f = %d, want 2", got)
	}
	// One shared field name, but a nested tree per element.
	if got := tree.LocationCount(fd); got != 1 {
		t.Errorf("LocationCount = %d, want 1", got)
	}
	if got := tree.NestedCount(fd); got != 2 {
		t.Errorf("NestedCount = %d, want 2", got)
	}
}

func TestParseAngleBracketMessage(t *testing.T) {
	pool := compilePool(t, testProto)
	msg, _ := parseText(t, pool, "pkg.M", "inner <f: 3>")
	inner := msg.Get(field(t, msg, "inner")).Message()
	if got := inner.Get(inner.Descriptor().Fields().ByName("f")).Int(); got != 3 {
		t.Errorf("inner.f = %d, want 3", got)
	}
}

func TestParseMapField(t *testing.T) {
	pool := compilePool(t, testProto)
	msg, tree := parseText(t, pool, "pkg.M", "counts { key: \"a\" value: 1 }\ncounts { key: \"b\" value: 2 }\n")

	fd := field(t, msg, "counts")
	mp := msg.Get(fd).Map()
	if mp.Len() != 2 {
		t.Fatalf("len(counts) = %d, want 2", mp.Len())
	}
	if got := mp.Get(protoreflect.ValueOfString("b").MapKey()).Int(); got != 2 {
		t.Errorf("counts[b] = %d, want 2", got)
	}
	if got := tree.LocationCount(fd); got != 2 {
		t.Errorf("LocationCount = %d, want 2", got)
	}
	sub := tree.GetTreeForNested(fd, 1)
	if sub == nil {
		t.Fatal("nested tree for second entry missing")
	}
	keyFd := fd.Message().Fields().ByNumber(1)
	if loc := sub.GetLocation(keyFd, -1); loc.Line != 1 {
		t.Errorf("second entry key location line = %d, want 1", loc.Line)
	}
}

func TestParseExtension(t *testing.T) {
	pool := compilePool(t, testExtProto)
	msg, tree := parseText(t, pool, "pkg.Base", "[pkg.ext]: 5")

	xt, ok := pool.FindExtension("pkg.ext")
	if !ok {
		t.Fatal("pkg.ext not found")
	}
	fd := xt.TypeDescriptor()
	if got := msg.Get(fd).Int(); got != 5 {
		t.Errorf("ext = %d, want 5", got)
	}
	// The recorded location points at the opening bracket.
	if loc := tree.GetLocation(fd, -1); loc.Line != 0 || loc.Column != 0 {
		t.Errorf("extension location = %+v, want {0 0}", loc)
	}
}

func TestParseUnknownExtensionSkipped(t *testing.T) {
	pool := compilePool(t, testExtProto)
	msg, _ := parseText(t, pool, "pkg.Base", "[pkg.nope]: 5\nid: 3\n")
	if got := msg.Get(field(t, msg, "id")).Int(); got != 3 {
		t.Errorf("id = %d, want 3", got)
	}
}

func TestParseUnknownExtensionMessageSkipped(t *testing.T) {
	pool := compilePool(t, testExtProto)
	msg, _ := parseText(t, pool, "pkg.Base", "[pkg.nope] { a: 1 b { c: 2 } }\nid: 4\n")
	if got := msg.Get(field(t, msg, "id")).Int(); got != 4 {
		t.Errorf("id = %d, want 4", got)
	}
}

func TestParseUnknownExtensionRejectedWhenStrict(t *testing.T) {
	pool := compilePool(t, testExtProto)
	desc, _ := pool.FindMessage("pkg.Base")
	msg := dynamicpb.NewMessage(desc)
	p := Parser{AllowPartial: true, Resolver: pool.Types()}
	if err := p.Parse([]byte("[pkg.nope]: 5"), msg); err == nil {
		t.Error("unknown extension should fail without AllowUnknownExtensions")
	}
}

func TestParseAnyLiteral(t *testing.T) {
	pool := compilePool(t, testProto)
	msg, _ := parseText(t, pool, "pkg.M", `payload { [type.googleapis.com/pkg.Inner] { f: 9 } }`)

	payload := msg.Get(field(t, msg, "payload")).Message()
	typeURL := payload.Get(payload.Descriptor().Fields().ByName("type_url")).String()
	if typeURL != "type.googleapis.com/pkg.Inner" {
		t.Errorf("type_url = %q", typeURL)
	}
	value := payload.Get(payload.Descriptor().Fields().ByName("value")).Bytes()
	if len(value) == 0 {
		t.Fatal("Any value should be serialized")
	}

	innerDesc, _ := pool.FindMessage("pkg.Inner")
	inner := dynamicpb.NewMessage(innerDesc)
	if err := proto.Unmarshal(value, inner); err != nil {
		t.Fatalf("Any value does not decode: %v", err)
	}
	if got := inner.Get(innerDesc.Fields().ByName("f")).Int(); got != 9 {
		t.Errorf("inner.f = %d, want 9", got)
	}
}

func TestParseAnyLiteralUnknownType(t *testing.T) {
	pool := compilePool(t, testProto)
	msg, _ := parseText(t, pool, "pkg.M", `payload { [type.googleapis.com/pkg.Missing] { f: 9 } } flag: true`)

	payload := msg.Get(field(t, msg, "payload")).Message()
	typeURL := payload.Get(payload.Descriptor().Fields().ByName("type_url")).String()
	if typeURL != "type.googleapis.com/pkg.Missing" {
		t.Errorf("type_url = %q", typeURL)
	}
	if len(payload.Get(payload.Descriptor().Fields().ByName("value")).Bytes()) != 0 {
		t.Error("value should stay empty for an unresolvable Any type")
	}
	if !msg.Get(field(t, msg, "flag")).Bool() {
		t.Error("parsing should continue after the skipped Any body")
	}
}

func TestParseAnyDirectForm(t *testing.T) {
	pool := compilePool(t, testProto)
	msg, tree := parseText(t, pool, "pkg.M", "payload {\n  type_url: \"x/pkg.Inner\"\n  value: \"\"\n}\n")

	fd := field(t, msg, "payload")
	payload := msg.Get(fd).Message()
	if got := payload.Get(payload.Descriptor().Fields().ByName("type_url")).String(); got != "x/pkg.Inner" {
		t.Errorf("type_url = %q", got)
	}
	sub := tree.GetTreeForNested(fd, -1)
	if sub == nil {
		t.Fatal("nested tree missing")
	}
	tuFd := payload.Descriptor().Fields().ByName("type_url")
	if loc := sub.GetLocation(tuFd, -1); loc.Line != 1 {
		t.Errorf("type_url location line = %d, want 1", loc.Line)
	}
}

func TestParseCommentsIgnored(t *testing.T) {
	pool := compilePool(t, testProto)
	input := "# proto-message: pkg.M\n# another comment\nmy_string: \"v\"  # trailing\n"
	msg, tree := parseText(t, pool, "pkg.M", input)

	fd := field(t, msg, "my_string")
	if got := msg.Get(fd).String(); got != "v" {
		t.Errorf("my_string = %q, want v", got)
	}
	if loc := tree.GetLocation(fd, -1); loc.Line != 2 {
		t.Errorf("location line = %d, want 2", loc.Line)
	}
}

func TestParseUTF8Columns(t *testing.T) {
	pool := compilePool(t, testProto)
	// The two CJK characters are three bytes each but one column each:
	// "flag" sits at code-point column 16, byte offset 20.
	input := "my_string: \"日本\" flag: true\n"
	msg, tree := parseText(t, pool, "pkg.M", input)

	fd := field(t, msg, "flag")
	loc := tree.GetLocation(fd, -1)
	if loc.Line != 0 || loc.Column != 16 {
		t.Errorf("location = %+v, want {0 16}", loc)
	}
}

func TestParseSeparators(t *testing.T) {
	pool := compilePool(t, testProto)
	msg, _ := parseText(t, pool, "pkg.M", "flag: true; my_string: \"a\", big: 1")
	if !msg.Get(field(t, msg, "flag")).Bool() {
		t.Error("flag should be set")
	}
	if got := msg.Get(field(t, msg, "big")).Int(); got != 1 {
		t.Errorf("big = %d, want 1", got)
	}
}

func TestParseErrors(t *testing.T) {
	pool := compilePool(t, testProto)
	desc, _ := pool.FindMessage("pkg.M")

	tests := []struct {
		name  string
		input string
	}{
		{"unknown field", "nope: 1"},
		{"missing colon on scalar", "my_string \"x\""},
		{"unterminated message", "inner {"},
		{"unterminated string", "my_string: \"abc"},
		{"bad number", "big: zzz"},
		{"stray close brace", "}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Parser{AllowPartial: true, AllowUnknownExtensions: true, Resolver: pool.Types()}
			if err := p.Parse([]byte(tt.input), dynamicpb.NewMessage(desc)); err == nil {
				t.Errorf("Parse(%q) should fail", tt.input)
			}
		})
	}
}

func TestParseLargeUint64(t *testing.T) {
	src := strings.Replace(testProto, "int64 big = 11;", "uint64 big = 11;", 1)
	pool := compilePool(t, src)
	msg, _ := parseText(t, pool, "pkg.M", "big: 18446744073709551615")
	if got := msg.Get(field(t, msg, "big")).Uint(); got != 18446744073709551615 {
		t.Errorf("big = %d, want max uint64", got)
	}
}
