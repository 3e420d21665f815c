package schema

import (
	"testing"
)

func TestParseDirectives(t *testing.T) {
	content := `# proto-file: some/dir/a.proto
# proto-message: pkg.M
# proto-import: some/dir/ext.proto
# proto-import: other.proto

my_field: "value"
`
	c := Parse(content)

	if got := c.ProtoFile.Text(content); got != "some/dir/a.proto" {
		t.Errorf("ProtoFile = %q, want %q", got, "some/dir/a.proto")
	}
	if got := c.ProtoMessage.Text(content); got != "pkg.M" {
		t.Errorf("ProtoMessage = %q, want %q", got, "pkg.M")
	}
	if len(c.ProtoImports) != 2 {
		t.Fatalf("len(ProtoImports) = %d, want 2", len(c.ProtoImports))
	}
	if got := c.ProtoImports[0].Text(content); got != "some/dir/ext.proto" {
		t.Errorf("ProtoImports[0] = %q, want %q", got, "some/dir/ext.proto")
	}
	if got := c.ProtoImports[1].Text(content); got != "other.proto" {
		t.Errorf("ProtoImports[1] = %q, want %q", got, "other.proto")
	}
}

func TestParseSpanOffsets(t *testing.T) {
	content := "# proto-message:   pkg.M  \nfield: 1\n"
	c := Parse(content)

	if c.ProtoMessage.IsZero() {
		t.Fatal("ProtoMessage span should be set")
	}
	// The span must reference the trimmed value in place.
	if got := content[c.ProtoMessage.Begin:c.ProtoMessage.End]; got != "pkg.M" {
		t.Errorf("span slice = %q, want %q", got, "pkg.M")
	}
	if c.ProtoMessage.Begin != 19 {
		t.Errorf("Begin = %d, want 19", c.ProtoMessage.Begin)
	}
}

func TestParseStopsAtFirstToken(t *testing.T) {
	content := "field: 1\n# proto-message: pkg.M\n"
	c := Parse(content)
	if !c.ProtoMessage.IsZero() {
		t.Error("directives after the first non-comment line must be ignored")
	}
}

func TestParseBlankLinesAllowed(t *testing.T) {
	content := "\n# proto-file: a.proto\n\n# proto-message: pkg.M\nf: 1\n"
	c := Parse(content)
	if got := c.ProtoFile.Text(content); got != "a.proto" {
		t.Errorf("ProtoFile = %q, want %q", got, "a.proto")
	}
	if got := c.ProtoMessage.Text(content); got != "pkg.M" {
		t.Errorf("ProtoMessage = %q, want %q", got, "pkg.M")
	}
}

func TestParseIndentedComment(t *testing.T) {
	content := "  #  proto-file:  a.proto\nf: 1\n"
	c := Parse(content)
	if got := c.ProtoFile.Text(content); got != "a.proto" {
		t.Errorf("ProtoFile = %q, want %q", got, "a.proto")
	}
}

func TestParseNoDirectives(t *testing.T) {
	content := "# just a comment\nf: 1\n"
	c := Parse(content)
	if !c.ProtoFile.IsZero() || !c.ProtoMessage.IsZero() || len(c.ProtoImports) != 0 {
		t.Errorf("no directives expected, got %+v", c)
	}
}
