// Package srctree holds proto schema sources in memory and compiles them
// into a descriptor pool.
package srctree

import (
	"bytes"
	"context"
	"io"
	"log/slog"

	"github.com/bufbuild/protocompile"
	"github.com/bufbuild/protocompile/reporter"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/dynamicpb"

	"tpindex/internal/errors"
)

// Tree is an in-memory proto source file system. Files are registered
// under the search-path-relative paths that import statements resolve
// against; registering the same file under two paths would make the
// compiler see duplicate symbols.
type Tree struct {
	files map[string][]byte
}

// NewTree creates an empty source tree.
func NewTree() *Tree {
	return &Tree{files: make(map[string][]byte)}
}

// AddFile registers content under path. Duplicate registrations are an
// error.
func (t *Tree) AddFile(path string, content []byte) error {
	if _, ok := t.files[path]; ok {
		return errors.Newf(errors.Unknown, "unable to add file to source tree: duplicate path %s", path)
	}
	t.files[path] = content
	return nil
}

// Paths returns the registered paths in unspecified order.
func (t *Tree) Paths() []string {
	paths := make([]string, 0, len(t.files))
	for p := range t.files {
		paths = append(paths, p)
	}
	return paths
}

// open serves file contents to the compiler.
func (t *Tree) open(path string) (io.ReadCloser, error) {
	content, ok := t.files[path]
	if !ok {
		return nil, errors.Newf(errors.NotFound, "file not in source tree: %s", path)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

// Pool is an immutable descriptor pool built from a source tree. It
// resolves top-level messages, extensions, and the message types named by
// google.protobuf.Any type URLs.
type Pool struct {
	files *protoregistry.Files
	types *dynamicpb.Types
}

// Compile builds a descriptor pool from the given relative paths. Errors
// from individual files are logged rather than aborting the compile, but
// any failed file fails the pool as a whole, naming the first file that
// could not be imported.
func Compile(ctx context.Context, tree *Tree, relPaths []string, logger *slog.Logger) (*Pool, error) {
	var failed string
	rep := reporter.NewReporter(
		func(err reporter.ErrorWithPos) error {
			pos := err.GetPosition()
			logger.Error("proto import error",
				"file", pos.Filename, "line", pos.Line, "col", pos.Col, "err", err.Unwrap())
			if failed == "" {
				failed = pos.Filename
			}
			return nil
		},
		func(err reporter.ErrorWithPos) {
			pos := err.GetPosition()
			logger.Warn("proto import warning",
				"file", pos.Filename, "line", pos.Line, "col", pos.Col, "err", err.Unwrap())
		},
	)

	compiler := protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(&protocompile.SourceResolver{
			Accessor: tree.open,
		}),
		Reporter: rep,
	}

	compiled, err := compiler.Compile(ctx, relPaths...)
	if err != nil {
		if failed == "" && len(relPaths) > 0 {
			failed = relPaths[0]
		}
		return nil, errors.New(errors.Unknown, "error importing proto file: "+failed, err)
	}

	reg := new(protoregistry.Files)
	var register func(fd protoreflect.FileDescriptor) error
	register = func(fd protoreflect.FileDescriptor) error {
		if _, err := reg.FindFileByPath(fd.Path()); err == nil {
			return nil
		}
		imports := fd.Imports()
		for i := 0; i < imports.Len(); i++ {
			if err := register(imports.Get(i).FileDescriptor); err != nil {
				return err
			}
		}
		return reg.RegisterFile(fd)
	}
	for _, fd := range compiled {
		if err := register(fd); err != nil {
			return nil, errors.New(errors.Unknown, "error registering descriptors", err)
		}
	}

	return &Pool{files: reg, types: dynamicpb.NewTypes(reg)}, nil
}

// FindMessage looks up a message descriptor by fully-qualified name.
func (p *Pool) FindMessage(name string) (protoreflect.MessageDescriptor, bool) {
	mt, err := p.types.FindMessageByName(protoreflect.FullName(name))
	if err != nil {
		return nil, false
	}
	return mt.Descriptor(), true
}

// FindExtension looks up an extension field by fully-qualified name.
func (p *Pool) FindExtension(name string) (protoreflect.ExtensionType, bool) {
	xt, err := p.types.FindExtensionByName(protoreflect.FullName(name))
	if err != nil {
		return nil, false
	}
	return xt, true
}

// UnmarshalDynamic decodes wire bytes into a fresh dynamic message of the
// given descriptor, resolving nested types against the pool.
func (p *Pool) UnmarshalDynamic(desc protoreflect.MessageDescriptor, data []byte) (protoreflect.Message, error) {
	msg := dynamicpb.NewMessage(desc)
	opts := proto.UnmarshalOptions{Resolver: p.types, AllowPartial: true}
	if err := opts.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Types exposes the pool as a type resolver for proto unmarshaling.
func (p *Pool) Types() *dynamicpb.Types {
	return p.types
}

// Files exposes the underlying file registry.
func (p *Pool) Files() *protoregistry.Files {
	return p.files
}
