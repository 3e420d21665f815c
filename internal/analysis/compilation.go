package analysis

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/protobuf/types/dynamicpb"

	"tpindex/internal/compunit"
	"tpindex/internal/errors"
	"tpindex/internal/graph"
	"tpindex/internal/protopath"
	"tpindex/internal/slogutil"
	"tpindex/internal/srctree"
	"tpindex/internal/textformat"
)

// parseProtoMessageArg finds and removes the --proto_message flag and its
// value from args, returning the value, the remaining arguments, and
// whether the flag was present with a value.
func parseProtoMessageArg(args []string) (string, []string, bool) {
	for i := 0; i < len(args); i++ {
		if args[i] != "--proto_message" {
			continue
		}
		if i+1 >= len(args) {
			return "", args, false
		}
		value := args[i+1]
		rest := append(append([]string{}, args[:i]...), args[i+2:]...)
		return value, rest, true
	}
	return "", args, false
}

// AnalyzeCompilationUnit analyzes one textproto compilation unit
// end-to-end: it loads the schema files into a descriptor pool, parses
// the textproto with location capture, and emits anchors, refs and file
// facts into the recorder. The call is synchronous and retains no state.
func AnalyzeCompilationUnit(ctx context.Context, unit *compunit.Unit, files []compunit.FileData, recorder graph.Recorder, logger *slog.Logger) error {
	if logger == nil {
		logger = slogutil.NewDiscardLogger()
	}

	if len(unit.SourceFile) != 1 {
		return errors.Newf(errors.FailedPrecondition, "expected unit to contain 1 source file, got %d", len(unit.SourceFile))
	}
	if len(files) < 2 {
		return errors.Newf(errors.FailedPrecondition, "must provide at least 2 files: a textproto and 1+ proto files")
	}

	textprotoName := unit.SourceFile[0]

	substitutions, args := protopath.ParseSubstitutions(unit.Argument)
	cache := protopath.NewCache()

	messageName, _, ok := parseProtoMessageArg(args)
	if !ok {
		return errors.Newf(errors.Unknown, "compilation unit arguments must specify --proto_message")
	}
	logger.Info("analyzing textproto", "path", textprotoName, "message", messageName)

	// Load all proto files into the in-memory source tree, registered
	// under their relative paths. Proto import statements resolve against
	// the search root, so presenting a file under both its full and
	// relative path would produce duplicate symbols.
	tree := srctree.NewTree()
	var relPaths []string
	var textprotoData *compunit.FileData
	for i := range files {
		file := &files[i]
		if file.Path == textprotoName {
			textprotoData = file
			continue
		}
		rel := protopath.FullToRelative(file.Path, substitutions, cache)
		if err := tree.AddFile(rel, file.Content); err != nil {
			return err
		}
		logger.Debug("added file to descriptor pool", "path", file.Path, "rel", rel)
		relPaths = append(relPaths, rel)
	}
	if textprotoData == nil {
		return errors.Newf(errors.NotFound, "couldn't find textproto source in file data")
	}

	pool, err := srctree.Compile(ctx, tree, relPaths, logger)
	if err != nil {
		return err
	}

	desc, found := pool.FindMessage(messageName)
	if !found {
		return errors.Newf(errors.NotFound, "unable to find proto message in descriptor pool: %s", messageName)
	}

	// Parse the textproto, recording input locations. Parser restrictions
	// are relaxed so a partially ill-defined proto still has its good
	// parts analyzed.
	msg := dynamicpb.NewMessage(desc)
	infoTree := textformat.NewParseInfoTree()
	parser := textformat.Parser{
		AllowPartial:           true,
		AllowUnknownExtensions: true,
		Resolver:               pool.Types(),
		InfoTree:               infoTree,
	}
	if err := parser.Parse(textprotoData.Content, msg); err != nil {
		return errors.New(errors.Unknown, "failed to parse text proto", err)
	}

	fileVName, found := unit.LookupVName(textprotoName)
	if !found {
		return errors.Newf(errors.NotFound, "unable to find vname for textproto: %s", textprotoName)
	}
	recorder.AddNode(fileVName, graph.File)
	recorder.AddProperty(fileVName, graph.Text, textprotoData.Content)

	content := string(textprotoData.Content)
	a := &analyzer{
		unit:      unit,
		recorder:  recorder,
		content:   content,
		lineIndex: textformat.NewLineIndex(content),
		cache:     cache,
		pool:      pool,
		logger:    logger,
	}

	if err := a.analyzeSchemaComments(fileVName, desc); err != nil {
		msg := fmt.Sprintf("Error analyzing schema comments: %v", err)
		logger.Error(msg)
		a.emitDiagnostic(fileVName, "schema_comments", msg)
	}

	return a.analyzeMessage(fileVName, msg, desc, infoTree)
}
