// Package textformat parses human-authored textproto input into a dynamic
// message while recording the source location of every field occurrence in
// a ParseInfoTree. The standard prototext codec discards positions, which
// the indexer needs, so the parsing is done here.
package textformat

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

const anyFullName = "google.protobuf.Any"

// Resolver looks up the message and extension types the input may
// reference. *dynamicpb.Types satisfies it.
type Resolver interface {
	FindMessageByName(name protoreflect.FullName) (protoreflect.MessageType, error)
	FindExtensionByName(field protoreflect.FullName) (protoreflect.ExtensionType, error)
}

// Parser parses text-format protos.
type Parser struct {
	// AllowPartial tolerates unset required fields.
	AllowPartial bool

	// AllowUnknownExtensions skips extension fields whose descriptor the
	// resolver doesn't know instead of failing.
	AllowUnknownExtensions bool

	// Resolver resolves extensions and Any type URLs.
	Resolver Resolver

	// InfoTree, when non-nil, receives the parse locations.
	InfoTree *ParseInfoTree
}

// Parse parses content into msg.
func (p *Parser) Parse(content []byte, msg protoreflect.Message) error {
	s := &parseState{p: p, tk: newTokenizer(string(content))}
	if err := s.advance(); err != nil {
		return err
	}
	tree := p.InfoTree
	if tree == nil {
		tree = NewParseInfoTree()
	}
	if err := s.parseMessage(msg, tree, ""); err != nil {
		return err
	}
	if !p.AllowPartial {
		if err := proto.CheckInitialized(msg.Interface()); err != nil {
			return err
		}
	}
	return nil
}

type parseState struct {
	p   *Parser
	tk  *tokenizer
	cur token
}

func (s *parseState) advance() error {
	tok, err := s.tk.next()
	if err != nil {
		return err
	}
	s.cur = tok
	return nil
}

func (s *parseState) isSymbol(text string) bool {
	return s.cur.kind == tokenSymbol && s.cur.text == text
}

func (s *parseState) errorf(format string, args ...interface{}) error {
	pos := fmt.Sprintf("%d:%d: ", s.cur.line+1, s.cur.column+1)
	return fmt.Errorf(pos+format, args...)
}

// parseMessage parses fields into msg until the closing symbol, or until
// EOF when close is empty.
func (s *parseState) parseMessage(msg protoreflect.Message, tree *ParseInfoTree, close string) error {
	for {
		if s.cur.kind == tokenEOF {
			if close == "" {
				return nil
			}
			return s.errorf("unexpected end of input, want %q", close)
		}
		if close != "" && s.isSymbol(close) {
			return s.advance()
		}
		if err := s.parseField(msg, tree); err != nil {
			return err
		}
		for s.isSymbol(",") || s.isSymbol(";") {
			if err := s.advance(); err != nil {
				return err
			}
		}
	}
}

func (s *parseState) parseField(msg protoreflect.Message, tree *ParseInfoTree) error {
	desc := msg.Descriptor()
	nameTok := s.cur

	var fd protoreflect.FieldDescriptor
	switch {
	case s.isSymbol("["):
		name, hasSlash, err := s.parseBracketedName()
		if err != nil {
			return err
		}
		if hasSlash {
			if desc.FullName() != anyFullName {
				return s.errorf("type URL %q only allowed inside google.protobuf.Any", name)
			}
			return s.parseAnyLiteral(msg, name)
		}
		xt, xerr := s.p.Resolver.FindExtensionByName(protoreflect.FullName(name))
		if xerr != nil {
			if s.p.AllowUnknownExtensions {
				return s.skipFieldValue()
			}
			return s.errorf("unknown extension %q", name)
		}
		fd = xt.TypeDescriptor()
		if fd.ContainingMessage().FullName() != desc.FullName() {
			return s.errorf("extension %q does not extend message %s", name, desc.FullName())
		}

	case nameTok.kind == tokenIdent:
		name := nameTok.text
		fd = desc.Fields().ByName(protoreflect.Name(name))
		if fd == nil {
			// Group fields are named by their lowercased message name.
			lower := protoreflect.Name(strings.ToLower(name))
			if g := desc.Fields().ByName(lower); g != nil &&
				g.Kind() == protoreflect.GroupKind && string(g.Message().Name()) == name {
				fd = g
			}
		}
		if fd == nil {
			return s.errorf("message %s has no field named %q", desc.FullName(), name)
		}
		if err := s.advance(); err != nil {
			return err
		}

	default:
		return s.errorf("expected field name, got %s %q", nameTok.kind, nameTok.text)
	}

	// One location per textual field name, even when the inline list
	// syntax supplies several values.
	tree.RecordLocation(fd, ParseLocation{Line: nameTok.line, Column: nameTok.column})

	messageLike := fd.Kind() == protoreflect.MessageKind || fd.Kind() == protoreflect.GroupKind
	hasColon := false
	if s.isSymbol(":") {
		hasColon = true
		if err := s.advance(); err != nil {
			return err
		}
	}
	if !hasColon && !messageLike {
		return s.errorf("expected ':' after field %q", fd.Name())
	}

	if s.isSymbol("[") && (fd.IsList() || fd.IsMap()) {
		if err := s.advance(); err != nil {
			return err
		}
		if s.isSymbol("]") {
			return s.advance()
		}
		for {
			if err := s.parseSingleValue(msg, fd, tree); err != nil {
				return err
			}
			if s.isSymbol(",") {
				if err := s.advance(); err != nil {
					return err
				}
				continue
			}
			if s.isSymbol("]") {
				return s.advance()
			}
			return s.errorf("expected ',' or ']' in list value for field %q", fd.Name())
		}
	}

	return s.parseSingleValue(msg, fd, tree)
}

func (s *parseState) parseSingleValue(msg protoreflect.Message, fd protoreflect.FieldDescriptor, tree *ParseInfoTree) error {
	switch {
	case fd.IsMap():
		return s.parseMapEntry(msg, fd, tree)

	case fd.Kind() == protoreflect.MessageKind || fd.Kind() == protoreflect.GroupKind:
		close, err := s.openMessageDelimiter(fd)
		if err != nil {
			return err
		}
		sub := tree.CreateNested(fd)
		if fd.IsList() {
			list := msg.Mutable(fd).List()
			elem := list.NewElement()
			if err := s.parseMessage(elem.Message(), sub, close); err != nil {
				return err
			}
			list.Append(elem)
			return nil
		}
		return s.parseMessage(msg.Mutable(fd).Message(), sub, close)

	default:
		val, err := s.parseScalar(fd)
		if err != nil {
			return err
		}
		if fd.IsList() {
			msg.Mutable(fd).List().Append(val)
		} else {
			msg.Set(fd, val)
		}
		return nil
	}
}

func (s *parseState) openMessageDelimiter(fd protoreflect.FieldDescriptor) (string, error) {
	switch {
	case s.isSymbol("{"):
		return "}", s.advance()
	case s.isSymbol("<"):
		return ">", s.advance()
	}
	return "", s.errorf("expected '{' or '<' for field %q", fd.Name())
}

func (s *parseState) parseMapEntry(msg protoreflect.Message, fd protoreflect.FieldDescriptor, tree *ParseInfoTree) error {
	close, err := s.openMessageDelimiter(fd)
	if err != nil {
		return err
	}
	sub := tree.CreateNested(fd)
	entry := dynamicpb.NewMessage(fd.Message())
	if err := s.parseMessage(entry, sub, close); err != nil {
		return err
	}

	keyFd := fd.Message().Fields().ByNumber(1)
	valFd := fd.Message().Fields().ByNumber(2)
	mp := msg.Mutable(fd).Map()

	var val protoreflect.Value
	if valFd.Kind() == protoreflect.MessageKind && !entry.Has(valFd) {
		val = mp.NewValue()
	} else {
		val = entry.Get(valFd)
	}
	mp.Set(entry.Get(keyFd).MapKey(), val)
	return nil
}

// parseBracketedName consumes "[pkg.name]" or "[host.example/pkg.Name]"
// and returns the joined text between the brackets.
func (s *parseState) parseBracketedName() (name string, hasSlash bool, err error) {
	if err := s.advance(); err != nil { // consume '['
		return "", false, err
	}
	var sb strings.Builder
	for {
		switch {
		case s.cur.kind == tokenEOF:
			return "", false, s.errorf("unterminated extension name")
		case s.isSymbol("]"):
			if sb.Len() == 0 {
				return "", false, s.errorf("empty extension name")
			}
			return sb.String(), hasSlash, s.advance()
		case s.cur.kind == tokenIdent || s.cur.kind == tokenNumber,
			s.isSymbol("."), s.isSymbol("/"), s.isSymbol("-"):
			if s.cur.text == "/" {
				hasSlash = true
			}
			sb.WriteString(s.cur.text)
			if err := s.advance(); err != nil {
				return "", false, err
			}
		default:
			return "", false, s.errorf("invalid token %q in extension name", s.cur.text)
		}
	}
}

// parseAnyLiteral handles the "[type.url/pkg.Msg] { ... }" form inside an
// Any message. The contained message is parsed with a throwaway info tree,
// serialized, and stored as the Any's type_url and value; its interior
// locations are lost.
func (s *parseState) parseAnyLiteral(anyMsg protoreflect.Message, url string) error {
	if s.isSymbol(":") {
		if err := s.advance(); err != nil {
			return err
		}
	}

	typeURLFd := anyMsg.Descriptor().Fields().ByName("type_url")
	valueFd := anyMsg.Descriptor().Fields().ByName("value")
	if typeURLFd == nil || valueFd == nil {
		return s.errorf("malformed google.protobuf.Any descriptor")
	}

	name := url[strings.LastIndexByte(url, '/')+1:]
	mt, err := s.p.Resolver.FindMessageByName(protoreflect.FullName(name))
	if err != nil {
		// Keep the URL so analysis can still reference the span, but the
		// body can't be interpreted without a descriptor.
		anyMsg.Set(typeURLFd, protoreflect.ValueOfString(url))
		close, derr := s.openMessageDelimiter(valueFd)
		if derr != nil {
			return derr
		}
		return s.skipBalanced(close)
	}

	close, err := s.openMessageDelimiter(valueFd)
	if err != nil {
		return err
	}
	inner := mt.New()
	if err := s.parseMessage(inner, NewParseInfoTree(), close); err != nil {
		return err
	}
	bytes, err := proto.MarshalOptions{Deterministic: true, AllowPartial: true}.Marshal(inner.Interface())
	if err != nil {
		return fmt.Errorf("unable to serialize %s for Any value: %v", name, err)
	}
	anyMsg.Set(typeURLFd, protoreflect.ValueOfString(url))
	anyMsg.Set(valueFd, protoreflect.ValueOfBytes(bytes))
	return nil
}

// skipFieldValue discards the value of an unknown extension.
func (s *parseState) skipFieldValue() error {
	if s.isSymbol(":") {
		if err := s.advance(); err != nil {
			return err
		}
	}
	switch {
	case s.isSymbol("{"):
		if err := s.advance(); err != nil {
			return err
		}
		return s.skipBalanced("}")
	case s.isSymbol("<"):
		if err := s.advance(); err != nil {
			return err
		}
		return s.skipBalanced(">")
	case s.isSymbol("["):
		if err := s.advance(); err != nil {
			return err
		}
		return s.skipBalanced("]")
	default:
		return s.skipScalar()
	}
}

// skipBalanced consumes tokens until the matching closer, tracking nested
// brace, angle and bracket pairs.
func (s *parseState) skipBalanced(close string) error {
	stack := []string{close}
	for len(stack) > 0 {
		if s.cur.kind == tokenEOF {
			return s.errorf("unexpected end of input, want %q", stack[len(stack)-1])
		}
		if s.cur.kind == tokenSymbol {
			switch s.cur.text {
			case "{":
				stack = append(stack, "}")
			case "<":
				stack = append(stack, ">")
			case "[":
				stack = append(stack, "]")
			case stack[len(stack)-1]:
				stack = stack[:len(stack)-1]
			case "}", ">", "]":
				return s.errorf("mismatched %q", s.cur.text)
			}
		}
		if err := s.advance(); err != nil {
			return err
		}
	}
	return nil
}

func (s *parseState) skipScalar() error {
	if s.isSymbol("-") {
		if err := s.advance(); err != nil {
			return err
		}
	}
	switch s.cur.kind {
	case tokenString:
		for s.cur.kind == tokenString {
			if err := s.advance(); err != nil {
				return err
			}
		}
		return nil
	case tokenNumber, tokenIdent:
		return s.advance()
	}
	return s.errorf("expected scalar value, got %q", s.cur.text)
}

func (s *parseState) parseScalar(fd protoreflect.FieldDescriptor) (protoreflect.Value, error) {
	var zero protoreflect.Value

	neg := false
	if s.isSymbol("-") {
		neg = true
		if err := s.advance(); err != nil {
			return zero, err
		}
	}
	tok := s.cur

	switch fd.Kind() {
	case protoreflect.BoolKind:
		b, err := parseBool(tok.text)
		if err != nil || neg {
			return zero, s.errorf("invalid bool value %q for field %q", tok.text, fd.Name())
		}
		return protoreflect.ValueOfBool(b), s.advance()

	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind:
		n, err := parseSigned(tok, neg, math.MinInt32, math.MaxInt32)
		if err != nil {
			return zero, s.errorf("invalid int32 value %q for field %q", tok.text, fd.Name())
		}
		return protoreflect.ValueOfInt32(int32(n)), s.advance()

	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		n, err := parseSigned(tok, neg, math.MinInt64, math.MaxInt64)
		if err != nil {
			return zero, s.errorf("invalid int64 value %q for field %q", tok.text, fd.Name())
		}
		return protoreflect.ValueOfInt64(n), s.advance()

	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		n, err := parseUnsigned(tok, neg, math.MaxUint32)
		if err != nil {
			return zero, s.errorf("invalid uint32 value %q for field %q", tok.text, fd.Name())
		}
		return protoreflect.ValueOfUint32(uint32(n)), s.advance()

	case protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		n, err := parseUnsigned(tok, neg, math.MaxUint64)
		if err != nil {
			return zero, s.errorf("invalid uint64 value %q for field %q", tok.text, fd.Name())
		}
		return protoreflect.ValueOfUint64(n), s.advance()

	case protoreflect.FloatKind:
		f, err := parseFloat(tok, neg, 32)
		if err != nil {
			return zero, s.errorf("invalid float value %q for field %q", tok.text, fd.Name())
		}
		return protoreflect.ValueOfFloat32(float32(f)), s.advance()

	case protoreflect.DoubleKind:
		f, err := parseFloat(tok, neg, 64)
		if err != nil {
			return zero, s.errorf("invalid double value %q for field %q", tok.text, fd.Name())
		}
		return protoreflect.ValueOfFloat64(f), s.advance()

	case protoreflect.StringKind, protoreflect.BytesKind:
		if neg || tok.kind != tokenString {
			return zero, s.errorf("expected string value for field %q", fd.Name())
		}
		var sb strings.Builder
		for s.cur.kind == tokenString {
			part, err := unquote(s.cur.text)
			if err != nil {
				return zero, s.errorf("%v", err)
			}
			sb.WriteString(part)
			if err := s.advance(); err != nil {
				return zero, err
			}
		}
		if fd.Kind() == protoreflect.BytesKind {
			return protoreflect.ValueOfBytes([]byte(sb.String())), nil
		}
		return protoreflect.ValueOfString(sb.String()), nil

	case protoreflect.EnumKind:
		if tok.kind == tokenIdent {
			if neg {
				return zero, s.errorf("invalid enum value -%s for field %q", tok.text, fd.Name())
			}
			ev := fd.Enum().Values().ByName(protoreflect.Name(tok.text))
			if ev == nil {
				return zero, s.errorf("unknown enum value %q for field %q", tok.text, fd.Name())
			}
			return protoreflect.ValueOfEnum(ev.Number()), s.advance()
		}
		n, err := parseSigned(tok, neg, math.MinInt32, math.MaxInt32)
		if err != nil {
			return zero, s.errorf("invalid enum value %q for field %q", tok.text, fd.Name())
		}
		return protoreflect.ValueOfEnum(protoreflect.EnumNumber(n)), s.advance()
	}

	return zero, s.errorf("unsupported field kind %v for field %q", fd.Kind(), fd.Name())
}

func parseBool(text string) (bool, error) {
	switch text {
	case "true", "True", "t", "1":
		return true, nil
	case "false", "False", "f", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid bool %q", text)
}

func parseSigned(tok token, neg bool, min, max int64) (int64, error) {
	if tok.kind != tokenNumber {
		return 0, fmt.Errorf("not a number")
	}
	n, err := strconv.ParseInt(tok.text, 0, 64)
	if err != nil {
		// Large positive values up to max uint64 wrap for int64 fields,
		// matching the wire behavior of two's-complement literals.
		u, uerr := strconv.ParseUint(tok.text, 0, 64)
		if uerr != nil || neg {
			return 0, err
		}
		n = int64(u)
	}
	if neg {
		n = -n
	}
	if n < min || n > max {
		return 0, fmt.Errorf("out of range")
	}
	return n, nil
}

func parseUnsigned(tok token, neg bool, max uint64) (uint64, error) {
	if neg || tok.kind != tokenNumber {
		return 0, fmt.Errorf("not an unsigned number")
	}
	n, err := strconv.ParseUint(tok.text, 0, 64)
	if err != nil {
		return 0, err
	}
	if n > max {
		return 0, fmt.Errorf("out of range")
	}
	return n, nil
}

func parseFloat(tok token, neg bool, bits int) (float64, error) {
	text := tok.text
	if tok.kind == tokenIdent {
		switch strings.ToLower(text) {
		case "inf", "infinity":
			if neg {
				return math.Inf(-1), nil
			}
			return math.Inf(1), nil
		case "nan":
			return math.NaN(), nil
		}
		return 0, fmt.Errorf("invalid float %q", text)
	}
	if tok.kind != tokenNumber {
		return 0, fmt.Errorf("not a number")
	}
	text = strings.TrimSuffix(strings.TrimSuffix(text, "f"), "F")
	f, err := strconv.ParseFloat(text, bits)
	if err != nil {
		return 0, err
	}
	if neg {
		f = -f
	}
	return f, nil
}
