package migration

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

const (
	directivePrefix           = "keel:"
	noTransactionDirective    = "no-transaction"
	guardDirective            = "guard"
	backslashEscapesDirective = "backslash-escapes"
)

var ErrMalformedDirective = errors.New("malformed keel directive")

var (
	backslashEscapesRegexp = regexp.MustCompile(`(?m)^[ \t]*--[ \t]*` + directivePrefix + backslashEscapesDirective + `[ \t]*\r?$`)

	ifNotExistsRegexp     = regexp.MustCompile(`(?i)\bIF\s+NOT\s+EXISTS\b`)
	createOrReplaceRegexp = regexp.MustCompile(`(?is)\bCREATE\s+OR\s+REPLACE\b`)

	createTableRegexp = regexp.MustCompile(
		`(?is)^CREATE\s+(?:(?:GLOBAL|LOCAL)\s+)?(?:TEMP(?:ORARY)?\s+|UNLOGGED\s+)?TABLE\s+(IF\s+NOT\s+EXISTS\s+)?([\w."` + "`" + `]+)`,
	)
	createIndexRegexp = regexp.MustCompile(
		`(?is)^CREATE\s+(?:UNIQUE\s+)?INDEX\s+(?:CONCURRENTLY\s+)?(IF\s+NOT\s+EXISTS\s+)?([\w."` + "`" + `]+)\s+ON\s+(?:ONLY\s+)?([\w."` + "`" + `]+)`,
	)
	createTriggerRegexp = regexp.MustCompile(
		`(?is)^CREATE\s+(OR\s+REPLACE\s+)?(?:CONSTRAINT\s+)?(?:DEFINER\s*=\s*\S+\s+)?TRIGGER\s+(IF\s+NOT\s+EXISTS\s+)?([\w."` + "`" + `]+)\s.*?\bON\s+([\w."` + "`" + `]+)`,
	)
	createFunctionRegexp = regexp.MustCompile(
		`(?is)^CREATE\s+(OR\s+REPLACE\s+)?(?:DEFINER\s*=\s*\S+\s+)?(?:FUNCTION|PROCEDURE)\s+(IF\s+NOT\s+EXISTS\s+)?([\w."` + "`" + `]+)`,
	)
	addColumnRegexp = regexp.MustCompile(
		`(?is)^ALTER\s+TABLE\s+(?:ONLY\s+)?(?:IF\s+EXISTS\s+)?([\w."` + "`" + `]+)\s+ADD\s+(?:COLUMN\s+)?(IF\s+NOT\s+EXISTS\s+)?([\w."` + "`" + `]+)`,
	)
	alterTableRegexp = regexp.MustCompile(`(?is)^ALTER\s+TABLE\s+(?:ONLY\s+)?(?:IF\s+EXISTS\s+)?([\w."` + "`" + `]+)`)
	updateRegexp     = regexp.MustCompile(`(?is)^UPDATE\s+(?:ONLY\s+)?([\w."` + "`" + `]+)`)
	insertRegexp     = regexp.MustCompile(`(?is)^INSERT\s+(?:OR\s+\w+\s+|IGNORE\s+)?INTO\s+([\w."` + "`" + `]+)`)
	deleteRegexp     = regexp.MustCompile(`(?is)^DELETE\s+FROM\s+(?:ONLY\s+)?([\w."` + "`" + `]+)`)
)

// not column names when they follow ALTER TABLE ... ADD
var addNonColumnWords = map[string]bool{
	"CONSTRAINT": true,
	"PRIMARY":    true,
	"UNIQUE":     true,
	"FOREIGN":    true,
	"CHECK":      true,
	"INDEX":      true,
	"KEY":        true,
	"FULLTEXT":   true,
	"SPATIAL":    true,
	"EXCLUDE":    true,
}

type parseConfig struct {
	backslashEscapes bool
}

type ParseOption func(*parseConfig)

// BackslashEscapes makes a backslash escape the next character inside quoted
// strings, the way MySQL reads string literals. Without it a backslash is an
// ordinary character except in PostgreSQL E'...' strings.
func BackslashEscapes() ParseOption {
	return func(c *parseConfig) {
		c.backslashEscapes = true
	}
}

// FromSQL builds a unit from the text of a migration file
func FromSQL(id, name, text string, opts ...ParseOption) (*Unit, error) {
	chunks, noTx, err := split(text, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "could not parse migration [%s]", id)
	}

	statements := make([]Statement, 0, len(chunks))
	for _, c := range chunks {
		s := Classify(c.body, c.code)
		if c.guard != nil {
			if c.guard.Kind == "" {
				s.Guard = false
			} else {
				s.Kind = c.guard.Kind
				s.Target = c.guard.Target
				s.Guard = true
			}
		}

		statements = append(statements, s)
	}

	u, err := New(id, name, statements...)
	if err != nil {
		return nil, err
	}

	u.NoTransaction = noTx

	return u, nil
}

// SplitStatements splits a script on top level semicolons
func SplitStatements(text string, opts ...ParseOption) ([]string, error) {
	chunks, _, err := split(text, opts...)
	if err != nil {
		return nil, err
	}

	result := make([]string, len(chunks))
	for i := range chunks {
		result[i] = chunks[i].body
	}

	return result, nil
}

// Classify derives kind, target and guard of a statement.
// code must be the statement stripped of comments, body is used when code is empty.
func Classify(body, code string) Statement {
	if code == "" {
		code = body
	}

	code = strings.TrimSpace(code)

	if m := createTableRegexp.FindStringSubmatch(code); m != nil {
		return Statement{Kind: CreateTableKind, Target: tableObject(m[2]), Guard: m[1] == "", Body: body}
	}

	if m := createIndexRegexp.FindStringSubmatch(code); m != nil {
		return Statement{
			Kind:   CreateIndexKind,
			Target: Object{Table: unquote(m[3]), Name: unquote(m[2])},
			Guard:  m[1] == "",
			Body:   body,
		}
	}

	if m := createTriggerRegexp.FindStringSubmatch(code); m != nil {
		return Statement{
			Kind:   CreateTriggerKind,
			Target: Object{Table: unquote(m[4]), Name: unquote(m[3])},
			Guard:  m[1] == "" && m[2] == "",
			Body:   body,
		}
	}

	if m := createFunctionRegexp.FindStringSubmatch(code); m != nil {
		return Statement{
			Kind:   CreateFunctionKind,
			Target: Object{Name: unquote(m[3])},
			Guard:  m[1] == "" && m[2] == "",
			Body:   body,
		}
	}

	if m := addColumnRegexp.FindStringSubmatch(code); m != nil && !addNonColumnWords[strings.ToUpper(m[3])] {
		return Statement{
			Kind:   AlterTableKind,
			Target: Object{Table: unquote(m[1]), Name: unquote(m[3])},
			Guard:  m[2] == "",
			Body:   body,
		}
	}

	if m := alterTableRegexp.FindStringSubmatch(code); m != nil {
		return Statement{Kind: AlterTableKind, Target: tableObject(m[1]), Body: body}
	}

	for _, r := range []*regexp.Regexp{updateRegexp, insertRegexp, deleteRegexp} {
		if m := r.FindStringSubmatch(code); m != nil {
			return Statement{Kind: DataBackfillKind, Target: tableObject(m[1]), Body: body}
		}
	}

	return Statement{Kind: OtherKind, Body: body}
}

func hasNativeConditional(body string) bool {
	return ifNotExistsRegexp.MatchString(body)
}

func tableObject(name string) Object {
	t := unquote(name)
	return Object{Table: t, Name: t}
}

// unquote drops identifier quotes and the schema qualifier
func unquote(name string) string {
	name = strings.Trim(name, "\"`")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}

	return strings.Trim(name, "\"`")
}

type chunk struct {
	body  string
	code  string
	guard *Statement
}

type scanState int

const (
	stateCode scanState = iota
	stateSingleQuote
	stateDoubleQuote
	stateBacktick
	stateLineComment
	stateBlockComment
	stateDollarQuote
)

type splitter struct {
	chunks []chunk
	noTx   bool

	body, code strings.Builder
	comment    strings.Builder
	word       strings.Builder
	dollarTag  string

	backslashEscapes bool
	escapedQuote     bool

	// BEGIN ... END nesting inside trigger and routine bodies
	depth      int
	pendingEnd bool
	words      int
	isCreate   bool
	hasBody    bool

	guard *Statement
}

func split(text string, opts ...ParseOption) ([]chunk, bool, error) {
	var cfg parseConfig
	for _, o := range opts {
		o(&cfg)
	}

	s := &splitter{backslashEscapes: cfg.backslashEscapes || backslashEscapesRegexp.MatchString(text)}
	runes := []rune(text)
	state := stateCode

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		next := rune(0)
		if i+1 < len(runes) {
			next = runes[i+1]
		}

		switch state {
		case stateLineComment:
			if r == '\n' {
				if err := s.directive(s.comment.String()); err != nil {
					return nil, false, err
				}
				s.comment.Reset()
				state = stateCode
				s.body.WriteRune(r)
				s.code.WriteRune(' ')
				continue
			}
			s.comment.WriteRune(r)
			s.body.WriteRune(r)
			continue
		case stateBlockComment:
			s.body.WriteRune(r)
			if r == '*' && next == '/' {
				s.body.WriteRune(next)
				i++
				state = stateCode
				s.code.WriteRune(' ')
			}
			continue
		case stateSingleQuote, stateDoubleQuote, stateBacktick:
			s.body.WriteRune(r)
			s.code.WriteRune(r)
			if r == '\\' && next != 0 && state != stateBacktick && (s.backslashEscapes || s.escapedQuote) {
				s.body.WriteRune(next)
				s.code.WriteRune(next)
				i++
				continue
			}
			closing := closingQuote(state)
			if r == closing {
				if next == closing {
					s.body.WriteRune(next)
					s.code.WriteRune(next)
					i++
					continue
				}
				state = stateCode
			}
			continue
		case stateDollarQuote:
			if r == '$' && strings.HasPrefix(string(runes[i:]), s.dollarTag) {
				s.body.WriteString(s.dollarTag)
				s.code.WriteString(s.dollarTag)
				i += len([]rune(s.dollarTag)) - 1
				state = stateCode
				continue
			}
			s.body.WriteRune(r)
			s.code.WriteRune(r)
			continue
		}

		// E'...' is a PostgreSQL string with backslash escapes
		escapePrefix := r == '\'' && strings.EqualFold(s.word.String(), "E")

		if isWordRune(r) {
			s.word.WriteRune(r)
		} else {
			s.endWord()
		}

		switch {
		case r == '-' && next == '-':
			state = stateLineComment
			s.body.WriteString("--")
			i++
			continue
		case r == '/' && next == '*':
			state = stateBlockComment
			s.body.WriteString("/*")
			i++
			continue
		case r == '\'':
			state = stateSingleQuote
			s.escapedQuote = escapePrefix
		case r == '"':
			state = stateDoubleQuote
			s.escapedQuote = false
		case r == '`':
			state = stateBacktick
		case r == '$':
			if tag, ok := dollarTag(runes[i:]); ok {
				s.dollarTag = tag
				s.body.WriteString(tag)
				s.code.WriteString(tag)
				i += len([]rune(tag)) - 1
				state = stateDollarQuote
				continue
			}
		case r == ';':
			if s.pendingEnd {
				s.closeBlock()
			}

			if s.depth == 0 {
				s.flush()
				continue
			}
		}

		s.body.WriteRune(r)
		s.code.WriteRune(r)
	}

	switch state {
	case stateLineComment:
		if err := s.directive(s.comment.String()); err != nil {
			return nil, false, err
		}
	case stateSingleQuote, stateDoubleQuote, stateBacktick:
		return nil, false, errors.New("unterminated quoted string")
	case stateDollarQuote:
		return nil, false, errors.Errorf("unterminated dollar quoted string %s", s.dollarTag)
	case stateBlockComment:
		return nil, false, errors.New("unterminated block comment")
	}

	s.endWord()
	if s.pendingEnd {
		s.closeBlock()
	}
	s.flush()

	if s.guard != nil {
		return nil, false, errors.Wrap(ErrMalformedDirective, "guard directive is not followed by a statement")
	}

	return s.chunks, s.noTx, nil
}

func (s *splitter) endWord() {
	if s.word.Len() == 0 {
		return
	}

	w := strings.ToUpper(s.word.String())
	s.word.Reset()
	s.words++

	if s.words == 1 {
		s.isCreate = w == "CREATE"
	}

	// CREATE [OR REPLACE] [DEFINER = ...] TRIGGER | FUNCTION | PROCEDURE
	if s.isCreate && !s.hasBody && s.words <= 6 {
		switch w {
		case "TRIGGER", "FUNCTION", "PROCEDURE":
			s.hasBody = true
			return
		}
	}

	if !s.hasBody {
		return
	}

	if s.pendingEnd {
		s.pendingEnd = false
		switch w {
		case "IF", "LOOP", "WHILE", "REPEAT":
			// END IF and friends close a construct that never opened a block
			return
		case "CASE":
			// END CASE closes the block its CASE opened
			s.closeBlock()
			return
		}
		s.closeBlock()
	}

	switch w {
	case "BEGIN", "CASE":
		s.depth++
	case "END":
		if s.depth > 0 {
			s.pendingEnd = true
		}
	}
}

func (s *splitter) closeBlock() {
	s.pendingEnd = false
	if s.depth > 0 {
		s.depth--
	}
}

func (s *splitter) flush() {
	body := strings.TrimSpace(s.body.String())
	code := strings.TrimSpace(s.code.String())
	s.body.Reset()
	s.code.Reset()
	s.words = 0
	s.isCreate = false
	s.hasBody = false
	s.depth = 0

	if code == "" {
		return
	}

	s.chunks = append(s.chunks, chunk{body: body, code: code, guard: s.guard})
	s.guard = nil
}

// directive handles `-- keel:...` line comments
func (s *splitter) directive(comment string) error {
	text := strings.TrimSpace(comment)
	if !strings.HasPrefix(text, directivePrefix) {
		return nil
	}

	fields := strings.Fields(strings.TrimPrefix(text, directivePrefix))
	if len(fields) == 0 {
		return errors.Wrapf(ErrMalformedDirective, "[%s]", text)
	}

	switch fields[0] {
	case noTransactionDirective:
		s.noTx = true
		return nil
	case backslashEscapesDirective:
		// picked up before scanning so it covers the whole file
		return nil
	case guardDirective:
		g, err := parseGuardDirective(fields[1:])
		if err != nil {
			return errors.Wrapf(err, "[%s]", text)
		}
		s.guard = g
		return nil
	default:
		return errors.Wrapf(ErrMalformedDirective, "unknown directive [%s]", text)
	}
}

// parseGuardDirective reads `<kind> <table> [<name>]` or `none`
func parseGuardDirective(args []string) (*Statement, error) {
	if len(args) == 1 && args[0] == "none" {
		return &Statement{}, nil
	}

	if len(args) < 2 {
		return nil, ErrMalformedDirective
	}

	var kind Kind
	switch strings.ToLower(args[0]) {
	case "table":
		kind = CreateTableKind
	case "index":
		kind = CreateIndexKind
	case "trigger":
		kind = CreateTriggerKind
	case "function":
		kind = CreateFunctionKind
	case "column":
		kind = AlterTableKind
	default:
		return nil, errors.Wrapf(ErrMalformedDirective, "unknown guard kind [%s]", args[0])
	}

	target := Object{Table: args[1], Name: args[1]}
	if kind == CreateFunctionKind {
		target = Object{Name: args[1]}
	}

	if len(args) > 2 {
		target.Name = args[2]
	} else if kind != CreateTableKind && kind != CreateFunctionKind {
		return nil, errors.Wrapf(ErrMalformedDirective, "guard %s requires a table and a name", args[0])
	}

	return &Statement{Kind: kind, Target: target, Guard: true}, nil
}

func dollarTag(runes []rune) (string, bool) {
	if len(runes) < 2 || runes[0] != '$' {
		return "", false
	}

	for i := 1; i < len(runes); i++ {
		if runes[i] == '$' {
			return string(runes[:i+1]), true
		}

		if !(unicode.IsLetter(runes[i]) || runes[i] == '_' || (i > 1 && unicode.IsDigit(runes[i]))) {
			return "", false
		}
	}

	return "", false
}

func closingQuote(state scanState) rune {
	switch state {
	case stateDoubleQuote:
		return '"'
	case stateBacktick:
		return '`'
	default:
		return '\''
	}
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}
