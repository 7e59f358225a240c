// Package expression evaluates gateway guard expressions over a variable
// snapshot. The grammar is a closed whitelist: arithmetic, comparison,
// boolean connectives, membership, identity, attribute and index access, and
// a fixed function set. Anything else is rejected at parse time; the
// evaluator fails closed and never mutates state or performs I/O.
package expression

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/periscope-dev/engine/pkg/models"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp     // + - * / % ** == != < > <= >= ( ) [ ] , .
	tokKeyword // and or not in is true false null none
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

var keywords = map[string]struct{}{
	"and": {}, "or": {}, "not": {}, "in": {}, "is": {},
	"true": {}, "false": {}, "null": {}, "none": {},
}

type lexer struct {
	src    string
	pos    int
	tokens []token
}

func lex(src string) ([]token, error) {
	l := &lexer{src: src}

	for l.pos < len(l.src) {
		ch := l.src[l.pos]

		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			l.pos++
		case ch >= '0' && ch <= '9':
			l.lexNumber()
		case ch == '\'' || ch == '"':
			if err := l.lexString(ch); err != nil {
				return nil, err
			}
		case isIdentStart(rune(ch)):
			l.lexIdent()
		default:
			if err := l.lexOperator(); err != nil {
				return nil, err
			}
		}
	}

	l.tokens = append(l.tokens, token{kind: tokEOF, pos: l.pos})

	return l.tokens, nil
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func (l *lexer) lexNumber() {
	start := l.pos
	seenDot := false

	for l.pos < len(l.src) {
		ch := l.src[l.pos]
		if ch >= '0' && ch <= '9' {
			l.pos++

			continue
		}

		if ch == '.' && !seenDot && l.pos+1 < len(l.src) && l.src[l.pos+1] >= '0' && l.src[l.pos+1] <= '9' {
			seenDot = true
			l.pos++

			continue
		}

		break
	}

	l.tokens = append(l.tokens, token{kind: tokNumber, text: l.src[start:l.pos], pos: start})
}

func (l *lexer) lexString(quote byte) error {
	start := l.pos
	l.pos++

	var sb strings.Builder

	for l.pos < len(l.src) {
		ch := l.src[l.pos]

		if ch == '\\' && l.pos+1 < len(l.src) {
			next := l.src[l.pos+1]
			switch next {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case '\\', '\'', '"':
				sb.WriteByte(next)
			default:
				return rejectf(start, "unsupported escape \\%c", next)
			}

			l.pos += 2

			continue
		}

		if ch == quote {
			l.pos++
			l.tokens = append(l.tokens, token{kind: tokString, text: sb.String(), pos: start})

			return nil
		}

		sb.WriteByte(ch)
		l.pos++
	}

	return rejectf(start, "unterminated string literal")
}

func (l *lexer) lexIdent() {
	start := l.pos

	for l.pos < len(l.src) && isIdentPart(rune(l.src[l.pos])) {
		l.pos++
	}

	text := l.src[start:l.pos]
	lower := strings.ToLower(text)

	if _, ok := keywords[lower]; ok {
		l.tokens = append(l.tokens, token{kind: tokKeyword, text: lower, pos: start})

		return
	}

	l.tokens = append(l.tokens, token{kind: tokIdent, text: text, pos: start})
}

var twoCharOps = map[string]struct{}{
	"**": {}, "==": {}, "!=": {}, "<=": {}, ">=": {},
}

var oneCharOps = map[byte]struct{}{
	'+': {}, '-': {}, '*': {}, '/': {}, '%': {},
	'<': {}, '>': {}, '(': {}, ')': {}, '[': {}, ']': {}, ',': {}, '.': {},
}

func (l *lexer) lexOperator() error {
	if l.pos+1 < len(l.src) {
		two := l.src[l.pos : l.pos+2]
		if _, ok := twoCharOps[two]; ok {
			l.tokens = append(l.tokens, token{kind: tokOp, text: two, pos: l.pos})
			l.pos += 2

			return nil
		}
	}

	ch := l.src[l.pos]
	if _, ok := oneCharOps[ch]; ok {
		l.tokens = append(l.tokens, token{kind: tokOp, text: string(ch), pos: l.pos})
		l.pos++

		return nil
	}

	return rejectf(l.pos, "unexpected character %q", string(ch))
}

// rejectf wraps a parse-level rejection in the taxonomy sentinel. The
// evaluator never silently strips a construct it does not understand.
func rejectf(pos int, format string, args ...any) error {
	return fmt.Errorf("%w: %s at position %d", models.ErrExpressionRejected, fmt.Sprintf(format, args...), pos)
}
