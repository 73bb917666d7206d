package safeexpr

import "fmt"

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp    // == != <= >= < > + - * / % . , :
	tokParen // ( ) [ ] { }
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// ParseError reports a lexing or parsing failure with its byte offset.
type ParseError struct {
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at %d: %s", e.Pos, e.Msg)
}

// EvalError reports an evaluation failure (unknown name, bad operand type,
// disallowed construct).
type EvalError struct {
	Msg string
}

func (e *EvalError) Error() string { return "eval error: " + e.Msg }

func evalErrf(format string, args ...any) *EvalError {
	return &EvalError{Msg: fmt.Sprintf(format, args...)}
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		ch := src[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			i++
		case isIdentStart(ch):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], pos: start})
		case ch >= '0' && ch <= '9':
			start := i
			seenDot := false
			for i < len(src) && (src[i] >= '0' && src[i] <= '9' || src[i] == '.' && !seenDot) {
				if src[i] == '.' {
					// a trailing attribute dot after a number is not a float
					if i+1 >= len(src) || src[i+1] < '0' || src[i+1] > '9' {
						break
					}
					seenDot = true
				}
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: src[start:i], pos: start})
		case ch == '"' || ch == '\'':
			quote := ch
			start := i
			i++
			var buf []byte
			closed := false
			for i < len(src) {
				c := src[i]
				if c == '\\' && i+1 < len(src) {
					next := src[i+1]
					switch next {
					case 'n':
						buf = append(buf, '\n')
					case 't':
						buf = append(buf, '\t')
					case '\\', '"', '\'':
						buf = append(buf, next)
					default:
						buf = append(buf, '\\', next)
					}
					i += 2
					continue
				}
				if c == quote {
					closed = true
					i++
					break
				}
				buf = append(buf, c)
				i++
			}
			if !closed {
				return nil, &ParseError{Pos: start, Msg: "unterminated string"}
			}
			toks = append(toks, token{kind: tokString, text: string(buf), pos: start})
		case ch == '(' || ch == ')' || ch == '[' || ch == ']' || ch == '{' || ch == '}':
			toks = append(toks, token{kind: tokParen, text: string(ch), pos: i})
			i++
		case ch == '=' || ch == '!' || ch == '<' || ch == '>':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{kind: tokOp, text: src[i : i+2], pos: i})
				i += 2
			} else if ch == '<' || ch == '>' {
				toks = append(toks, token{kind: tokOp, text: string(ch), pos: i})
				i++
			} else {
				return nil, &ParseError{Pos: i, Msg: fmt.Sprintf("unexpected character %q", ch)}
			}
		case ch == '+' || ch == '-' || ch == '*' || ch == '/' || ch == '%' || ch == '.' || ch == ',' || ch == ':':
			toks = append(toks, token{kind: tokOp, text: string(ch), pos: i})
			i++
		default:
			return nil, &ParseError{Pos: i, Msg: fmt.Sprintf("unexpected character %q", ch)}
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

func isIdentStart(ch byte) bool {
	return ch == '_' || ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z'
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || ch >= '0' && ch <= '9'
}
