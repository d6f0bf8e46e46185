package filter

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

type parser struct {
	src string
	pos int
}

func (p *parser) fail(format string, args ...any) error {
	return &ParseError{Expr: p.src, Pos: p.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) skipSpace() {
	for !p.eof() && p.src[p.pos] == ' ' {
		p.pos++
	}
}

func isIdent(c byte, first bool) bool {
	r := rune(c)
	if first {
		return r == '_' || unicode.IsLetter(r)
	}
	return r == '_' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func (p *parser) ident() (string, error) {
	start := p.pos
	if p.eof() || !isIdent(p.peek(), true) {
		return "", p.fail("expected identifier")
	}
	for !p.eof() && isIdent(p.peek(), p.pos == start) {
		p.pos++
	}
	return p.src[start:p.pos], nil
}

func (p *parser) parse() (*Filter, error) {
	f := &Filter{expr: p.src}
	p.skipSpace()
	if p.peek() == '*' {
		f.event = "*"
		p.pos++
	} else {
		name, err := p.ident()
		if err != nil {
			return nil, p.fail("expected event name or '*'")
		}
		f.event = name
	}

	for p.peek() == '[' {
		p.pos++
		for {
			c, err := p.clause()
			if err != nil {
				return nil, err
			}
			f.clauses = append(f.clauses, c)
			p.skipSpace()
			if p.peek() == ',' {
				p.pos++
				continue
			}
			if p.peek() != ']' {
				return nil, p.fail("expected ',' or ']'")
			}
			p.pos++
			break
		}
	}

	for p.peek() == ':' {
		p.pos++
		mod, err := p.ident()
		if err != nil {
			return nil, p.fail("expected modifier after ':'")
		}
		switch mod {
		case "first":
			f.first = true
		case "last":
			f.last = true
		case "notrace":
			f.noTrace = true
		default:
			p.pos -= len(mod)
			return nil, p.fail("unknown modifier %q", mod)
		}
		if f.first && f.last {
			p.pos -= len(mod)
			return nil, p.fail(":first and :last cannot be combined")
		}
	}

	p.skipSpace()
	if !p.eof() {
		return nil, p.fail("unexpected %q", p.src[p.pos:])
	}
	return f, nil
}

func (p *parser) clause() (clause, error) {
	p.skipSpace()
	var path []string
	for {
		part, err := p.ident()
		if err != nil {
			return clause{}, p.fail("expected field path")
		}
		path = append(path, part)
		if p.peek() != '.' {
			break
		}
		p.pos++
	}
	p.skipSpace()

	c := clause{path: strings.Join(path, ".")}
	switch {
	case strings.HasPrefix(p.src[p.pos:], "!="):
		c.op = opNe
	case strings.HasPrefix(p.src[p.pos:], "~="):
		c.op = opMatch
	case strings.HasPrefix(p.src[p.pos:], ">="):
		c.op = opGe
	case strings.HasPrefix(p.src[p.pos:], "<="):
		c.op = opLe
	case p.peek() == '=':
		c.op = opEq
	case p.peek() == '>':
		c.op = opGt
	case p.peek() == '<':
		c.op = opLt
	default:
		return clause{}, p.fail("expected comparison operator")
	}
	p.pos += len(c.op)
	p.skipSpace()

	lit, err := p.literal()
	if err != nil {
		return clause{}, err
	}
	c.literal = lit
	if c.op == opMatch {
		re, err := regexp.Compile(lit)
		if err != nil {
			return clause{}, p.fail("bad regular expression: %v", err)
		}
		c.re = re
	}
	return c, nil
}

// literal reads a quoted string, or a bare token up to ',' or ']'.
func (p *parser) literal() (string, error) {
	if q := p.peek(); q == '\'' || q == '"' {
		p.pos++
		var b strings.Builder
		for {
			if p.eof() {
				return "", p.fail("unterminated string")
			}
			c := p.src[p.pos]
			p.pos++
			if c == '\\' && !p.eof() {
				b.WriteByte(p.src[p.pos])
				p.pos++
				continue
			}
			if c == q {
				return b.String(), nil
			}
			b.WriteByte(c)
		}
	}
	start := p.pos
	for !p.eof() && p.peek() != ',' && p.peek() != ']' {
		p.pos++
	}
	lit := strings.TrimSpace(p.src[start:p.pos])
	if lit == "" {
		return "", p.fail("expected literal")
	}
	return lit, nil
}
