package pathlang

import (
	"fmt"
	"strconv"
	"strings"
)

// Compile parses a path string into a CompiledPath. Segment querying
// treats type mismatches as "no match" rather than error (see exec.go);
// only parse-time syntax errors are returned here.
func Compile(path string) (CompiledPath, error) {
	p := &parser{src: []rune(strings.TrimSpace(path))}
	if p.peek() == '$' {
		p.pos++
	}
	segs, err := p.parseSegments(false)
	if err != nil {
		return nil, err
	}
	if !p.atEnd() {
		return nil, fmt.Errorf("pathlang: unexpected trailing input %q at %d", string(p.src[p.pos:]), p.pos)
	}
	return segs, nil
}

type parser struct {
	src []rune
	pos int
}

func (p *parser) atEnd() bool { return p.pos >= len(p.src) }

func (p *parser) peek() rune {
	if p.atEnd() {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) peekAt(off int) rune {
	if p.pos+off >= len(p.src) {
		return 0
	}
	return p.src[p.pos+off]
}

// parseSegments consumes segments until end of input (or, if single is
// true, exactly one segment, used for the target of a recursive "..").
func (p *parser) parseSegments(single bool) (CompiledPath, error) {
	var out CompiledPath
	for !p.atEnd() {
		switch p.peek() {
		case '.':
			p.pos++
			if p.peek() == '.' {
				p.pos++
				sub, err := p.parseSegments(true)
				if err != nil {
					return nil, err
				}
				out = append(out, Segment{Kind: SegRecursive, Recursive: sub})
			} else {
				seg, err := p.parseKeySegment()
				if err != nil {
					return nil, err
				}
				out = append(out, seg)
			}
		case '[':
			seg, err := p.parseBracketSegment()
			if err != nil {
				return nil, err
			}
			out = append(out, seg)
		default:
			if single && len(out) == 0 {
				// "..foo" with no leading dot before the key
				seg, err := p.parseKeySegment()
				if err != nil {
					return nil, err
				}
				out = append(out, seg)
				return out, nil
			}
			return nil, fmt.Errorf("pathlang: expected '.' or '[' at %d, got %q", p.pos, string(p.peek()))
		}
		if single {
			return out, nil
		}
	}
	return out, nil
}

func (p *parser) parseKeySegment() (Segment, error) {
	if p.peek() == '*' {
		p.pos++
		return Segment{Kind: SegWildcard}, nil
	}
	start := p.pos
	for !p.atEnd() && isIdentRune(p.peek()) {
		p.pos++
	}
	if p.pos == start {
		return Segment{}, fmt.Errorf("pathlang: expected key at %d", p.pos)
	}
	return Segment{Kind: SegKey, Key: string(p.src[start:p.pos])}, nil
}

func isIdentRune(r rune) bool {
	return r == '_' || r == '$' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// parseBracketSegment parses "[...]" in all its forms: wildcard, filter,
// slice, single/multi index, single/multi key, or an expression index.
func (p *parser) parseBracketSegment() (Segment, error) {
	if p.peek() != '[' {
		return Segment{}, fmt.Errorf("pathlang: expected '[' at %d", p.pos)
	}
	p.pos++
	content, err := p.readBalanced(']')
	if err != nil {
		return Segment{}, err
	}
	p.pos++ // consume ']'
	content = strings.TrimSpace(content)

	if content == "*" {
		return Segment{Kind: SegWildcard}, nil
	}
	if strings.HasPrefix(content, "?") {
		inner := strings.TrimSpace(content[1:])
		inner = strings.TrimPrefix(inner, "(")
		inner = strings.TrimSuffix(inner, ")")
		expr, err := ParseExpr(inner)
		if err != nil {
			return Segment{}, err
		}
		return Segment{Kind: SegFilter, Filter: expr}, nil
	}

	parts := splitTopLevel(content, ',')
	if len(parts) == 1 && strings.ContainsAny(stripOuterParens(parts[0]), ":") && !strings.HasPrefix(stripOuterParens(parts[0]), "'") && !strings.HasPrefix(stripOuterParens(parts[0]), "\"") {
		return p.parseSliceSegment(stripOuterParens(parts[0]))
	}

	allInts := true
	allStrings := true
	ints := make([]int, 0, len(parts))
	strs := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if n, err := strconv.Atoi(part); err == nil {
			ints = append(ints, n)
		} else {
			allInts = false
		}
		if s, ok := unquote(part); ok {
			strs = append(strs, s)
		} else {
			allStrings = false
		}
	}

	switch {
	case allInts && len(ints) == 1:
		return Segment{Kind: SegIndex, Index: ints[0]}, nil
	case allInts:
		return Segment{Kind: SegMultiIndex, Indices: ints}, nil
	case allStrings && len(strs) == 1:
		return Segment{Kind: SegKey, Key: strs[0]}, nil
	case allStrings:
		return Segment{Kind: SegMultiKey, Keys: strs}, nil
	default:
		exprs := make([]*Expr, 0, len(parts))
		for _, part := range parts {
			e, err := ParseExpr(strings.TrimSpace(part))
			if err != nil {
				return Segment{}, err
			}
			exprs = append(exprs, e)
		}
		return Segment{Kind: SegExprIndex, ExprIdxs: exprs}, nil
	}
}

func (p *parser) parseSliceSegment(content string) (Segment, error) {
	parts := strings.SplitN(content, ":", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	literal := true
	var ints [3]*int
	var exprs [3]*Expr
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if n, err := strconv.Atoi(part); err == nil {
			v := n
			ints[i] = &v
			continue
		}
		literal = false
	}
	if literal {
		return Segment{Kind: SegSlice, SliceVal: Slice{From: ints[0], To: ints[1], Step: ints[2]}}, nil
	}
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		e, err := ParseExpr(part)
		if err != nil {
			return Segment{}, err
		}
		exprs[i] = e
	}
	return Segment{Kind: SegExprSlice, ExprSlice: exprs}, nil
}

// readBalanced reads until the matching close rune at bracket depth 0,
// accounting for nested brackets/parens and quoted strings.
func (p *parser) readBalanced(closeRune rune) (string, error) {
	start := p.pos
	depth := 0
	for !p.atEnd() {
		c := p.peek()
		switch {
		case c == '\'' || c == '"':
			p.pos++
			for !p.atEnd() && p.peek() != c {
				p.pos++
			}
			if p.atEnd() {
				return "", fmt.Errorf("pathlang: unterminated string starting near %d", start)
			}
			p.pos++
		case c == '[' || c == '(':
			depth++
			p.pos++
		case c == ']' || c == ')':
			if depth == 0 && c == closeRune {
				return string(p.src[start:p.pos]), nil
			}
			depth--
			p.pos++
		default:
			p.pos++
		}
	}
	return "", fmt.Errorf("pathlang: unterminated bracket starting near %d", start)
}

// splitTopLevel splits s on sep, ignoring separators inside quotes,
// brackets, or parens.
func splitTopLevel(s string, sep rune) []string {
	var out []string
	depth := 0
	var quote rune
	start := 0
	runes := []rune(s)
	for i, r := range runes {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '[' || r == '(':
			depth++
		case r == ']' || r == ')':
			depth--
		case r == sep && depth == 0:
			out = append(out, string(runes[start:i]))
			start = i + 1
		}
	}
	out = append(out, string(runes[start:]))
	return out
}

func stripOuterParens(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '(' && s[len(s)-1] == ')' {
		return strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

func unquote(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1], true
	}
	return "", false
}
