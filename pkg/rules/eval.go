package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// Template is a parsed rule expression, safe for concurrent evaluation.
//
// The grammar is deliberately small: literal text, value placeholders, and
// one conditional form. There are no loops, no assignments, and no way to
// call anything outside the builtin function table.
//
//	text {{ pipeline }} text
//	{% if cond %} ... {% else %} ... {% endif %}
//
// A pipeline is a term followed by filters: firstname | capitalize.
// Terms are attribute references (optionally dotted), quoted strings,
// numbers, or function calls: generate_login(firstname, lastname).
// Conditions compare two pipelines with == or !=, or test one pipeline
// for truthiness. Unknown attributes evaluate to nil; pair them with the
// default filter when a fallback is wanted.
type Template struct {
	src   string
	nodes []node
}

type node interface {
	render(b *strings.Builder, vars map[string]any) error
}

// textNode is literal text between placeholders.
type textNode string

func (n textNode) render(b *strings.Builder, _ map[string]any) error {
	b.WriteString(string(n))
	return nil
}

// exprNode is a {{ pipeline }} placeholder.
type exprNode struct {
	pipe *pipelineExpr
}

func (n *exprNode) render(b *strings.Builder, vars map[string]any) error {
	v, err := n.pipe.eval(vars)
	if err != nil {
		return err
	}
	b.WriteString(asString(v))
	return nil
}

// ifNode is an {% if %} block with an optional else branch.
type ifNode struct {
	cond *condExpr
	then []node
	els  []node
}

func (n *ifNode) render(b *strings.Builder, vars map[string]any) error {
	ok, err := n.cond.eval(vars)
	if err != nil {
		return err
	}
	branch := n.then
	if !ok {
		branch = n.els
	}
	for _, child := range branch {
		if err := child.render(b, vars); err != nil {
			return err
		}
	}
	return nil
}

// condExpr compares two pipelines, or tests a single one for truthiness.
type condExpr struct {
	left  *pipelineExpr
	op    string // "", "==", "!="
	right *pipelineExpr
}

func (c *condExpr) eval(vars map[string]any) (bool, error) {
	lv, err := c.left.eval(vars)
	if err != nil {
		return false, err
	}
	if c.op == "" {
		return truthy(lv), nil
	}
	rv, err := c.right.eval(vars)
	if err != nil {
		return false, err
	}
	eq := looseEqual(lv, rv)
	if c.op == "!=" {
		return !eq, nil
	}
	return eq, nil
}

// pipelineExpr is a term piped through zero or more filters.
type pipelineExpr struct {
	base    *termExpr
	filters []*callExpr
}

func (p *pipelineExpr) eval(vars map[string]any) (any, error) {
	v, err := p.base.eval(vars)
	if err != nil {
		return nil, err
	}
	for _, f := range p.filters {
		args := make([]any, 0, len(f.args)+1)
		args = append(args, v)
		for _, a := range f.args {
			av, err := a.eval(vars)
			if err != nil {
				return nil, err
			}
			args = append(args, av)
		}
		fn, ok := builtins[f.name]
		if !ok {
			return nil, fmt.Errorf("unknown function %q", f.name)
		}
		if v, err = fn(args); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// termExpr is a literal, an attribute reference, or a function call.
type termExpr struct {
	literal any      // set when isLiteral
	path    []string // dotted attribute path
	call    *callExpr
	kind    termKind
}

type termKind int

const (
	termLiteral termKind = iota
	termVariable
	termCall
)

func (t *termExpr) eval(vars map[string]any) (any, error) {
	switch t.kind {
	case termLiteral:
		return t.literal, nil
	case termVariable:
		return lookup(vars, t.path), nil
	case termCall:
		fn, ok := builtins[t.call.name]
		if !ok {
			return nil, fmt.Errorf("unknown function %q", t.call.name)
		}
		args := make([]any, 0, len(t.call.args))
		for _, a := range t.call.args {
			av, err := a.eval(vars)
			if err != nil {
				return nil, err
			}
			args = append(args, av)
		}
		return fn(args)
	default:
		return nil, fmt.Errorf("invalid term")
	}
}

// callExpr is a function or filter invocation.
type callExpr struct {
	name string
	args []*pipelineExpr
}

// lookup resolves a dotted path in nested maps. Missing keys yield nil.
func lookup(vars map[string]any, path []string) any {
	var cur any = vars
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	default:
		return true
	}
}

// looseEqual compares numerically when both sides are numbers, otherwise by
// string rendering, so that {{ level }} == 3 works whether level arrived as
// an int or a string.
func looseEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return asString(a) == asString(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Parse compiles an expression source into a Template.
func Parse(src string) (*Template, error) {
	segs, err := scanSegments(src)
	if err != nil {
		return nil, err
	}
	pos := 0
	nodes, err := parseNodes(segs, &pos, false)
	if err != nil {
		return nil, err
	}
	if pos != len(segs) {
		return nil, fmt.Errorf("unexpected %%} tag at top level")
	}
	return &Template{src: src, nodes: nodes}, nil
}

// Render evaluates the template against the given attribute context.
func (t *Template) Render(vars map[string]any) (string, error) {
	var b strings.Builder
	for _, n := range t.nodes {
		if err := n.render(&b, vars); err != nil {
			return "", err
		}
	}
	return b.String(), nil
}

// Source returns the original expression text.
func (t *Template) Source() string { return t.src }

// segment scanning

type segKind int

const (
	segText segKind = iota
	segExpr // {{ ... }}
	segTag  // {% ... %}
)

type segment struct {
	kind segKind
	text string
}

func scanSegments(src string) ([]segment, error) {
	var segs []segment
	for len(src) > 0 {
		openExpr := strings.Index(src, "{{")
		openTag := strings.Index(src, "{%")
		open, closer, kind := openExpr, "}}", segExpr
		if openExpr < 0 || (openTag >= 0 && openTag < openExpr) {
			open, closer, kind = openTag, "%}", segTag
		}
		if open < 0 {
			segs = append(segs, segment{segText, src})
			break
		}
		if open > 0 {
			segs = append(segs, segment{segText, src[:open]})
		}
		rest := src[open+2:]
		end := strings.Index(rest, closer)
		if end < 0 {
			return nil, fmt.Errorf("unterminated %q", src[open:open+2])
		}
		segs = append(segs, segment{kind, strings.TrimSpace(rest[:end])})
		src = rest[end+2:]
	}
	return segs, nil
}

// parseNodes consumes segments until the end of input or, inside an if
// block, until an else/endif tag (left for the caller to consume).
func parseNodes(segs []segment, pos *int, insideIf bool) ([]node, error) {
	var nodes []node
	for *pos < len(segs) {
		seg := segs[*pos]
		switch seg.kind {
		case segText:
			nodes = append(nodes, textNode(seg.text))
			*pos++
		case segExpr:
			pipe, err := parsePipelineString(seg.text)
			if err != nil {
				return nil, fmt.Errorf("in {{ %s }}: %w", seg.text, err)
			}
			nodes = append(nodes, &exprNode{pipe: pipe})
			*pos++
		case segTag:
			switch {
			case strings.HasPrefix(seg.text, "if "):
				n, err := parseIf(segs, pos)
				if err != nil {
					return nil, err
				}
				nodes = append(nodes, n)
			case seg.text == "else" || seg.text == "endif":
				if !insideIf {
					return nil, fmt.Errorf("unexpected {%% %s %%}", seg.text)
				}
				return nodes, nil
			default:
				return nil, fmt.Errorf("unknown tag {%% %s %%}", seg.text)
			}
		}
	}
	if insideIf {
		return nil, fmt.Errorf("missing {%% endif %%}")
	}
	return nodes, nil
}

func parseIf(segs []segment, pos *int) (node, error) {
	condSrc := strings.TrimSpace(strings.TrimPrefix(segs[*pos].text, "if "))
	cond, err := parseCondString(condSrc)
	if err != nil {
		return nil, fmt.Errorf("in {%% if %s %%}: %w", condSrc, err)
	}
	*pos++

	then, err := parseNodes(segs, pos, true)
	if err != nil {
		return nil, err
	}

	var els []node
	if *pos < len(segs) && segs[*pos].kind == segTag && segs[*pos].text == "else" {
		*pos++
		if els, err = parseNodes(segs, pos, true); err != nil {
			return nil, err
		}
	}
	if *pos >= len(segs) || segs[*pos].kind != segTag || segs[*pos].text != "endif" {
		return nil, fmt.Errorf("missing {%% endif %%}")
	}
	*pos++
	return &ifNode{cond: cond, then: then, els: els}, nil
}

// expression tokenizer and parser

type tokKind int

const (
	tokIdent tokKind = iota
	tokString
	tokNumber
	tokPipe
	tokComma
	tokLParen
	tokRParen
	tokDot
	tokEq
	tokNe
	tokEOF
)

type token struct {
	kind tokKind
	text string
}

type lexer struct {
	src  string
	pos  int
	toks []token
}

func lex(src string) ([]token, error) {
	l := &lexer{src: src}
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			l.pos++
		case c == '|':
			l.emit(tokPipe, "|")
		case c == ',':
			l.emit(tokComma, ",")
		case c == '(':
			l.emit(tokLParen, "(")
		case c == ')':
			l.emit(tokRParen, ")")
		case c == '.':
			l.emit(tokDot, ".")
		case c == '=' || c == '!':
			if l.pos+1 >= len(l.src) || l.src[l.pos+1] != '=' {
				return nil, fmt.Errorf("unexpected %q", c)
			}
			if c == '=' {
				l.toks = append(l.toks, token{tokEq, "=="})
			} else {
				l.toks = append(l.toks, token{tokNe, "!="})
			}
			l.pos += 2
		case c == '\'' || c == '"':
			end := strings.IndexByte(l.src[l.pos+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("unterminated string")
			}
			l.toks = append(l.toks, token{tokString, l.src[l.pos+1 : l.pos+1+end]})
			l.pos += end + 2
		case c >= '0' && c <= '9' || c == '-':
			start := l.pos
			l.pos++
			for l.pos < len(l.src) && (l.src[l.pos] >= '0' && l.src[l.pos] <= '9' || l.src[l.pos] == '.') {
				l.pos++
			}
			l.toks = append(l.toks, token{tokNumber, l.src[start:l.pos]})
		case isIdentStart(c):
			start := l.pos
			for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
				l.pos++
			}
			l.toks = append(l.toks, token{tokIdent, l.src[start:l.pos]})
		default:
			return nil, fmt.Errorf("unexpected character %q", c)
		}
	}
	l.toks = append(l.toks, token{tokEOF, ""})
	return l.toks, nil
}

func (l *lexer) emit(kind tokKind, text string) {
	l.toks = append(l.toks, token{kind, text})
	l.pos++
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	p.pos++
	return t
}

func (p *parser) accept(k tokKind) bool {
	if p.toks[p.pos].kind == k {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(k tokKind, what string) error {
	if !p.accept(k) {
		return fmt.Errorf("expected %s, found %q", what, p.peek().text)
	}
	return nil
}

func parsePipelineString(src string) (*pipelineExpr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	pipe, err := p.parsePipeline()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("trailing input %q", p.peek().text)
	}
	return pipe, nil
}

func parseCondString(src string) (*condExpr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	cond, err := p.parseCond()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("trailing input %q", p.peek().text)
	}
	return cond, nil
}

func (p *parser) parseCond() (*condExpr, error) {
	left, err := p.parsePipeline()
	if err != nil {
		return nil, err
	}
	cond := &condExpr{left: left}
	switch p.peek().kind {
	case tokEq:
		cond.op = "=="
	case tokNe:
		cond.op = "!="
	default:
		return cond, nil
	}
	p.next()
	if cond.right, err = p.parsePipeline(); err != nil {
		return nil, err
	}
	return cond, nil
}

func (p *parser) parsePipeline() (*pipelineExpr, error) {
	base, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	pipe := &pipelineExpr{base: base}
	for p.accept(tokPipe) {
		tok := p.next()
		if tok.kind != tokIdent {
			return nil, fmt.Errorf("expected filter name, found %q", tok.text)
		}
		call := &callExpr{name: tok.text}
		if p.accept(tokLParen) {
			if call.args, err = p.parseArgs(); err != nil {
				return nil, err
			}
		}
		pipe.filters = append(pipe.filters, call)
	}
	return pipe, nil
}

func (p *parser) parseTerm() (*termExpr, error) {
	tok := p.next()
	switch tok.kind {
	case tokString:
		return &termExpr{kind: termLiteral, literal: tok.text}, nil
	case tokNumber:
		if strings.Contains(tok.text, ".") {
			f, err := strconv.ParseFloat(tok.text, 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q", tok.text)
			}
			return &termExpr{kind: termLiteral, literal: f}, nil
		}
		n, err := strconv.Atoi(tok.text)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", tok.text)
		}
		return &termExpr{kind: termLiteral, literal: n}, nil
	case tokIdent:
		if p.accept(tokLParen) {
			call := &callExpr{name: tok.text}
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			call.args = args
			return &termExpr{kind: termCall, call: call}, nil
		}
		path := []string{tok.text}
		for p.accept(tokDot) {
			part := p.next()
			if part.kind != tokIdent {
				return nil, fmt.Errorf("expected attribute after '.', found %q", part.text)
			}
			path = append(path, part.text)
		}
		return &termExpr{kind: termVariable, path: path}, nil
	default:
		return nil, fmt.Errorf("expected value, found %q", tok.text)
	}
}

// parseArgs parses a comma-separated argument list; the '(' is consumed.
func (p *parser) parseArgs() ([]*pipelineExpr, error) {
	if p.accept(tokRParen) {
		return nil, nil
	}
	var args []*pipelineExpr
	for {
		arg, err := p.parsePipeline()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.accept(tokComma) {
			continue
		}
		if err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return args, nil
	}
}
