package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode"
)

// ErrMalformedCondition is returned when a condition string cannot be parsed.
var ErrMalformedCondition = errors.New("malformed condition")

// Lookup resolves a field name against the entity being evaluated.
type Lookup func(field string) (interface{}, error)

// Expr is a parsed condition.
type Expr interface {
	// Eval evaluates the expression. Every term is evaluated so that a missing
	// field anywhere in the expression surfaces as an error.
	Eval(lookup Lookup) (bool, error)
	String() string
}

// Comparison is a single `field op value` test.
type Comparison struct {
	Field string
	Op    string
	Value string
}

// And is true when every term is true.
type And struct {
	Terms []Expr
}

// Or is true when any term is true.
type Or struct {
	Terms []Expr
}

// Eval implements Expr.
func (c Comparison) Eval(lookup Lookup) (bool, error) {
	actual, err := lookup(c.Field)
	if err != nil {
		return false, fmt.Errorf("field %q: %w", c.Field, err)
	}
	return Compare(actual, c.Op, c.Value), nil
}

func (c Comparison) String() string {
	return c.Field + " " + c.Op + " " + c.Value
}

// Eval implements Expr.
func (a And) Eval(lookup Lookup) (bool, error) {
	result := true
	for _, t := range a.Terms {
		ok, err := t.Eval(lookup)
		if err != nil {
			return false, err
		}
		result = result && ok
	}
	return result, nil
}

func (a And) String() string {
	return join(a.Terms, " AND ")
}

// Eval implements Expr.
func (o Or) Eval(lookup Lookup) (bool, error) {
	result := false
	for _, t := range o.Terms {
		ok, err := t.Eval(lookup)
		if err != nil {
			return false, err
		}
		result = result || ok
	}
	return result, nil
}

func (o Or) String() string {
	return join(o.Terms, " OR ")
}

func join(terms []Expr, sep string) string {
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = "(" + t.String() + ")"
	}
	return strings.Join(parts, sep)
}

var comparisonPattern = regexp.MustCompile(`^(\w+)\s*(>=|<=|!=|>|<|=)\s*(.+)$`)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokLParen
	tokRParen
	tokAnd
	tokOr
)

type token struct {
	kind tokenKind
	text string
}

// Parse parses a condition such as
// "(severity >= high AND affectedCount > 100) OR notificationRequired = true".
// OR binds looser than AND. A stray closing parenthesis is ignored and an
// unclosed one is closed at the end of the input.
func Parse(condition string) (Expr, error) {
	toks := balance(tokenize(condition))
	if len(toks) == 0 {
		return nil, fmt.Errorf("%w: empty condition", ErrMalformedCondition)
	}
	p := &parser{toks: toks}
	expr, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrMalformedCondition, condition, err)
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("%w: %q: unexpected %q", ErrMalformedCondition, condition, p.toks[p.pos].text)
	}
	return expr, nil
}

func tokenize(s string) []token {
	var toks []token
	var word strings.Builder
	flush := func() {
		if word.Len() == 0 {
			return
		}
		w := word.String()
		word.Reset()
		switch w {
		case "AND":
			toks = append(toks, token{kind: tokAnd, text: w})
		case "OR":
			toks = append(toks, token{kind: tokOr, text: w})
		default:
			toks = append(toks, token{kind: tokWord, text: w})
		}
	}
	for _, r := range s {
		switch {
		case r == '(':
			flush()
			toks = append(toks, token{kind: tokLParen, text: "("})
		case r == ')':
			flush()
			toks = append(toks, token{kind: tokRParen, text: ")"})
		case unicode.IsSpace(r):
			flush()
		default:
			word.WriteRune(r)
		}
	}
	flush()
	return toks
}

func balance(toks []token) []token {
	out := make([]token, 0, len(toks))
	depth := 0
	for _, t := range toks {
		switch t.kind {
		case tokLParen:
			depth++
		case tokRParen:
			if depth == 0 {
				continue
			}
			depth--
		}
		out = append(out, t)
	}
	for ; depth > 0; depth-- {
		out = append(out, token{kind: tokRParen, text: ")"})
	}
	return out
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) parseOr() (Expr, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := []Expr{first}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOr {
			break
		}
		p.pos++
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return Or{Terms: terms}, nil
}

func (p *parser) parseAnd() (Expr, error) {
	first, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	terms := []Expr{first}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokAnd {
			break
		}
		p.pos++
		next, err := p.parseAtom()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return And{Terms: terms}, nil
}

func (p *parser) parseAtom() (Expr, error) {
	t, ok := p.peek()
	if !ok {
		return nil, errors.New("unexpected end of condition")
	}
	if t.kind == tokLParen {
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing, ok := p.peek(); !ok || closing.kind != tokRParen {
			return nil, errors.New("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	}

	var words []string
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokWord {
			break
		}
		words = append(words, t.text)
		p.pos++
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("expected comparison, got %q", t.text)
	}
	return parseComparison(strings.Join(words, " "))
}

func parseComparison(s string) (Comparison, error) {
	m := comparisonPattern.FindStringSubmatch(s)
	if m == nil {
		return Comparison{}, fmt.Errorf("invalid comparison %q", s)
	}
	value := unquote(strings.TrimSpace(m[3]))
	if value == "" {
		return Comparison{}, fmt.Errorf("missing value in %q", s)
	}
	if strings.ContainsAny(value[:1], "<>=!") {
		return Comparison{}, fmt.Errorf("invalid operator in %q", s)
	}
	return Comparison{Field: m[1], Op: m[2], Value: value}, nil
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

type compiled struct {
	expr Expr
	err  error
}

// Compiler parses conditions once and caches the result, including parse failures.
type Compiler struct {
	cache map[string]compiled
	mu    sync.RWMutex
}

// NewCompiler creates a Compiler with an empty cache.
func NewCompiler() *Compiler {
	return &Compiler{cache: make(map[string]compiled)}
}

// Compile returns the cached expression for condition, parsing it on first use.
func (c *Compiler) Compile(condition string) (Expr, error) {
	c.mu.RLock()
	entry, ok := c.cache[condition]
	c.mu.RUnlock()
	if ok {
		return entry.expr, entry.err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok = c.cache[condition]; !ok {
		expr, err := Parse(condition)
		entry = compiled{expr: expr, err: err}
		c.cache[condition] = entry
	}
	return entry.expr, entry.err
}

// Evaluate compiles and evaluates condition. Any parse or lookup failure yields false.
func (c *Compiler) Evaluate(condition string, lookup Lookup) (bool, error) {
	expr, err := c.Compile(condition)
	if err != nil {
		return false, err
	}
	return expr.Eval(lookup)
}
