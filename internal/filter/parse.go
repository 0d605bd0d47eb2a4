package filter

import (
	"strings"
	"unicode"

	"github.com/unimcp/unimcp/internal/mcperr"
)

// Expr is a compiled filter expression evaluated against a tag set.
type Expr interface {
	Matches(tags map[string]struct{}) bool
}

type tagExpr struct{ tag string }

func (e tagExpr) Matches(tags map[string]struct{}) bool {
	_, ok := tags[e.tag]
	return ok
}

type notExpr struct{ inner Expr }

func (e notExpr) Matches(tags map[string]struct{}) bool {
	return !e.inner.Matches(tags)
}

type andExpr struct{ operands []Expr }

func (e andExpr) Matches(tags map[string]struct{}) bool {
	for _, op := range e.operands {
		if !op.Matches(tags) {
			return false
		}
	}
	return true
}

type orExpr struct{ operands []Expr }

func (e orExpr) Matches(tags map[string]struct{}) bool {
	for _, op := range e.operands {
		if op.Matches(tags) {
			return true
		}
	}
	return false
}

// ParseExpression parses a boolean tag expression. Grammar, loosest binding
// first:
//
//	or   := and (("or" | "||" | ",") and)*
//	and  := unary (("and" | "&&" | "+") unary)*
//	unary := ("not" | "!")* primary
//	primary := "(" or ")" | TAG
//
// Keywords are case-insensitive. Tag characters are letters, digits and
// "_-./:".
func ParseExpression(src string) (Expr, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, mcperr.New(mcperr.KindInvalidParams, "empty filter expression")
	}
	p := &parser{tokens: tokens, src: src}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, mcperr.Newf(mcperr.KindInvalidParams,
			"unexpected %q in filter expression %q", p.peek(), src)
	}
	return expr, nil
}

const tokOpen, tokClose, tokAnd, tokOr, tokNot = "(", ")", "and", "or", "not"

func isTagRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("_-./:", r)
}

func tokenize(src string) ([]string, error) {
	var tokens []string
	runes := []rune(src)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, tokOpen)
			i++
		case r == ')':
			tokens = append(tokens, tokClose)
			i++
		case r == ',':
			tokens = append(tokens, tokOr)
			i++
		case r == '+':
			tokens = append(tokens, tokAnd)
			i++
		case r == '!':
			tokens = append(tokens, tokNot)
			i++
		case r == '&' || r == '|':
			if i+1 >= len(runes) || runes[i+1] != r {
				return nil, mcperr.Newf(mcperr.KindInvalidParams, "stray %q in filter expression %q", r, src)
			}
			if r == '&' {
				tokens = append(tokens, tokAnd)
			} else {
				tokens = append(tokens, tokOr)
			}
			i += 2
		case isTagRune(r):
			start := i
			for i < len(runes) && isTagRune(runes[i]) {
				i++
			}
			word := string(runes[start:i])
			switch strings.ToLower(word) {
			case "and":
				tokens = append(tokens, tokAnd)
			case "or":
				tokens = append(tokens, tokOr)
			case "not":
				tokens = append(tokens, tokNot)
			default:
				tokens = append(tokens, word)
			}
		default:
			return nil, mcperr.Newf(mcperr.KindInvalidParams, "invalid character %q in filter expression %q", r, src)
		}
	}
	return tokens, nil
}

type parser struct {
	tokens []string
	pos    int
	src    string
}

func (p *parser) done() bool { return p.pos >= len(p.tokens) }

func (p *parser) peek() string {
	if p.done() {
		return ""
	}
	return p.tokens[p.pos]
}

func (p *parser) accept(tok string) bool {
	if p.peek() == tok {
		p.pos++
		return true
	}
	return false
}

func (p *parser) parseOr() (Expr, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	operands := []Expr{first}
	for p.accept(tokOr) {
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		operands = append(operands, next)
	}
	if len(operands) == 1 {
		return first, nil
	}
	return orExpr{operands: operands}, nil
}

func (p *parser) parseAnd() (Expr, error) {
	first, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	operands := []Expr{first}
	for p.accept(tokAnd) {
		next, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		operands = append(operands, next)
	}
	if len(operands) == 1 {
		return first, nil
	}
	return andExpr{operands: operands}, nil
}

func (p *parser) parseUnary() (Expr, error) {
	negate := false
	for p.accept(tokNot) {
		negate = !negate
	}
	expr, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if negate {
		return notExpr{inner: expr}, nil
	}
	return expr, nil
}

func (p *parser) parsePrimary() (Expr, error) {
	if p.accept(tokOpen) {
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.accept(tokClose) {
			return nil, mcperr.Newf(mcperr.KindInvalidParams, "missing closing parenthesis in %q", p.src)
		}
		return expr, nil
	}

	tok := p.peek()
	switch tok {
	case "", tokClose, tokAnd, tokOr, tokNot:
		return nil, mcperr.Newf(mcperr.KindInvalidParams, "expected tag in filter expression %q", p.src)
	}
	p.pos++
	return tagExpr{tag: tok}, nil
}
