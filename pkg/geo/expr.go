package geo

import (
	"fmt"
	"strconv"
	"strings"
)

// exprNode is a compiled arithmetic expression over named byte inputs.
// Pixel values are promoted to int for evaluation; comparisons yield 0 or 1.
type exprNode interface {
	eval(env func(name string) int) int
}

type numNode int

func (n numNode) eval(func(string) int) int { return int(n) }

type varNode string

func (v varNode) eval(env func(string) int) int { return env(string(v)) }

type unaryNode struct {
	op string
	x  exprNode
}

func (u unaryNode) eval(env func(string) int) int {
	v := u.x.eval(env)
	switch u.op {
	case "-":
		return -v
	case "~":
		return ^v
	case "!":
		if v == 0 {
			return 1
		}
		return 0
	}
	return v
}

type binaryNode struct {
	op   string
	l, r exprNode
}

func (b binaryNode) eval(env func(string) int) int {
	l := b.l.eval(env)
	r := b.r.eval(env)
	switch b.op {
	case "+":
		return l + r
	case "-":
		return l - r
	case "*":
		return l * r
	case "/":
		if r == 0 {
			return 0
		}
		return l / r
	case "%":
		if r == 0 {
			return 0
		}
		return l % r
	case "<<":
		return l << uint(r&31)
	case ">>":
		return l >> uint(r&31)
	case "&":
		return l & r
	case "^":
		return l ^ r
	case "|":
		return l | r
	case "==":
		return b2i(l == r)
	case "!=":
		return b2i(l != r)
	case "<":
		return b2i(l < r)
	case ">":
		return b2i(l > r)
	case "<=":
		return b2i(l <= r)
	case ">=":
		return b2i(l >= r)
	}
	return 0
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// compileExpr parses a band-math expression. Inputs are referenced as
// A0..An, the running output band as B. Operator precedence follows C.
func compileExpr(src string) (exprNode, error) {
	p := &exprParser{src: src}
	node, err := p.parseLevel(0)
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", src, err)
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, fmt.Errorf("expression %q: trailing input at offset %d", src, p.pos)
	}
	return node, nil
}

// Binary operator tiers, loosest first.
var exprTiers = [][]string{
	{"|"},
	{"^"},
	{"&"},
	{"==", "!="},
	{"<=", ">=", "<", ">"},
	{"<<", ">>"},
	{"+", "-"},
	{"*", "/", "%"},
}

type exprParser struct {
	src string
	pos int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *exprParser) accept(ops []string) (string, bool) {
	p.skipSpace()
	for _, op := range ops {
		if strings.HasPrefix(p.src[p.pos:], op) {
			// Avoid eating "<=" as "<" or "<<".
			rest := p.src[p.pos+len(op):]
			if (op == "<" || op == ">") && strings.HasPrefix(rest, "=") {
				continue
			}
			if op == "<" && strings.HasPrefix(rest, "<") {
				continue
			}
			if op == ">" && strings.HasPrefix(rest, ">") {
				continue
			}
			p.pos += len(op)
			return op, true
		}
	}
	return "", false
}

func (p *exprParser) parseLevel(tier int) (exprNode, error) {
	if tier >= len(exprTiers) {
		return p.parseUnary()
	}
	left, err := p.parseLevel(tier + 1)
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.accept(exprTiers[tier])
		if !ok {
			return left, nil
		}
		right, err := p.parseLevel(tier + 1)
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, l: left, r: right}
	}
}

func (p *exprParser) parseUnary() (exprNode, error) {
	p.skipSpace()
	if p.pos < len(p.src) {
		switch p.src[p.pos] {
		case '-', '~', '!':
			op := string(p.src[p.pos])
			p.pos++
			x, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			return unaryNode{op: op, x: x}, nil
		}
	}
	return p.parseAtom()
}

func (p *exprParser) parseAtom() (exprNode, error) {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return nil, fmt.Errorf("unexpected end of input")
	}

	c := p.src[p.pos]
	switch {
	case c == '(':
		p.pos++
		node, err := p.parseLevel(0)
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.pos >= len(p.src) || p.src[p.pos] != ')' {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return node, nil

	case c >= '0' && c <= '9':
		start := p.pos
		for p.pos < len(p.src) && isNumChar(p.src[p.pos]) {
			p.pos++
		}
		v, err := strconv.ParseInt(p.src[start:p.pos], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("number %q: %w", p.src[start:p.pos], err)
		}
		return numNode(v), nil

	case c >= 'A' && c <= 'Z':
		start := p.pos
		p.pos++
		for p.pos < len(p.src) && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
			p.pos++
		}
		return varNode(p.src[start:p.pos]), nil
	}
	return nil, fmt.Errorf("unexpected character %q at offset %d", c, p.pos)
}

func isNumChar(c byte) bool {
	return (c >= '0' && c <= '9') || c == 'x' || c == 'X' || c == 'b' || c == 'B' ||
		(c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
