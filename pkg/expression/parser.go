package expression

import (
	"strings"
)

// Node kinds of the parsed expression tree.
type exprNode interface{ pos() int }

type literalNode struct {
	at  int
	val any // string, int64, float64, bool or nil
}

type identNode struct {
	at   int
	name string
}

type unaryNode struct {
	at      int
	op      string // "-" "+" "not"
	operand exprNode
}

type binaryNode struct {
	at    int
	op    string // arithmetic, comparison, "and", "or", "in", "not in", "is", "is not"
	left  exprNode
	right exprNode
}

type attrNode struct {
	at     int
	target exprNode
	name   string
}

type indexNode struct {
	at     int
	target exprNode
	index  exprNode
}

type callNode struct {
	at   int
	fn   string
	args []exprNode
}

type listNode struct {
	at    int
	items []exprNode
}

func (n *literalNode) pos() int { return n.at }
func (n *identNode) pos() int   { return n.at }
func (n *unaryNode) pos() int   { return n.at }
func (n *binaryNode) pos() int  { return n.at }
func (n *attrNode) pos() int    { return n.at }
func (n *indexNode) pos() int   { return n.at }
func (n *callNode) pos() int    { return n.at }
func (n *listNode) pos() int    { return n.at }

// whitelistedFunctions is the complete callable surface. Any other call
// target is a parse error, not a runtime lookup.
var whitelistedFunctions = map[string]struct{}{
	"len": {}, "str": {}, "int": {}, "float": {}, "bool": {},
	"max": {}, "min": {}, "sum": {}, "abs": {}, "round": {}, "sorted": {},
}

type parser struct {
	tokens []token
	pos    int
}

func parse(src string) (exprNode, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}

	p := &parser{tokens: tokens}

	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	if p.peek().kind != tokEOF {
		return nil, rejectf(p.peek().pos, "unexpected token %q", p.peek().text)
	}

	return node, nil
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}

	return t
}

func (p *parser) acceptOp(text string) bool {
	if t := p.peek(); t.kind == tokOp && t.text == text {
		p.pos++

		return true
	}

	return false
}

func (p *parser) acceptKeyword(text string) bool {
	if t := p.peek(); t.kind == tokKeyword && t.text == text {
		p.pos++

		return true
	}

	return false
}

func (p *parser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for p.peek().kind == tokKeyword && p.peek().text == "or" {
		at := p.next().pos

		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}

		left = &binaryNode{at: at, op: "or", left: left, right: right}
	}

	return left, nil
}

func (p *parser) parseAnd() (exprNode, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}

	for p.peek().kind == tokKeyword && p.peek().text == "and" {
		at := p.next().pos

		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}

		left = &binaryNode{at: at, op: "and", left: left, right: right}
	}

	return left, nil
}

func (p *parser) parseNot() (exprNode, error) {
	if t := p.peek(); t.kind == tokKeyword && t.text == "not" {
		at := p.next().pos

		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}

		return &unaryNode{at: at, op: "not", operand: operand}, nil
	}

	return p.parseComparison()
}

var comparisonOps = map[string]struct{}{
	"==": {}, "!=": {}, "<": {}, ">": {}, "<=": {}, ">=": {},
}

func (p *parser) parseComparison() (exprNode, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}

	for {
		t := p.peek()

		switch {
		case t.kind == tokOp && isComparisonOp(t.text):
			p.next()

			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}

			left = &binaryNode{at: t.pos, op: t.text, left: left, right: right}
		case t.kind == tokKeyword && t.text == "in":
			p.next()

			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}

			left = &binaryNode{at: t.pos, op: "in", left: left, right: right}
		case t.kind == tokKeyword && t.text == "is":
			p.next()

			op := "is"
			if p.acceptKeyword("not") {
				op = "is not"
			}

			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}

			left = &binaryNode{at: t.pos, op: op, left: left, right: right}
		case t.kind == tokKeyword && t.text == "not":
			// "not in" is the only postfix use of "not".
			p.next()

			if !p.acceptKeyword("in") {
				return nil, rejectf(t.pos, "expected 'in' after 'not'")
			}

			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}

			left = &binaryNode{at: t.pos, op: "not in", left: left, right: right}
		default:
			return left, nil
		}
	}
}

func isComparisonOp(text string) bool {
	_, ok := comparisonOps[text]

	return ok
}

func (p *parser) parseAdditive() (exprNode, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}

	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "+" && t.text != "-") {
			return left, nil
		}

		p.next()

		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}

		left = &binaryNode{at: t.pos, op: t.text, left: left, right: right}
	}
}

func (p *parser) parseMultiplicative() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "*" && t.text != "/" && t.text != "%") {
			return left, nil
		}

		p.next()

		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}

		left = &binaryNode{at: t.pos, op: t.text, left: left, right: right}
	}
}

func (p *parser) parseUnary() (exprNode, error) {
	if t := p.peek(); t.kind == tokOp && (t.text == "-" || t.text == "+") {
		p.next()

		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}

		return &unaryNode{at: t.pos, op: t.text, operand: operand}, nil
	}

	return p.parsePower()
}

func (p *parser) parsePower() (exprNode, error) {
	base, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}

	// Right-associative.
	if t := p.peek(); t.kind == tokOp && t.text == "**" {
		p.next()

		exp, err := p.parseUnary()
		if err != nil {
			return nil, err
		}

		return &binaryNode{at: t.pos, op: "**", left: base, right: exp}, nil
	}

	return base, nil
}

func (p *parser) parsePostfix() (exprNode, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		switch {
		case p.acceptOp("."):
			t := p.next()
			if t.kind != tokIdent {
				return nil, rejectf(t.pos, "expected attribute name")
			}

			if strings.HasPrefix(t.text, "__") {
				return nil, rejectf(t.pos, "double-underscore attribute access is not allowed")
			}

			node = &attrNode{at: t.pos, target: node, name: t.text}
		case p.acceptOp("["):
			idx, err := p.parseOr()
			if err != nil {
				return nil, err
			}

			if !p.acceptOp("]") {
				return nil, rejectf(p.peek().pos, "expected ']'")
			}

			node = &indexNode{at: node.pos(), target: node, index: idx}
		case p.peek().kind == tokOp && p.peek().text == "(":
			ident, ok := node.(*identNode)
			if !ok {
				return nil, rejectf(p.peek().pos, "only whitelisted functions may be called")
			}

			if _, ok := whitelistedFunctions[ident.name]; !ok {
				return nil, rejectf(ident.at, "function %q is not whitelisted", ident.name)
			}

			p.next()

			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}

			node = &callNode{at: ident.at, fn: ident.name, args: args}
		default:
			return node, nil
		}
	}
}

func (p *parser) parseArgs() ([]exprNode, error) {
	var args []exprNode

	if p.acceptOp(")") {
		return args, nil
	}

	for {
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}

		args = append(args, arg)

		if p.acceptOp(",") {
			continue
		}

		if p.acceptOp(")") {
			return args, nil
		}

		return nil, rejectf(p.peek().pos, "expected ',' or ')'")
	}
}

func (p *parser) parsePrimary() (exprNode, error) {
	t := p.peek()

	switch t.kind {
	case tokNumber:
		p.next()

		return numberLiteral(t)
	case tokString:
		p.next()

		return &literalNode{at: t.pos, val: t.text}, nil
	case tokKeyword:
		switch t.text {
		case "true":
			p.next()

			return &literalNode{at: t.pos, val: true}, nil
		case "false":
			p.next()

			return &literalNode{at: t.pos, val: false}, nil
		case "null", "none":
			p.next()

			return &literalNode{at: t.pos, val: nil}, nil
		default:
			return nil, rejectf(t.pos, "unexpected keyword %q", t.text)
		}
	case tokIdent:
		p.next()

		if strings.HasPrefix(t.text, "__") {
			return nil, rejectf(t.pos, "double-underscore names are not allowed")
		}

		return &identNode{at: t.pos, name: t.text}, nil
	case tokOp:
		switch t.text {
		case "(":
			p.next()

			inner, err := p.parseOr()
			if err != nil {
				return nil, err
			}

			if !p.acceptOp(")") {
				return nil, rejectf(p.peek().pos, "expected ')'")
			}

			return inner, nil
		case "[":
			p.next()

			var items []exprNode

			if !p.acceptOp("]") {
				for {
					item, err := p.parseOr()
					if err != nil {
						return nil, err
					}

					items = append(items, item)

					if p.acceptOp(",") {
						continue
					}

					if p.acceptOp("]") {
						break
					}

					return nil, rejectf(p.peek().pos, "expected ',' or ']'")
				}
			}

			return &listNode{at: t.pos, items: items}, nil
		}
	}

	return nil, rejectf(t.pos, "unexpected token %q", t.text)
}
