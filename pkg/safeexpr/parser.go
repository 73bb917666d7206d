package safeexpr

import "strconv"

type parser struct {
	toks []token
	pos  int
}

// Parse compiles a source expression into a reusable Expr.
func Parse(src string) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, &ParseError{Pos: p.peek().pos, Msg: "trailing input after expression"}
	}
	return &Expr{Source: src, root: n}, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) accept(kind tokenKind, text string) bool {
	t := p.peek()
	if t.kind == kind && t.text == text {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(kind tokenKind, text string) error {
	if !p.accept(kind, text) {
		return &ParseError{Pos: p.peek().pos, Msg: "expected " + strconv.Quote(text)}
	}
	return nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept(tokIdent, "or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &nodeBinary{Op: "or", L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.accept(tokIdent, "and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &nodeBinary{Op: "and", L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.accept(tokIdent, "not") {
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &nodeUnary{Op: "not", X: x}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		var op string
		switch {
		case t.kind == tokOp && (t.text == "==" || t.text == "!=" || t.text == "<" || t.text == "<=" || t.text == ">" || t.text == ">="):
			op = t.text
			p.pos++
		case t.kind == tokIdent && t.text == "in":
			op = "in"
			p.pos++
		case t.kind == tokIdent && t.text == "not":
			// "not in"
			p.pos++
			if err := p.expect(tokIdent, "in"); err != nil {
				return nil, err
			}
			op = "not in"
		default:
			return left, nil
		}
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = &nodeBinary{Op: op, L: left, R: right}
	}
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.pos++
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &nodeBinary{Op: t.text, L: left, R: right}
	}
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "*" && t.text != "/" && t.text != "%") {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &nodeBinary{Op: t.text, L: left, R: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if p.accept(tokOp, "-") {
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &nodeUnary{Op: "-", X: x}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	x, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.accept(tokOp, "."):
			t := p.next()
			if t.kind != tokIdent {
				return nil, &ParseError{Pos: t.pos, Msg: "expected attribute name after '.'"}
			}
			x = &nodeAttr{X: x, Name: t.text}
		case p.accept(tokParen, "["):
			idx, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if err := p.expect(tokParen, "]"); err != nil {
				return nil, err
			}
			x = &nodeIndex{X: x, Idx: idx}
		case p.accept(tokParen, "("):
			var args []node
			if !p.accept(tokParen, ")") {
				for {
					arg, err := p.parseOr()
					if err != nil {
						return nil, err
					}
					args = append(args, arg)
					if p.accept(tokOp, ",") {
						continue
					}
					if err := p.expect(tokParen, ")"); err != nil {
						return nil, err
					}
					break
				}
			}
			x = &nodeCall{Func: x, Args: args}
		default:
			return x, nil
		}
	}
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	switch t.kind {
	case tokNumber:
		p.pos++
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, &ParseError{Pos: t.pos, Msg: "invalid number " + strconv.Quote(t.text)}
		}
		return &nodeLiteral{Value: f}, nil
	case tokString:
		p.pos++
		return &nodeLiteral{Value: t.text}, nil
	case tokIdent:
		switch t.text {
		case "True", "true":
			p.pos++
			return &nodeLiteral{Value: true}, nil
		case "False", "false":
			p.pos++
			return &nodeLiteral{Value: false}, nil
		case "None", "null", "none":
			p.pos++
			return &nodeLiteral{Value: nil}, nil
		case "and", "or", "not", "in":
			return nil, &ParseError{Pos: t.pos, Msg: "unexpected keyword " + strconv.Quote(t.text)}
		}
		p.pos++
		return &nodeName{Name: t.text}, nil
	case tokParen:
		switch t.text {
		case "(":
			p.pos++
			inner, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			// tuple literal
			if p.accept(tokOp, ",") {
				elems := []node{inner}
				for p.peek().kind != tokParen || p.peek().text != ")" {
					e, err := p.parseOr()
					if err != nil {
						return nil, err
					}
					elems = append(elems, e)
					if !p.accept(tokOp, ",") {
						break
					}
				}
				if err := p.expect(tokParen, ")"); err != nil {
					return nil, err
				}
				return &nodeList{Elems: elems}, nil
			}
			if err := p.expect(tokParen, ")"); err != nil {
				return nil, err
			}
			return inner, nil
		case "[":
			p.pos++
			var elems []node
			for !p.accept(tokParen, "]") {
				e, err := p.parseOr()
				if err != nil {
					return nil, err
				}
				elems = append(elems, e)
				if p.accept(tokOp, ",") {
					continue
				}
				if err := p.expect(tokParen, "]"); err != nil {
					return nil, err
				}
				break
			}
			return &nodeList{Elems: elems}, nil
		case "{":
			p.pos++
			d := &nodeDict{}
			for !p.accept(tokParen, "}") {
				k, err := p.parseOr()
				if err != nil {
					return nil, err
				}
				if err := p.expect(tokOp, ":"); err != nil {
					return nil, err
				}
				v, err := p.parseOr()
				if err != nil {
					return nil, err
				}
				d.Keys = append(d.Keys, k)
				d.Values = append(d.Values, v)
				if p.accept(tokOp, ",") {
					continue
				}
				if err := p.expect(tokParen, "}"); err != nil {
					return nil, err
				}
				break
			}
			return d, nil
		}
	}
	return nil, &ParseError{Pos: t.pos, Msg: "unexpected token"}
}
