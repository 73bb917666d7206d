// Package safeexpr evaluates a restricted boolean/arithmetic expression
// language over snapshot state. The grammar covers literals, names,
// attribute and subscript access, list/tuple/dict literals, comparisons,
// membership tests, boolean connectives and basic arithmetic. Call syntax
// is rejected outright, with one exception: the get builtin, which reads a
// dotted path out of the bound state with a default. There is no
// reflection, no method dispatch and no user-defined functions, so an
// expression can only inspect the values it was handed.
package safeexpr

import "strings"

// GetFunc is the signature of the get builtin: dotted path plus default.
type GetFunc func(path string, def any) any

// Env binds free names for one evaluation. Values are the JSON object
// model: map[string]any, []any, string, float64, bool, nil.
type Env map[string]any

// StateGetter returns a GetFunc that resolves dotted paths against a
// component-keyed state map, trying the longest matching component ID
// first so dotted component IDs resolve correctly.
func StateGetter(components map[string]map[string]any) GetFunc {
	return func(path string, def any) any {
		segs := strings.Split(path, ".")
		for cut := len(segs); cut >= 1; cut-- {
			compID := strings.Join(segs[:cut], ".")
			comp, ok := components[compID]
			if !ok {
				continue
			}
			var cur any = map[string]any(comp)
			found := true
			for _, s := range segs[cut:] {
				m, ok := cur.(map[string]any)
				if !ok {
					found = false
					break
				}
				cur, ok = m[s]
				if !ok {
					found = false
					break
				}
			}
			if found {
				return cur
			}
		}
		return def
	}
}

// Expr is a parsed expression ready for evaluation.
type Expr struct {
	Source string
	root   node
}

// Eval evaluates the expression against env.
func (e *Expr) Eval(env Env) (any, error) {
	return evalNode(e.root, env)
}

// EvalBool evaluates the expression and requires a boolean result.
func (e *Expr) EvalBool(env Env) (bool, error) {
	v, err := evalNode(e.root, env)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, evalErrf("expression %q did not evaluate to a boolean", e.Source)
	}
	return b, nil
}

// Eval parses and evaluates src in one step.
func Eval(src string, env Env) (any, error) {
	ex, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return ex.Eval(env)
}

// EvalBool parses and evaluates src, requiring a boolean result.
func EvalBool(src string, env Env) (bool, error) {
	ex, err := Parse(src)
	if err != nil {
		return false, err
	}
	return ex.EvalBool(env)
}

func evalNode(n node, env Env) (any, error) {
	switch n := n.(type) {
	case *nodeLiteral:
		return n.Value, nil
	case *nodeName:
		v, ok := env[n.Name]
		if !ok {
			return nil, evalErrf("unknown name %q", n.Name)
		}
		return v, nil
	case *nodeAttr:
		x, err := evalNode(n.X, env)
		if err != nil {
			return nil, err
		}
		m, ok := x.(map[string]any)
		if !ok {
			return nil, evalErrf("attribute access on non-object value")
		}
		v, ok := m[n.Name]
		if !ok {
			return nil, evalErrf("unknown attribute %q", n.Name)
		}
		return v, nil
	case *nodeIndex:
		return evalIndex(n, env)
	case *nodeUnary:
		x, err := evalNode(n.X, env)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case "not":
			b, ok := x.(bool)
			if !ok {
				return nil, evalErrf("operand of 'not' is not a boolean")
			}
			return !b, nil
		case "-":
			f, ok := asNumber(x)
			if !ok {
				return nil, evalErrf("operand of unary '-' is not a number")
			}
			return -f, nil
		}
		return nil, evalErrf("unknown unary operator %q", n.Op)
	case *nodeBinary:
		return evalBinary(n, env)
	case *nodeList:
		out := make([]any, 0, len(n.Elems))
		for _, e := range n.Elems {
			v, err := evalNode(e, env)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case *nodeDict:
		out := make(map[string]any, len(n.Keys))
		for i, k := range n.Keys {
			kv, err := evalNode(k, env)
			if err != nil {
				return nil, err
			}
			ks, ok := kv.(string)
			if !ok {
				return nil, evalErrf("dict keys must be strings")
			}
			vv, err := evalNode(n.Values[i], env)
			if err != nil {
				return nil, err
			}
			out[ks] = vv
		}
		return out, nil
	case *nodeCall:
		return evalCall(n, env)
	}
	return nil, evalErrf("unsupported expression node")
}

func evalIndex(n *nodeIndex, env Env) (any, error) {
	x, err := evalNode(n.X, env)
	if err != nil {
		return nil, err
	}
	idx, err := evalNode(n.Idx, env)
	if err != nil {
		return nil, err
	}
	switch x := x.(type) {
	case map[string]any:
		k, ok := idx.(string)
		if !ok {
			return nil, evalErrf("object subscript must be a string")
		}
		v, ok := x[k]
		if !ok {
			return nil, evalErrf("unknown key %q", k)
		}
		return v, nil
	case []any:
		f, ok := asNumber(idx)
		if !ok {
			return nil, evalErrf("list subscript must be a number")
		}
		i := int(f)
		if i < 0 {
			i += len(x)
		}
		if i < 0 || i >= len(x) {
			return nil, evalErrf("list index %d out of range", int(f))
		}
		return x[i], nil
	case string:
		f, ok := asNumber(idx)
		if !ok {
			return nil, evalErrf("string subscript must be a number")
		}
		i := int(f)
		if i < 0 {
			i += len(x)
		}
		if i < 0 || i >= len(x) {
			return nil, evalErrf("string index %d out of range", int(f))
		}
		return string(x[i]), nil
	}
	return nil, evalErrf("value is not subscriptable")
}

// evalCall allows exactly one callable: the get builtin bound in the env.
func evalCall(n *nodeCall, env Env) (any, error) {
	name, ok := n.Func.(*nodeName)
	if !ok || name.Name != "get" {
		return nil, evalErrf("function calls are not allowed")
	}
	fn, ok := env["get"].(GetFunc)
	if !ok {
		return nil, evalErrf("get is not available in this context")
	}
	if len(n.Args) < 1 || len(n.Args) > 2 {
		return nil, evalErrf("get takes a path and an optional default")
	}
	pathV, err := evalNode(n.Args[0], env)
	if err != nil {
		return nil, err
	}
	path, ok := pathV.(string)
	if !ok {
		return nil, evalErrf("get path must be a string")
	}
	var def any
	if len(n.Args) == 2 {
		def, err = evalNode(n.Args[1], env)
		if err != nil {
			return nil, err
		}
	}
	return fn(path, def), nil
}

func evalBinary(n *nodeBinary, env Env) (any, error) {
	// short-circuit connectives
	if n.Op == "and" || n.Op == "or" {
		lv, err := evalNode(n.L, env)
		if err != nil {
			return nil, err
		}
		lb, ok := lv.(bool)
		if !ok {
			return nil, evalErrf("operand of %q is not a boolean", n.Op)
		}
		if n.Op == "and" && !lb {
			return false, nil
		}
		if n.Op == "or" && lb {
			return true, nil
		}
		rv, err := evalNode(n.R, env)
		if err != nil {
			return nil, err
		}
		rb, ok := rv.(bool)
		if !ok {
			return nil, evalErrf("operand of %q is not a boolean", n.Op)
		}
		return rb, nil
	}

	lv, err := evalNode(n.L, env)
	if err != nil {
		return nil, err
	}
	rv, err := evalNode(n.R, env)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case "==":
		return looseEqual(lv, rv), nil
	case "!=":
		return !looseEqual(lv, rv), nil
	case "<", "<=", ">", ">=":
		return evalOrder(n.Op, lv, rv)
	case "in":
		return evalIn(lv, rv)
	case "not in":
		in, err := evalIn(lv, rv)
		if err != nil {
			return nil, err
		}
		return !in, nil
	case "+":
		if ls, ok := lv.(string); ok {
			rs, ok := rv.(string)
			if !ok {
				return nil, evalErrf("cannot add string and non-string")
			}
			return ls + rs, nil
		}
		return evalArith(n.Op, lv, rv)
	case "-", "*", "/", "%":
		return evalArith(n.Op, lv, rv)
	}
	return nil, evalErrf("unknown operator %q", n.Op)
}

func evalOrder(op string, lv, rv any) (any, error) {
	if lf, ok := asNumber(lv); ok {
		rf, ok := asNumber(rv)
		if !ok {
			return nil, evalErrf("cannot compare number with non-number")
		}
		switch op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}
	if ls, ok := lv.(string); ok {
		rs, ok := rv.(string)
		if !ok {
			return nil, evalErrf("cannot compare string with non-string")
		}
		switch op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}
	return nil, evalErrf("operands of %q are not ordered", op)
}

func evalIn(needle, haystack any) (bool, error) {
	switch h := haystack.(type) {
	case []any:
		for _, v := range h {
			if looseEqual(needle, v) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		k, ok := needle.(string)
		if !ok {
			return false, evalErrf("membership key for object must be a string")
		}
		_, ok = h[k]
		return ok, nil
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, evalErrf("membership needle for string must be a string")
		}
		return strings.Contains(h, s), nil
	}
	return false, evalErrf("right operand of 'in' is not a container")
}

func evalArith(op string, lv, rv any) (any, error) {
	lf, ok := asNumber(lv)
	if !ok {
		return nil, evalErrf("left operand of %q is not a number", op)
	}
	rf, ok := asNumber(rv)
	if !ok {
		return nil, evalErrf("right operand of %q is not a number", op)
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, evalErrf("division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, evalErrf("modulo by zero")
		}
		li, ri := int64(lf), int64(rf)
		return float64(li % ri), nil
	}
	return nil, evalErrf("unknown arithmetic operator %q", op)
}

// looseEqual compares values with numeric normalization so ints surviving
// a JSON round-trip compare equal to their float forms.
func looseEqual(a, b any) bool {
	if af, ok := asNumber(a); ok {
		if bf, ok := asNumber(b); ok {
			return af == bf
		}
		return false
	}
	switch a := a.(type) {
	case nil:
		return b == nil
	case string:
		bs, ok := b.(string)
		return ok && a == bs
	case bool:
		bb, ok := b.(bool)
		return ok && a == bb
	case []any:
		bl, ok := b.([]any)
		if !ok || len(a) != len(bl) {
			return false
		}
		for i := range a {
			if !looseEqual(a[i], bl[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bm, ok := b.(map[string]any)
		if !ok || len(a) != len(bm) {
			return false
		}
		for k, av := range a {
			bv, ok := bm[k]
			if !ok || !looseEqual(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

func asNumber(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint64:
		return float64(v), true
	case bool:
		// booleans are not numbers here
		return 0, false
	}
	return 0, false
}
