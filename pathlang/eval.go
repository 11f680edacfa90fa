package pathlang

// EvalExpr evaluates e against self, the JSON value the expression is
// relative to (the element under test in a Filter, or the container
// being indexed in an ExprIndex/ExprSlice).
func EvalExpr(self interface{}, e *Expr) (interface{}, error) {
	switch e.Kind {
	case ExprSelf:
		return self, nil
	case ExprLiteral:
		return e.Literal, nil
	case ExprRelPath:
		v, ok := navigate(self, e.RelPath)
		if !ok {
			return nil, &ExprError{Message: "element missing at " + e.RelPath.String()}
		}
		return v, nil
	case ExprUnary:
		return evalUnary(self, e)
	case ExprBinary:
		return evalBinary(self, e)
	case ExprConditional:
		cond, err := EvalExpr(self, e.Cond)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return EvalExpr(self, e.Then)
		}
		return EvalExpr(self, e.Else)
	default:
		return nil, &ExprError{Message: "unknown expression kind"}
	}
}

func evalUnary(self interface{}, e *Expr) (interface{}, error) {
	v, err := EvalExpr(self, e.Operand)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case "neg":
		n, ok := asNumber(v)
		if !ok {
			return nil, &ExprError{Message: "unary '-' on non-number"}
		}
		return -n, nil
	case "!":
		return !truthy(v), nil
	default:
		return nil, &ExprError{Message: "unknown unary operator " + e.Op}
	}
}

func evalBinary(self interface{}, e *Expr) (interface{}, error) {
	if e.Op == "&&" {
		l, err := EvalExpr(self, e.Left)
		if err != nil {
			return nil, err
		}
		if !truthy(l) {
			return false, nil
		}
		r, err := EvalExpr(self, e.Right)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	}
	if e.Op == "||" {
		l, err := EvalExpr(self, e.Left)
		if err != nil {
			return nil, err
		}
		if truthy(l) {
			return true, nil
		}
		r, err := EvalExpr(self, e.Right)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	}

	left, err := EvalExpr(self, e.Left)
	if err != nil {
		return nil, err
	}
	right, err := EvalExpr(self, e.Right)
	if err != nil {
		return nil, err
	}

	switch e.Op {
	case "subscript":
		return evalSubscript(left, right)
	case "==":
		return deepEqual(left, right), nil
	case "!=":
		return !deepEqual(left, right), nil
	case "+", "-", "*", "/", "%", "<", "<=", ">", ">=":
		ln, lok := asNumber(left)
		rn, rok := asNumber(right)
		if !lok || !rok {
			return nil, &ExprError{Message: "operator '" + e.Op + "' given a non-number"}
		}
		switch e.Op {
		case "+":
			return ln + rn, nil
		case "-":
			return ln - rn, nil
		case "*":
			return ln * rn, nil
		case "/":
			if rn == 0 {
				return nil, &ExprError{Message: "division by zero"}
			}
			return ln / rn, nil
		case "%":
			if rn == 0 {
				return nil, &ExprError{Message: "modulo by zero"}
			}
			return float64(int64(ln) % int64(rn)), nil
		case "<":
			return ln < rn, nil
		case "<=":
			return ln <= rn, nil
		case ">":
			return ln > rn, nil
		case ">=":
			return ln >= rn, nil
		}
	}
	return nil, &ExprError{Message: "unknown binary operator " + e.Op}
}

func evalSubscript(container, key interface{}) (interface{}, error) {
	switch c := container.(type) {
	case map[string]interface{}:
		k, ok := key.(string)
		if !ok {
			return nil, &ExprError{Message: "subscript into object requires a string key"}
		}
		v, ok := c[k]
		if !ok {
			return nil, &ExprError{Message: "element missing: " + k}
		}
		return v, nil
	case []interface{}:
		n, ok := asNumber(key)
		if !ok {
			return nil, &ExprError{Message: "subscript into array requires a numeric index"}
		}
		i := int(n)
		if i < 0 || i >= len(c) {
			return nil, &ExprError{Message: "array index out of range"}
		}
		return c[i], nil
	default:
		return nil, &ExprError{Message: "subscript applied to non-container"}
	}
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}

func deepEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bv2, ok := bv[k]
			if !ok || !deepEqual(v, bv2) {
				return false
			}
		}
		return true
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		an, aok := asNumber(a)
		bn, bok := asNumber(b)
		if aok && bok {
			return an == bn
		}
		return a == b
	}
}

// navigate walks a literal PathArray (string|int steps) from root,
// returning (value, found).
func navigate(root interface{}, path PathArray) (interface{}, bool) {
	cur := root
	for _, step := range path {
		switch s := step.(type) {
		case string:
			m, ok := cur.(map[string]interface{})
			if !ok {
				return nil, false
			}
			cur, ok = m[s]
			if !ok {
				return nil, false
			}
		case int:
			a, ok := cur.([]interface{})
			if !ok || s < 0 || s >= len(a) {
				return nil, false
			}
			cur = a[s]
		default:
			return nil, false
		}
	}
	return cur, true
}
