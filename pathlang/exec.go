package pathlang

import "sort"

type match struct {
	path   PathArray
	value  interface{}
	exists bool
}

// QueryValues returns the non-materialized-path flat results of
// evaluating cp against json.
func QueryValues(json interface{}, cp CompiledPath) []interface{} {
	matches := run(json, cp, false)
	out := make([]interface{}, 0, len(matches))
	for _, m := range matches {
		if m.exists {
			out = append(out, m.value)
		}
	}
	return out
}

// QueryPaths returns only paths whose final slot exists.
func QueryPaths(json interface{}, cp CompiledPath) []PathArray {
	matches := run(json, cp, false)
	out := make([]PathArray, 0, len(matches))
	for _, m := range matches {
		if m.exists {
			out = append(out, m.path)
		}
	}
	return out
}

// QuerySlots returns paths whose final slot exists plus paths whose
// final slot does not yet exist but whose parent does (needed so Set can
// address a new key).
func QuerySlots(json interface{}, cp CompiledPath) []PathArray {
	matches := run(json, cp, true)
	out := make([]PathArray, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.path)
	}
	return out
}

// SplitIntoSingularPaths fans out a multi-key/slice/filter/wildcard path
// into individually addressable single-path CompiledPaths, evaluated
// against current state so every fan-out result names one concrete
// literal path.
func SplitIntoSingularPaths(json interface{}, cp CompiledPath) []CompiledPath {
	paths := QuerySlots(json, cp)
	out := make([]CompiledPath, 0, len(paths))
	for _, p := range paths {
		seg := make(CompiledPath, 0, len(p))
		for _, step := range p {
			switch s := step.(type) {
			case string:
				seg = append(seg, Segment{Kind: SegKey, Key: s})
			case int:
				seg = append(seg, Segment{Kind: SegIndex, Index: s})
			}
		}
		out = append(out, seg)
	}
	return out
}

func run(root interface{}, cp CompiledPath, allowMissingLast bool) []match {
	matches := []match{{path: PathArray{}, value: root, exists: true}}
	for i, seg := range cp {
		isLast := i == len(cp)-1
		var next []match
		for _, m := range matches {
			if !m.exists {
				continue
			}
			next = append(next, applySegment(root, m, seg, isLast && allowMissingLast)...)
		}
		matches = next
	}
	return matches
}

func applySegment(root interface{}, m match, seg Segment, allowMissing bool) []match {
	switch seg.Kind {
	case SegWildcard:
		return expandWildcard(m)
	case SegKey:
		return applyKey(m, seg.Key, allowMissing)
	case SegIndex:
		return applyIndex(m, seg.Index, allowMissing)
	case SegMultiKey:
		var out []match
		for _, k := range seg.Keys {
			out = append(out, applyKey(m, k, allowMissing)...)
		}
		return out
	case SegMultiIndex:
		var out []match
		for _, i := range seg.Indices {
			out = append(out, applyIndex(m, i, allowMissing)...)
		}
		return out
	case SegExprIndex:
		var out []match
		for _, e := range seg.ExprIdxs {
			v, err := EvalExpr(m.value, e)
			if err != nil {
				continue
			}
			n, ok := asNumber(v)
			if !ok {
				continue
			}
			out = append(out, applyIndex(m, int(n), allowMissing)...)
		}
		return out
	case SegSlice:
		return applySlice(m, seg.SliceVal)
	case SegExprSlice:
		sl := Slice{}
		if seg.ExprSlice[0] != nil {
			if v, err := EvalExpr(m.value, seg.ExprSlice[0]); err == nil {
				if n, ok := asNumber(v); ok {
					i := int(n)
					sl.From = &i
				}
			}
		}
		if seg.ExprSlice[1] != nil {
			if v, err := EvalExpr(m.value, seg.ExprSlice[1]); err == nil {
				if n, ok := asNumber(v); ok {
					i := int(n)
					sl.To = &i
				}
			}
		}
		if seg.ExprSlice[2] != nil {
			if v, err := EvalExpr(m.value, seg.ExprSlice[2]); err == nil {
				if n, ok := asNumber(v); ok {
					i := int(n)
					sl.Step = &i
				}
			}
		}
		return applySlice(m, sl)
	case SegFilter:
		return applyFilter(m, seg.Filter)
	case SegRecursive:
		return applyRecursive(m, seg.Recursive)
	default:
		return nil
	}
}

func applyKey(m match, key string, allowMissing bool) []match {
	obj, ok := m.value.(map[string]interface{})
	if !ok {
		return nil
	}
	v, ok := obj[key]
	path := append(append(PathArray{}, m.path...), key)
	if ok {
		return []match{{path: path, value: v, exists: true}}
	}
	if allowMissing {
		return []match{{path: path, value: nil, exists: false}}
	}
	return nil
}

func applyIndex(m match, idx int, allowMissing bool) []match {
	arr, ok := m.value.([]interface{})
	if !ok {
		return nil
	}
	eff := idx
	if eff < 0 {
		eff = len(arr) + eff
	}
	path := append(append(PathArray{}, m.path...), eff)
	if eff >= 0 && eff < len(arr) {
		return []match{{path: path, value: arr[eff], exists: true}}
	}
	if allowMissing && eff == len(arr) {
		return []match{{path: path, value: nil, exists: false}}
	}
	return nil
}

func expandWildcard(m match) []match {
	switch v := m.value.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]match, 0, len(keys))
		for _, k := range keys {
			out = append(out, match{path: append(append(PathArray{}, m.path...), k), value: v[k], exists: true})
		}
		return out
	case []interface{}:
		out := make([]match, 0, len(v))
		for i, elem := range v {
			out = append(out, match{path: append(append(PathArray{}, m.path...), i), value: elem, exists: true})
		}
		return out
	default:
		return nil
	}
}

func applySlice(m match, s Slice) []match {
	arr, ok := m.value.([]interface{})
	if !ok {
		return nil
	}
	n := len(arr)
	step := 1
	if s.Step != nil {
		step = *s.Step
	}
	if step == 0 {
		return nil
	}
	var from, to int
	if step > 0 {
		from, to = 0, n
	} else {
		from, to = n-1, -1
	}
	if s.From != nil {
		from = normalizeSliceIndex(*s.From, n)
	}
	if s.To != nil {
		to = normalizeSliceIndex(*s.To, n)
	}

	var out []match
	if step > 0 {
		for i := from; i < to && i < n; i += step {
			if i < 0 {
				continue
			}
			out = append(out, match{path: append(append(PathArray{}, m.path...), i), value: arr[i], exists: true})
		}
	} else {
		for i := from; i > to && i >= 0; i += step {
			if i >= n {
				continue
			}
			out = append(out, match{path: append(append(PathArray{}, m.path...), i), value: arr[i], exists: true})
		}
	}
	return out
}

func normalizeSliceIndex(i, n int) int {
	if i < 0 {
		return n + i
	}
	return i
}

func applyFilter(m match, expr *Expr) []match {
	arr, ok := m.value.([]interface{})
	if !ok {
		return nil
	}
	var out []match
	for i, elem := range arr {
		v, err := EvalExpr(elem, expr)
		if err != nil {
			continue
		}
		if truthy(v) {
			out = append(out, match{path: append(append(PathArray{}, m.path...), i), value: elem, exists: true})
		}
	}
	return out
}

// applyRecursive matches sub (usually a single Key/Wildcard segment) at
// every depth under m.value, including m.value itself.
func applyRecursive(m match, sub CompiledPath) []match {
	var out []match
	var walk func(prefix PathArray, value interface{})
	walk = func(prefix PathArray, value interface{}) {
		for _, sm := range run(value, sub, false) {
			if !sm.exists {
				continue
			}
			full := append(append(append(PathArray{}, m.path...), prefix...), sm.path...)
			out = append(out, match{path: full, value: sm.value, exists: true})
		}
		switch v := value.(type) {
		case map[string]interface{}:
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(append(append(PathArray{}, prefix...), k), v[k])
			}
		case []interface{}:
			for i, elem := range v {
				walk(append(append(PathArray{}, prefix...), i), elem)
			}
		}
	}
	walk(PathArray{}, m.value)
	return out
}
