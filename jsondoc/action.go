// Package jsondoc implements the scalar action applier and the
// id-mapped JSON layer on top of it: anchoring direct paths to
// operation ids so concurrent edits converge, and resolving those
// anchors back to live paths before mutating the document.
package jsondoc

import (
	"fmt"

	"github.com/ar-nelson/osmosis/errs"
	"github.com/ar-nelson/osmosis/pathlang"
)

// ActionType enumerates the scalar mutation kinds.
type ActionType string

const (
	ActionSet          ActionType = "Set"
	ActionDelete       ActionType = "Delete"
	ActionAdd          ActionType = "Add"
	ActionMultiply     ActionType = "Multiply"
	ActionInitArray    ActionType = "InitArray"
	ActionInitObject   ActionType = "InitObject"
	ActionInsertBefore ActionType = "InsertBefore"
	ActionInsertAfter  ActionType = "InsertAfter"
	ActionInsertUnique ActionType = "InsertUnique"
	ActionMove         ActionType = "Move"
	ActionCopy         ActionType = "Copy"
)

// ApplyScalar applies a single scalar mutation to root at path. It
// returns the new root value (maps mutate in
// place; arrays may be replaced, so callers must use the returned root)
// and the list of paths that changed. Applying to the document root
// (empty path) is always a failure, except for Move/Copy whose source
// may be any path including one that does not exist (a failure in that
// case too).
func ApplyScalar(root interface{}, typ ActionType, path pathlang.PathArray, payload interface{}, source pathlang.PathArray) (newRoot interface{}, changed []pathlang.PathArray, err error) {
	if len(path) == 0 && typ != ActionMove && typ != ActionCopy {
		return root, nil, errs.NewActionFailure(nil, "cannot apply %s to document root", typ)
	}

	switch typ {
	case ActionSet:
		return applySet(root, path, payload)
	case ActionDelete:
		return applyDelete(root, path)
	case ActionAdd:
		return applyMath(root, path, payload, func(a, b float64) float64 { return a + b })
	case ActionMultiply:
		return applyMath(root, path, payload, func(a, b float64) float64 { return a * b })
	case ActionInitArray:
		return applyInit(root, path, []interface{}{})
	case ActionInitObject:
		return applyInit(root, path, map[string]interface{}{})
	case ActionInsertBefore:
		return applyInsert(root, path, payload, 0)
	case ActionInsertAfter:
		return applyInsert(root, path, payload, 1)
	case ActionInsertUnique:
		return applyInsertUnique(root, path, payload)
	case ActionMove:
		return applyMoveOrCopy(root, source, path, true)
	case ActionCopy:
		return applyMoveOrCopy(root, source, path, false)
	default:
		return root, nil, errs.NewActionFailure(path, "unknown action type %s", typ)
	}
}

// --- container access helpers -------------------------------------------------

func getChild(container interface{}, key interface{}) (interface{}, bool) {
	switch c := container.(type) {
	case map[string]interface{}:
		k, ok := key.(string)
		if !ok {
			return nil, false
		}
		v, ok := c[k]
		return v, ok
	case []interface{}:
		i, ok := key.(int)
		if !ok || i < 0 || i >= len(c) {
			return nil, false
		}
		return c[i], true
	default:
		return nil, false
	}
}

func isContainer(v interface{}) bool {
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		return true
	default:
		return false
	}
}

// applyAtParent navigates to the parent of path's final step and invokes
// fn(parent, lastKey), then propagates any structural replacement (e.g. a
// spliced array) back up the chain. fn returns the keys (relative to the
// parent) that changed; the final return value rebases them onto the
// full path.
func applyAtParent(root interface{}, path pathlang.PathArray, fn func(parent interface{}, key interface{}) (interface{}, []interface{}, error)) (interface{}, []pathlang.PathArray, error) {
	if len(path) == 0 {
		return root, nil, errs.NewActionFailure(nil, "empty path")
	}
	newRoot, rel, err := applyAtParentRec(root, []interface{}(path), fn)
	if err != nil {
		return root, nil, err
	}
	return newRoot, rel, nil
}

// applyAtParentRec returns the new container and the full paths (relative
// to container) that changed.
func applyAtParentRec(container interface{}, path []interface{}, fn func(parent interface{}, key interface{}) (interface{}, []interface{}, error)) (interface{}, []pathlang.PathArray, error) {
	if len(path) == 1 {
		newParent, relChanged, err := fn(container, path[0])
		if err != nil {
			return nil, nil, err
		}
		changed := make([]pathlang.PathArray, len(relChanged))
		for i, k := range relChanged {
			changed[i] = pathlang.PathArray{k}
		}
		return newParent, changed, nil
	}
	key := path[0]
	child, ok := getChild(container, key)
	if !ok {
		return nil, nil, errs.NewActionFailure(nil, "parent not container at %v", key)
	}
	newChild, relChanged, err := applyAtParentRec(child, path[1:], fn)
	if err != nil {
		return nil, nil, err
	}
	newContainer, err := setChild(container, key, newChild)
	if err != nil {
		return nil, nil, err
	}
	rebased := make([]pathlang.PathArray, len(relChanged))
	for i, c := range relChanged {
		rebased[i] = append(pathlang.PathArray{key}, c...)
	}
	return newContainer, rebased, nil
}

func setChild(container interface{}, key interface{}, value interface{}) (interface{}, error) {
	switch c := container.(type) {
	case map[string]interface{}:
		k, ok := key.(string)
		if !ok {
			return nil, errs.NewActionFailure(nil, "expected string key, got %v", key)
		}
		c[k] = value
		return c, nil
	case []interface{}:
		i, ok := key.(int)
		if !ok || i < 0 || i >= len(c) {
			return nil, errs.NewActionFailure(nil, "array index out of range: %v", key)
		}
		c[i] = value
		return c, nil
	default:
		return nil, errs.NewActionFailure(nil, "parent not a container")
	}
}

// --- individual actions -------------------------------------------------------

func applySet(root interface{}, path pathlang.PathArray, payload interface{}) (interface{}, []pathlang.PathArray, error) {
	return applyAtParent(root, path, func(parent interface{}, key interface{}) (interface{}, []interface{}, error) {
		switch p := parent.(type) {
		case map[string]interface{}:
			k := key.(string)
			p[k] = payload
			return p, []interface{}{key}, nil
		case []interface{}:
			i, ok := key.(int)
			if !ok || i < 0 || i > len(p) {
				return nil, nil, errs.NewActionFailure(path, "parent not container")
			}
			if i == len(p) {
				p = append(p, payload)
			} else {
				p[i] = payload
			}
			return p, []interface{}{key}, nil
		default:
			return nil, nil, errs.NewActionFailure(path, "parent not container")
		}
	})
}

func applyDelete(root interface{}, path pathlang.PathArray) (interface{}, []pathlang.PathArray, error) {
	newRoot, changed, err := applyAtParent(root, path, func(parent interface{}, key interface{}) (interface{}, []interface{}, error) {
		switch p := parent.(type) {
		case map[string]interface{}:
			k := key.(string)
			if _, ok := p[k]; !ok {
				return p, nil, nil // missing is a no-op, not a failure
			}
			delete(p, k)
			return p, []interface{}{key}, nil
		case []interface{}:
			i, ok := key.(int)
			if !ok || i < 0 || i >= len(p) {
				return p, nil, nil // out of range is a no-op
			}
			oldLen := len(p)
			next := append(append([]interface{}{}, p[:i]...), p[i+1:]...)
			rel := make([]interface{}, 0, oldLen-i)
			for j := i; j < oldLen; j++ {
				rel = append(rel, j)
			}
			return next, rel, nil
		default:
			return parent, nil, nil
		}
	})
	if err != nil {
		return root, nil, err
	}
	return newRoot, changed, nil
}

func applyMath(root interface{}, path pathlang.PathArray, payload interface{}, op func(a, b float64) float64) (interface{}, []pathlang.PathArray, error) {
	delta, ok := asFloat(payload)
	if !ok {
		return root, nil, errs.NewActionFailure(path, "payload is not a number")
	}
	return applyAtParent(root, path, func(parent interface{}, key interface{}) (interface{}, []interface{}, error) {
		cur, ok := getChild(parent, key)
		if !ok {
			return nil, nil, errs.NewActionFailure(path, "current value not a number")
		}
		curF, ok := asFloat(cur)
		if !ok {
			return nil, nil, errs.NewActionFailure(path, "current value not a number")
		}
		newParent, err := setChild(parent, key, op(curF, delta))
		if err != nil {
			return nil, nil, err
		}
		return newParent, []interface{}{key}, nil
	})
}

func applyInit(root interface{}, path pathlang.PathArray, empty interface{}) (interface{}, []pathlang.PathArray, error) {
	return applyAtParent(root, path, func(parent interface{}, key interface{}) (interface{}, []interface{}, error) {
		cur, exists := getChild(parent, key)
		if exists && isContainer(cur) {
			return parent, nil, nil // already initialized: no-op
		}
		switch p := parent.(type) {
		case map[string]interface{}, []interface{}:
			_ = p
		default:
			return nil, nil, errs.NewActionFailure(path, "parent not container")
		}
		newParent, err := setChild(parent, key, cloneEmpty(empty))
		if err != nil {
			return nil, nil, err
		}
		return newParent, []interface{}{key}, nil
	})
}

func cloneEmpty(empty interface{}) interface{} {
	switch empty.(type) {
	case []interface{}:
		return []interface{}{}
	case map[string]interface{}:
		return map[string]interface{}{}
	default:
		return empty
	}
}

// applyInsert splices payload into the array at path's parent key index,
// offset by `offset` (0 = before, 1 = after).
func applyInsert(root interface{}, path pathlang.PathArray, payload interface{}, offset int) (interface{}, []pathlang.PathArray, error) {
	return applyAtParent(root, path, func(parent interface{}, key interface{}) (interface{}, []interface{}, error) {
		arr, ok := parent.([]interface{})
		if !ok {
			return nil, nil, errs.NewActionFailure(path, "parent not an array")
		}
		i, ok := key.(int)
		if !ok {
			return nil, nil, errs.NewActionFailure(path, "parent not an array")
		}
		at := i + offset
		if at < 0 {
			at = 0
		}
		if at > len(arr) {
			at = len(arr)
		}
		next := make([]interface{}, 0, len(arr)+1)
		next = append(next, arr[:at]...)
		next = append(next, payload)
		next = append(next, arr[at:]...)
		rel := make([]interface{}, 0, len(next)-at)
		for j := at; j < len(next); j++ {
			rel = append(rel, j)
		}
		return next, rel, nil
	})
}

func applyInsertUnique(root interface{}, path pathlang.PathArray, payload interface{}) (interface{}, []pathlang.PathArray, error) {
	return applyAtParent(root, path, func(parent interface{}, key interface{}) (interface{}, []interface{}, error) {
		arr, ok := parent.([]interface{})
		if !ok {
			return nil, nil, errs.NewActionFailure(path, "parent not an array")
		}
		for _, elem := range arr {
			if deepEqualJSON(elem, payload) {
				return arr, nil, nil
			}
		}
		next := append(append([]interface{}{}, arr...), payload)
		return next, []interface{}{len(next) - 1}, nil
	})
}

func applyMoveOrCopy(root interface{}, src, dst pathlang.PathArray, isMove bool) (interface{}, []pathlang.PathArray, error) {
	value, ok := pathLookup(root, src)
	if !ok {
		return root, nil, errs.NewActionFailure(src, "source missing")
	}
	if len(dst) == 0 {
		return root, nil, errs.NewActionFailure(dst, "destination path invalid")
	}

	newRoot, changedDst, err := applyAtParent(root, dst, func(parent interface{}, key interface{}) (interface{}, []interface{}, error) {
		switch p := parent.(type) {
		case map[string]interface{}:
			k := key.(string)
			p[k] = value
			return p, []interface{}{key}, nil
		case []interface{}:
			i, ok := key.(int)
			if !ok || i < 0 || i > len(p) {
				return nil, nil, errs.NewActionFailure(dst, "destination path invalid")
			}
			if i == len(p) {
				p = append(p, value)
			} else {
				p[i] = value
			}
			return p, []interface{}{key}, nil
		default:
			return nil, nil, errs.NewActionFailure(dst, "destination path invalid")
		}
	})
	if err != nil {
		return root, nil, err
	}

	if !isMove {
		return newRoot, changedDst, nil
	}

	var changedSrc []pathlang.PathArray
	newRoot, changedSrc, err = applyAtParent(newRoot, src, func(parent interface{}, key interface{}) (interface{}, []interface{}, error) {
		switch p := parent.(type) {
		case []interface{}:
			i, ok := key.(int)
			if ok && i >= 0 && i < len(p) {
				p[i] = nil
			}
			return p, []interface{}{key}, nil
		case map[string]interface{}:
			k := key.(string)
			delete(p, k)
			return p, []interface{}{key}, nil
		default:
			return parent, nil, nil
		}
	})
	if err != nil {
		return root, nil, err
	}
	return newRoot, append(changedDst, changedSrc...), nil
}

func pathLookup(root interface{}, path pathlang.PathArray) (interface{}, bool) {
	cur := root
	for _, step := range path {
		v, ok := getChild(cur, step)
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func asFloat(v interface{}) (float64, bool) {
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

func deepEqualJSON(a, b interface{}) bool {
	switch av := a.(type) {
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bv2, ok := bv[k]
			if !ok || !deepEqualJSON(v, bv2) {
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
			if !deepEqualJSON(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		af, aok := asFloat(a)
		bf, bok := asFloat(b)
		if aok && bok {
			return af == bf
		}
		return fmt.Sprint(a) == fmt.Sprint(b) && a == b
	}
}
