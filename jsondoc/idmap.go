package jsondoc

import (
	"encoding/json"
	"sort"

	"github.com/ar-nelson/osmosis/errs"
	"github.com/ar-nelson/osmosis/ids"
	"github.com/ar-nelson/osmosis/pathlang"
)

// AnchoredPath is a path whose prefix is expressed as an op-id reference
// so it follows the referenced slot as surrounding edits shift positions.
// ID is nil when the path has no useful anchor (no slot along the path
// carries an op-id).
type AnchoredPath struct {
	ID     *ids.Timestamp     `json:"id,omitempty"`
	Suffix pathlang.PathArray `json:"path"`
}

// pathTreeNode mirrors the document's structure; each node carries the
// op-id(s) that assigned its slot (most recent first) plus its children,
// keyed by the literal step (string key or int index) that reaches them.
type pathTreeNode struct {
	IDs      []ids.Timestamp
	Children map[interface{}]*pathTreeNode
}

func newPathTreeNode() *pathTreeNode {
	return &pathTreeNode{Children: make(map[interface{}]*pathTreeNode)}
}

func (n *pathTreeNode) child(step interface{}) *pathTreeNode {
	c, ok := n.Children[step]
	if !ok {
		c = newPathTreeNode()
		n.Children[step] = c
	}
	return c
}

// State is the id-mapped document: the live JSON value plus a
// bidirectional map between stable operation-ids and current positions.
type State struct {
	Root     interface{}
	IdToPath map[ids.Timestamp]pathlang.PathArray
	PathToId *pathTreeNode
}

// NewState returns an empty IdMappedJson with an empty object root.
func NewState() *State {
	return &State{
		Root:     map[string]interface{}{},
		IdToPath: make(map[ids.Timestamp]pathlang.PathArray),
		PathToId: newPathTreeNode(),
	}
}

// wireState is the JSON-serializable shape of State: IdToPath becomes a
// flat list (Timestamp is not a valid JSON object key) and PathToId is
// rebuilt on load by re-registering every id, newest-last so the most
// recently set head wins.
type wireState struct {
	Root     interface{}         `json:"root"`
	IdToPath []wireIDToPathEntry `json:"idToPath"`
}

type wireIDToPathEntry struct {
	ID   ids.Timestamp      `json:"id"`
	Path pathlang.PathArray `json:"path"`
}

// MarshalJSON implements json.Marshaler.
func (s *State) MarshalJSON() ([]byte, error) {
	entries := make([]wireIDToPathEntry, 0, len(s.IdToPath))
	for id, path := range s.IdToPath {
		entries = append(entries, wireIDToPathEntry{ID: id, Path: path})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID.Less(entries[j].ID) })
	return json.Marshal(wireState{Root: s.Root, IdToPath: entries})
}

// UnmarshalJSON implements json.Unmarshaler, rebuilding PathToId from
// the flattened IdToPath list.
func (s *State) UnmarshalJSON(data []byte) error {
	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	s.Root = normalizeJSONNumbers(w.Root)
	s.IdToPath = make(map[ids.Timestamp]pathlang.PathArray, len(w.IdToPath))
	s.PathToId = newPathTreeNode()
	for _, e := range w.IdToPath {
		s.registerID(e.ID, e.Path)
	}
	return nil
}

// normalizeJSONNumbers converts the float64/map[string]interface{}
// shape that encoding/json produces back into the same shape ApplyScalar
// expects to operate on, recursively; encoding/json already yields this
// shape for object/array/number/string/bool/null, so this is a deep
// identity pass that exists to document the expectation at the
// deserialization boundary.
func normalizeJSONNumbers(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, val := range x {
			out[k] = normalizeJSONNumbers(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, val := range x {
			out[i] = normalizeJSONNumbers(val)
		}
		return out
	default:
		return x
	}
}

// Clone performs a deep copy of the state, used when rewinding to a
// save point. Snapshots are independent copies rather than persistent
// structures; merges that rewind pay the copy cost up front.
func (s *State) Clone() *State {
	return &State{
		Root:     deepCloneJSON(s.Root),
		IdToPath: cloneIdToPath(s.IdToPath),
		PathToId: clonePathTree(s.PathToId),
	}
}

func deepCloneJSON(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, val := range x {
			out[k] = deepCloneJSON(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, val := range x {
			out[i] = deepCloneJSON(val)
		}
		return out
	default:
		return x
	}
}

func cloneIdToPath(m map[ids.Timestamp]pathlang.PathArray) map[ids.Timestamp]pathlang.PathArray {
	out := make(map[ids.Timestamp]pathlang.PathArray, len(m))
	for k, v := range m {
		cp := make(pathlang.PathArray, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

func clonePathTree(n *pathTreeNode) *pathTreeNode {
	if n == nil {
		return nil
	}
	out := newPathTreeNode()
	out.IDs = append([]ids.Timestamp{}, n.IDs...)
	for step, child := range n.Children {
		out.Children[step] = clonePathTree(child)
	}
	return out
}

// lookupTreeNode walks PathToId down the literal path, returning the
// deepest node reached and how many steps of path were consumed.
func (s *State) lookupTreeNode(path pathlang.PathArray) (*pathTreeNode, int) {
	node := s.PathToId
	for i, step := range path {
		next, ok := node.Children[step]
		if !ok {
			return node, i
		}
		node = next
	}
	return node, len(path)
}

// AnchorPathToId rewrites a direct path into the longest prefix
// expressible as an id-anchored reference: it walks the path from the
// root, remembering the deepest ancestor slot that carries an op-id, and
// returns that id plus the remaining literal suffix.
func (s *State) AnchorPathToId(path pathlang.PathArray) AnchoredPath {
	node := s.PathToId
	var bestID *ids.Timestamp
	bestDepth := 0
	for i, step := range path {
		next, ok := node.Children[step]
		if !ok {
			break
		}
		node = next
		if len(node.IDs) > 0 {
			id := node.IDs[0]
			bestID = &id
			bestDepth = i + 1
		}
	}
	suffix := append(pathlang.PathArray{}, path[bestDepth:]...)
	return AnchoredPath{ID: bestID, Suffix: suffix}
}

// Resolve turns an AnchoredPath back into a live literal path by looking
// up the anchor id's current position and appending the literal suffix.
// Returns an ActionFailure if the anchor id no longer names a live slot.
func (s *State) Resolve(ap AnchoredPath) (pathlang.PathArray, error) {
	if ap.ID == nil {
		return ap.Suffix, nil
	}
	base, ok := s.IdToPath[*ap.ID]
	if !ok {
		return nil, errs.NewActionFailure(ap.Suffix, "anchor id %s no longer names a live slot", ap.ID.String())
	}
	out := append(append(pathlang.PathArray{}, base...), ap.Suffix...)
	return out, nil
}

// registerID records that ts assigned the slot at path: ts becomes the
// head of that slot's id list (older ids remain for tie-breaks) and
// IdToPath is updated to point at path.
func (s *State) registerID(ts ids.Timestamp, path pathlang.PathArray) {
	s.IdToPath[ts] = append(pathlang.PathArray{}, path...)
	node := s.PathToId
	for _, step := range path {
		node = node.child(step)
	}
	node.IDs = prependID(node.IDs, ts)
}

func prependID(ids_ []ids.Timestamp, ts ids.Timestamp) []ids.Timestamp {
	out := make([]ids.Timestamp, 0, len(ids_)+1)
	out = append(out, ts)
	for _, id := range ids_ {
		if id != ts {
			out = append(out, id)
		}
	}
	return out
}

// unregisterSubtree removes every id registered at path or below from
// IdToPath, after a Delete or the source side of a Move.
func (s *State) unregisterSubtree(path pathlang.PathArray) {
	node := s.PathToId
	for _, step := range path {
		next, ok := node.Children[step]
		if !ok {
			return
		}
		node = next
	}
	s.removeAllIDs(node)
}

func (s *State) removeAllIDs(node *pathTreeNode) {
	for _, id := range node.IDs {
		delete(s.IdToPath, id)
	}
	node.IDs = nil
	for _, child := range node.Children {
		s.removeAllIDs(child)
	}
}

// shiftIndicesFrom increments by delta the tree-recorded index of every
// sibling at parentPath whose index is >= fromIndex, keeping PathToId and
// IdToPath consistent with an array insert/delete at fromIndex.
func (s *State) shiftIndicesFrom(parentPath pathlang.PathArray, fromIndex int, delta int) {
	node, consumed := s.lookupTreeNode(parentPath)
	if consumed != len(parentPath) {
		return
	}
	type move struct {
		oldKey interface{}
		newKey int
	}
	var moves []move
	for step := range node.Children {
		idx, ok := step.(int)
		if ok && idx >= fromIndex {
			moves = append(moves, move{oldKey: step, newKey: idx + delta})
		}
	}
	sort.Slice(moves, func(i, j int) bool {
		if delta > 0 {
			return moves[i].newKey > moves[j].newKey // shift highest first to avoid clobbering
		}
		return moves[i].newKey < moves[j].newKey
	})
	for _, m := range moves {
		child := node.Children[m.oldKey]
		delete(node.Children, m.oldKey)
		node.Children[m.newKey] = child
		s.rebasePaths(child, append(append(pathlang.PathArray{}, parentPath...), m.newKey))
	}
}

func (s *State) rebasePaths(node *pathTreeNode, path pathlang.PathArray) {
	for _, id := range node.IDs {
		s.IdToPath[id] = append(pathlang.PathArray{}, path...)
	}
	for step, child := range node.Children {
		s.rebasePaths(child, append(append(pathlang.PathArray{}, path...), step))
	}
}

// ScalarAction is a single mutation with an anchored target (and, for
// Move/Copy, an anchored source).
type ScalarAction struct {
	Timestamp ids.Timestamp
	Type      ActionType
	Path      AnchoredPath
	Source    AnchoredPath
	Payload   interface{}
}

// ApplyIdMappedAction resolves an anchored path back to a live direct
// path, delegates the JSON mutation to ApplyScalar, and updates the id
// maps to match the mutation.
func ApplyIdMappedAction(s *State, a ScalarAction) ([]pathlang.PathArray, error) {
	destPath, err := s.Resolve(a.Path)
	if err != nil {
		return nil, err
	}

	var srcPath pathlang.PathArray
	if a.Type == ActionMove || a.Type == ActionCopy {
		srcPath, err = s.Resolve(a.Source)
		if err != nil {
			return nil, err
		}
	}

	newRoot, changed, err := ApplyScalar(s.Root, a.Type, destPath, a.Payload, srcPath)
	if err != nil {
		return nil, err
	}
	s.Root = newRoot

	switch a.Type {
	case ActionSet, ActionInitArray, ActionInitObject, ActionAdd, ActionMultiply:
		if len(changed) > 0 {
			s.registerID(a.Timestamp, destPath)
		}
	case ActionDelete:
		s.unregisterSubtree(destPath)
		if len(changed) > 0 && isArrayParent(s.Root, destPath) {
			idx := destPath[len(destPath)-1].(int)
			s.shiftIndicesFrom(destPath[:len(destPath)-1], idx+1, -1)
		}
	case ActionInsertBefore, ActionInsertAfter:
		if len(changed) > 0 {
			insertedAt := changed[0][len(changed[0])-1].(int)
			parentPath := destPath[:len(destPath)-1]
			s.shiftIndicesFrom(parentPath, insertedAt, 1)
			s.registerID(a.Timestamp, append(append(pathlang.PathArray{}, parentPath...), insertedAt))
		}
	case ActionInsertUnique:
		if len(changed) > 0 {
			s.registerID(a.Timestamp, changed[0])
		}
	case ActionMove:
		s.unregisterSubtree(srcPath)
		s.registerID(a.Timestamp, destPath)
	case ActionCopy:
		s.registerID(a.Timestamp, destPath)
	}

	return changed, nil
}

func parentOf(root interface{}, path pathlang.PathArray) interface{} {
	if len(path) == 0 {
		return nil
	}
	cur := root
	for _, step := range path[:len(path)-1] {
		c, ok := getChild(cur, step)
		if !ok {
			return nil
		}
		cur = c
	}
	return cur
}

func isArrayParent(root interface{}, path pathlang.PathArray) bool {
	_, ok := parentOf(root, path).([]interface{})
	return ok
}
