// Package query compiles MongoDB-subset filter criteria into an AST and
// evaluates it against documents, then applies sort, skip, limit, and
// inclusion projection.
package query

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/danielxceron/docudb/internal/dberr"
	"github.com/danielxceron/docudb/internal/docmodel"
)

// NodeKind tags the shape of one AST node.
type NodeKind int

const (
	NodeAnd NodeKind = iota
	NodeOr
	NodeNot
	NodeLeaf
	NodeFalse // always-false: used for $and/$or with a missing or non-array operand
)

// Node is one criteria AST node: a logical combinator over Children/Inner,
// or a Leaf field/operator/value test.
type Node struct {
	Kind     NodeKind
	Children []*Node
	Inner    *Node
	Field    string
	Op       string
	Value    interface{}
}

var knownOps = map[string]bool{
	"$eq": true, "$ne": true, "$gt": true, "$gte": true, "$lt": true, "$lte": true,
	"$in": true, "$nin": true, "$exists": true, "$regex": true, "$size": true, "$all": true,
}

// Compile parses a MongoDB-subset criteria map into a Node AST.
func Compile(criteria map[string]interface{}) (*Node, error) {
	return compileMap(criteria)
}

func compileMap(m map[string]interface{}) (*Node, error) {
	var children []*Node

	for key, val := range m {
		switch key {
		case "$and":
			node, err := compileLogical(val, NodeAnd)
			if err != nil {
				return nil, err
			}
			children = append(children, node)
		case "$or":
			node, err := compileLogical(val, NodeOr)
			if err != nil {
				return nil, err
			}
			children = append(children, node)
		case "$not":
			inner, ok := val.(map[string]interface{})
			if !ok {
				return nil, dberr.New(dberr.CodeInvalidCriteria, "query.Compile", "$not requires a criteria object")
			}
			n, err := compileMap(inner)
			if err != nil {
				return nil, err
			}
			children = append(children, &Node{Kind: NodeNot, Inner: n})
		default:
			leaf, err := compileField(key, val)
			if err != nil {
				return nil, err
			}
			children = append(children, leaf)
		}
	}

	if len(children) == 1 {
		return children[0], nil
	}
	return &Node{Kind: NodeAnd, Children: children}, nil
}

func compileLogical(val interface{}, kind NodeKind) (*Node, error) {
	arr, ok := val.([]interface{})
	if !ok {
		return &Node{Kind: NodeFalse}, nil
	}
	children := make([]*Node, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, dberr.New(dberr.CodeInvalidCriteria, "query.Compile", "logical operand must be a criteria object")
		}
		n, err := compileMap(m)
		if err != nil {
			return nil, err
		}
		children = append(children, n)
	}
	return &Node{Kind: kind, Children: children}, nil
}

func compileField(field string, val interface{}) (*Node, error) {
	m, ok := val.(map[string]interface{})
	if !ok {
		return &Node{Kind: NodeLeaf, Field: field, Op: "$eq", Value: val}, nil
	}

	hasOperatorKey := false
	for k := range m {
		if strings.HasPrefix(k, "$") {
			hasOperatorKey = true
			break
		}
	}
	if !hasOperatorKey {
		return &Node{Kind: NodeLeaf, Field: field, Op: "$eq", Value: val}, nil
	}

	var leaves []*Node
	for op, opVal := range m {
		if !strings.HasPrefix(op, "$") {
			return nil, dberr.New(dberr.CodeInvalidCriteria, "query.Compile", "cannot mix operator and non-operator keys for field \""+field+"\"")
		}
		if !knownOps[op] {
			return nil, dberr.New(dberr.CodeInvalidOperator, "query.Compile", "unknown operator \""+op+"\"").WithContext("field", field)
		}
		leaves = append(leaves, &Node{Kind: NodeLeaf, Field: field, Op: op, Value: opVal})
	}
	if len(leaves) == 1 {
		return leaves[0], nil
	}
	return &Node{Kind: NodeAnd, Children: leaves}, nil
}

// Matches evaluates the AST against doc.
func (n *Node) Matches(doc docmodel.Document) bool {
	switch n.Kind {
	case NodeAnd:
		for _, c := range n.Children {
			if !c.Matches(doc) {
				return false
			}
		}
		return true
	case NodeOr:
		for _, c := range n.Children {
			if c.Matches(doc) {
				return true
			}
		}
		return false
	case NodeNot:
		return !n.Inner.Matches(doc)
	case NodeFalse:
		return false
	case NodeLeaf:
		return matchLeaf(doc, n)
	default:
		return false
	}
}

func matchLeaf(doc docmodel.Document, n *Node) bool {
	val, present := docmodel.GetPath(doc, n.Field)

	if n.Op == "$exists" {
		want, _ := n.Value.(bool)
		return present == want
	}

	if !present {
		val = nil
	}

	switch n.Op {
	case "$eq":
		return docmodel.DeepEqual(val, n.Value)
	case "$ne":
		return !docmodel.DeepEqual(val, n.Value)
	case "$gt", "$gte", "$lt", "$lte":
		cmp, ok := compareOrdered(val, n.Value)
		if !ok {
			return false
		}
		switch n.Op {
		case "$gt":
			return cmp > 0
		case "$gte":
			return cmp >= 0
		case "$lt":
			return cmp < 0
		default:
			return cmp <= 0
		}
	case "$in":
		return membership(val, n.Value, true)
	case "$nin":
		return !membership(val, n.Value, true)
	case "$regex":
		return matchRegex(val, n.Value)
	case "$size":
		arr, ok := val.([]interface{})
		if !ok {
			return false
		}
		size, ok := asFloat(n.Value)
		return ok && float64(len(arr)) == size
	case "$all":
		return matchAll(val, n.Value)
	default:
		return false
	}
}

func membership(val, operand interface{}, anyElement bool) bool {
	list, ok := operand.([]interface{})
	if !ok {
		return false
	}
	candidates := []interface{}{val}
	if anyElement {
		if arr, ok := val.([]interface{}); ok {
			candidates = arr
		}
	}
	for _, c := range candidates {
		for _, l := range list {
			if docmodel.DeepEqual(c, l) {
				return true
			}
		}
	}
	return false
}

func matchAll(val, operand interface{}) bool {
	arr, ok := val.([]interface{})
	if !ok {
		return false
	}
	required, ok := operand.([]interface{})
	if !ok {
		return false
	}
	for _, req := range required {
		found := false
		for _, v := range arr {
			if docmodel.DeepEqual(v, req) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func matchRegex(val, operand interface{}) bool {
	str, ok := val.(string)
	if !ok {
		return false
	}

	switch pattern := operand.(type) {
	case *regexp.Regexp:
		return pattern.MatchString(str)
	case string:
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(str)
	case map[string]interface{}:
		patStr, _ := pattern["pattern"].(string)
		opts, _ := pattern["$options"].(string)
		expr := patStr
		if strings.Contains(opts, "i") {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return false
		}
		return re.MatchString(str)
	default:
		return false
	}
}

func compareOrdered(a, b interface{}) (int, bool) {
	at, aIsTime := a.(time.Time)
	bt, bIsTime := b.(time.Time)
	if aIsTime && bIsTime {
		switch {
		case at.Before(bt):
			return -1, true
		case at.After(bt):
			return 1, true
		default:
			return 0, true
		}
	}
	if aIsTime || bIsTime {
		return 0, false
	}

	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}

	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return strings.Compare(as, bs), true
	}

	return 0, false
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
	default:
		return 0, false
	}
}

// SortSpec is one {field: direction} sort key; Dir is +1 (ascending) or -1
// (descending).
type SortSpec struct {
	Field string
	Dir   int
}

// Query carries compiled criteria plus sort/skip/limit/projection options.
type Query struct {
	Root   *Node
	Sort   []SortSpec
	Skip   int
	Limit  int
	Select []string
}

// New builds a Query from raw criteria.
func New(criteria map[string]interface{}) (*Query, error) {
	root, err := Compile(criteria)
	if err != nil {
		return nil, err
	}
	return &Query{Root: root}, nil
}

// Matches reports whether doc satisfies the query's criteria.
func (q *Query) Matches(doc docmodel.Document) bool {
	return q.Root.Matches(doc)
}

// FieldValue is a top-level field/value equality pair.
type FieldValue struct {
	Field string
	Value interface{}
}

// TopLevelEqualities returns the query's top-level equality leaves (a bare
// value, or an explicit $eq operator) — the only shape index-assisted
// execution can use, since anything nested under $or/$not or expressed with
// any other operator requires a full re-check against the whole criteria
// anyway.
func (q *Query) TopLevelEqualities() []FieldValue {
	var children []*Node
	if q.Root.Kind == NodeAnd {
		children = q.Root.Children
	} else {
		children = []*Node{q.Root}
	}

	var out []FieldValue
	for _, c := range children {
		if c.Kind == NodeLeaf && c.Op == "$eq" {
			out = append(out, FieldValue{Field: c.Field, Value: c.Value})
		}
	}
	return out
}

// Execute filters docs by the query's criteria, then sorts, skips, limits,
// and projects the result.
func (q *Query) Execute(docs []docmodel.Document) []docmodel.Document {
	filtered := make([]docmodel.Document, 0, len(docs))
	for _, d := range docs {
		if q.Matches(d) {
			filtered = append(filtered, d)
		}
	}

	if len(q.Sort) > 0 {
		sort.SliceStable(filtered, func(i, j int) bool {
			return q.less(filtered[i], filtered[j])
		})
	}

	if q.Skip > 0 {
		if q.Skip >= len(filtered) {
			filtered = nil
		} else {
			filtered = filtered[q.Skip:]
		}
	}
	if q.Limit > 0 && q.Limit < len(filtered) {
		filtered = filtered[:q.Limit]
	}

	if len(q.Select) > 0 {
		out := make([]docmodel.Document, len(filtered))
		for i, d := range filtered {
			out[i] = project(d, q.Select)
		}
		return out
	}

	return filtered
}

func (q *Query) less(a, b docmodel.Document) bool {
	for _, s := range q.Sort {
		va, aok := docmodel.GetPath(a, s.Field)
		vb, bok := docmodel.GetPath(b, s.Field)

		var cmp int
		switch {
		case !aok || !bok:
			cmp = 0
		default:
			if c, ok := compareOrdered(va, vb); ok {
				cmp = c
			} else {
				cmp = strings.Compare(fmt.Sprint(va), fmt.Sprint(vb))
			}
		}

		if cmp == 0 {
			continue
		}
		if s.Dir < 0 {
			return cmp > 0
		}
		return cmp < 0
	}
	return false
}

// project builds a new document containing only the dot-paths in fields,
// reconstructing nested output objects, plus the document's _id, which is
// always included.
func project(doc docmodel.Document, fields []string) docmodel.Document {
	out := docmodel.Document{}
	for _, f := range fields {
		if val, ok := docmodel.GetPath(doc, f); ok {
			docmodel.SetPath(out, f, val)
		}
	}
	if id, ok := doc["_id"]; ok {
		if _, already := out["_id"]; !already {
			out["_id"] = id
		}
	}
	return out
}
