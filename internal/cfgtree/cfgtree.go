// Package cfgtree holds the hierarchical configuration handed to device
// instances: a tree of named nodes with typed scalar values. Devices only
// ever read it; the machine builder and the YAML loader populate it.
//
// All read methods are safe on a nil node, which stands for an absent
// subtree: lookups miss and the Def variants return their defaults. That
// keeps device construct paths free of nil checks.
package cfgtree

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gopkg.in/yaml.v3"
)

var (
	ErrNotFound  = errors.New("cfgtree: key not found")
	ErrWrongType = errors.New("cfgtree: wrong value type")
)

type Node struct {
	name     string
	path     string
	children map[string]*Node
	values   map[string]any
}

// New returns an empty root node.
func New() *Node {
	return &Node{name: "", path: ""}
}

func (n *Node) Name() string {
	if n == nil {
		return ""
	}
	return n.name
}

// Path is the slash-joined location of the node, for diagnostics.
func (n *Node) Path() string {
	if n == nil {
		return ""
	}
	return n.path
}

// Child returns the named subtree, or nil when absent. A nil result is
// usable with every read method.
func (n *Node) Child(name string) *Node {
	if n == nil {
		return nil
	}
	return n.children[name]
}

// Children lists child node names, sorted.
func (n *Node) Children() []string {
	if n == nil {
		return nil
	}
	out := make([]string, 0, len(n.children))
	for name := range n.children {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Keys lists scalar value keys, sorted.
func (n *Node) Keys() []string {
	if n == nil {
		return nil
	}
	out := make([]string, 0, len(n.values))
	for k := range n.values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (n *Node) Has(key string) bool {
	if n == nil {
		return false
	}
	_, ok := n.values[key]
	return ok
}

// EnsureChild returns the named subtree, creating it if needed.
func (n *Node) EnsureChild(name string) *Node {
	if n.children == nil {
		n.children = make(map[string]*Node)
	}
	if c, ok := n.children[name]; ok {
		return c
	}
	c := &Node{name: name, path: joinPath(n.path, name)}
	n.children[name] = c
	return c
}

// Set stores a scalar value. Integers normalize to int64 when they fit,
// uint64 otherwise.
func (n *Node) Set(key string, value any) error {
	v, err := normalize(value)
	if err != nil {
		return fmt.Errorf("cfgtree: %s/%s: %w", n.path, key, err)
	}
	if n.values == nil {
		n.values = make(map[string]any)
	}
	n.values[key] = v
	return nil
}

func joinPath(base, name string) string {
	if base == "" {
		return name
	}
	return base + "/" + name
}

func normalize(v any) (any, error) {
	switch x := v.(type) {
	case string, bool, []byte, int64, uint64, float64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return uint64(x), nil
		}
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case float32:
		return float64(x), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func (n *Node) lookup(key string) (any, bool) {
	if n == nil {
		return nil, false
	}
	v, ok := n.values[key]
	return v, ok
}

func (n *Node) missing(key string) error {
	return fmt.Errorf("%w: %s/%s", ErrNotFound, n.Path(), key)
}

func (n *Node) badType(key string, v any, want string) error {
	return fmt.Errorf("%w: %s/%s is %T, want %s", ErrWrongType, n.Path(), key, v, want)
}

func (n *Node) String(key string) (string, error) {
	v, ok := n.lookup(key)
	if !ok {
		return "", n.missing(key)
	}
	s, ok := v.(string)
	if !ok {
		return "", n.badType(key, v, "string")
	}
	return s, nil
}

// StringDef returns the value, or def when the key is absent or holds a
// different type.
func (n *Node) StringDef(key, def string) string {
	if s, err := n.String(key); err == nil {
		return s
	}
	return def
}

func (n *Node) Int64(key string) (int64, error) {
	v, ok := n.lookup(key)
	if !ok {
		return 0, n.missing(key)
	}
	switch x := v.(type) {
	case int64:
		return x, nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, n.badType(key, v, "int64 (value overflows)")
		}
		return int64(x), nil
	default:
		return 0, n.badType(key, v, "integer")
	}
}

func (n *Node) Int64Def(key string, def int64) int64 {
	if v, err := n.Int64(key); err == nil {
		return v
	}
	return def
}

func (n *Node) Uint64(key string) (uint64, error) {
	v, ok := n.lookup(key)
	if !ok {
		return 0, n.missing(key)
	}
	switch x := v.(type) {
	case uint64:
		return x, nil
	case int64:
		if x < 0 {
			return 0, n.badType(key, v, "unsigned integer (value is negative)")
		}
		return uint64(x), nil
	default:
		return 0, n.badType(key, v, "integer")
	}
}

func (n *Node) Uint64Def(key string, def uint64) uint64 {
	if v, err := n.Uint64(key); err == nil {
		return v
	}
	return def
}

func (n *Node) Bool(key string) (bool, error) {
	v, ok := n.lookup(key)
	if !ok {
		return false, n.missing(key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, n.badType(key, v, "bool")
	}
	return b, nil
}

func (n *Node) BoolDef(key string, def bool) bool {
	if v, err := n.Bool(key); err == nil {
		return v
	}
	return def
}

// Bytes returns a byte-string value. Plain strings convert; YAML !!binary
// values arrive as []byte directly.
func (n *Node) Bytes(key string) ([]byte, error) {
	v, ok := n.lookup(key)
	if !ok {
		return nil, n.missing(key)
	}
	switch x := v.(type) {
	case []byte:
		return x, nil
	case string:
		return []byte(x), nil
	default:
		return nil, n.badType(key, v, "bytes")
	}
}

// Load parses a YAML document into a tree. Mappings become child nodes,
// scalars become values; mapping keys that are not strings (device indices,
// typically) are stringified. Sequences are not part of the configuration
// model and are rejected.
func Load(data []byte) (*Node, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("cfgtree: %w", err)
	}

	root := New()
	if raw == nil {
		return root, nil
	}
	if err := fill(root, raw); err != nil {
		return nil, err
	}
	return root, nil
}

func fill(n *Node, raw any) error {
	items, err := mapItems(n, raw)
	if err != nil {
		return err
	}
	for _, it := range items {
		switch v := it.value.(type) {
		case map[string]any, map[any]any:
			if err := fill(n.EnsureChild(it.key), v); err != nil {
				return err
			}
		case []any:
			return fmt.Errorf("cfgtree: %s: sequences are not supported", joinPath(n.path, it.key))
		case nil:
			n.EnsureChild(it.key)
		default:
			if err := n.Set(it.key, v); err != nil {
				return err
			}
		}
	}
	return nil
}

type mapItem struct {
	key   string
	value any
}

func mapItems(n *Node, raw any) ([]mapItem, error) {
	switch m := raw.(type) {
	case map[string]any:
		out := make([]mapItem, 0, len(m))
		for k, v := range m {
			out = append(out, mapItem{key: k, value: v})
		}
		return out, nil
	case map[any]any:
		out := make([]mapItem, 0, len(m))
		for k, v := range m {
			out = append(out, mapItem{key: fmt.Sprint(k), value: v})
		}
		return out, nil
	default:
		loc := n.path
		if loc == "" {
			loc = "(root)"
		}
		return nil, fmt.Errorf("cfgtree: %s: expected a mapping, got %T", loc, raw)
	}
}
