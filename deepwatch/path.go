package deepwatch

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Path is an interned sequence of keys from a watch root. Paths handed out
// by the same watcher share their common prefixes, so equal paths are
// usually the same pointer. Paths are immutable.
type Path struct {
	parent *Path
	key    any
	depth  int
	hash   uint64
}

// Len is the number of keys; the root path has none.
func (p *Path) Len() int { return p.depth }

// Parent is nil for the root path.
func (p *Path) Parent() *Path { return p.parent }

// Key is the last key, nil for the root path.
func (p *Path) Key() any { return p.key }

// Keys lists the keys root first.
func (p *Path) Keys() []any {
	keys := make([]any, p.depth)
	for n := p; n.parent != nil; n = n.parent {
		keys[n.depth-1] = n.key
	}
	return keys
}

// Equal compares key by key.
func (p *Path) Equal(o *Path) bool {
	for a, b := p, o; ; a, b = a.parent, b.parent {
		switch {
		case a == b:
			return true
		case a == nil || b == nil || a.depth != b.depth || a.hash != b.hash || a.key != b.key:
			return false
		}
	}
}

// String renders record keys dotted and sequence indexes in brackets, e.g.
// items[2].name.
func (p *Path) String() string {
	var sb strings.Builder
	for i, k := range p.Keys() {
		switch k := k.(type) {
		case int:
			sb.WriteByte('[')
			sb.WriteString(strconv.Itoa(k))
			sb.WriteByte(']')
		default:
			if i > 0 {
				sb.WriteByte('.')
			}
			fmt.Fprint(&sb, k)
		}
	}
	return sb.String()
}

// trie interns path nodes by (parent, key). Lookups go through an xxhash
// fingerprint of the parent's fingerprint and the key; colliding buckets
// are verified by identity.
type trie struct {
	root  *Path
	nodes map[uint64][]*Path
	size  int
	limit int
}

func newTrie(limit int) *trie {
	return &trie{
		root:  &Path{},
		nodes: map[uint64][]*Path{},
		limit: limit,
	}
}

func (t *trie) child(parent *Path, key any) *Path {
	h := fingerprint(parent.hash, key)
	for _, n := range t.nodes[h] {
		if n.parent == parent && n.key == key {
			return n
		}
	}
	if t.limit > 0 && t.size >= t.limit {
		// handed out paths stay valid; they just stop being shared
		clear(t.nodes)
		t.size = 0
	}
	n := &Path{parent: parent, key: key, depth: parent.depth + 1, hash: h}
	t.nodes[h] = append(t.nodes[h], n)
	t.size++
	return n
}

func fingerprint(parent uint64, key any) uint64 {
	var buf [8]byte
	d := xxhash.New()
	binary.LittleEndian.PutUint64(buf[:], parent)
	d.Write(buf[:])

	switch k := key.(type) {
	case string:
		d.WriteString("s")
		d.WriteString(k)
	case int:
		d.WriteString("i")
		binary.LittleEndian.PutUint64(buf[:], uint64(k))
		d.Write(buf[:])
	default:
		d.WriteString("k")
		d.WriteString(fmt.Sprint(k))
	}
	return d.Sum64()
}
