// Package layered provides a set whose additions are grouped in nested,
// transactional layers. Save opens a layer, Restore undoes every Add made
// since the matching Save. Layers must be strictly nested; an unmatched
// Restore is an engine bug and panics.
package layered

import (
	"errors"
	"fmt"
)

var ErrUnbalanced = errors.New("layered: restore without matching save")

type Set[T comparable] struct {
	counts map[T]int
	added  []T
	marks  []int
}

func New[T comparable]() *Set[T] {
	return &Set[T]{counts: map[T]int{}}
}

// Save opens a new layer.
func (s *Set[T]) Save() {
	s.marks = append(s.marks, len(s.added))
}

// Add inserts v into the current layer. Adding a value that is already
// present is recorded too, so that Restore only removes it once every layer
// that added it has been restored.
func (s *Set[T]) Add(v T) {
	if s.counts == nil {
		s.counts = map[T]int{}
	}
	s.counts[v]++
	s.added = append(s.added, v)
}

func (s *Set[T]) Has(v T) bool {
	return s.counts[v] > 0
}

// Count reports how many open additions of v exist across all layers.
func (s *Set[T]) Count(v T) int {
	return s.counts[v]
}

// Restore drops the top layer.
func (s *Set[T]) Restore() {
	last := len(s.marks) - 1
	if last < 0 {
		panic(ErrUnbalanced)
	}
	mark := s.marks[last]
	s.marks = s.marks[:last]

	for i := len(s.added) - 1; i >= mark; i-- {
		v := s.added[i]
		if s.counts[v]--; s.counts[v] <= 0 {
			delete(s.counts, v)
		}
	}
	clear(s.added[mark:])
	s.added = s.added[:mark]
}

// Top returns the most recently added value still present.
func (s *Set[T]) Top() (v T, ok bool) {
	if len(s.added) == 0 {
		return v, false
	}
	return s.added[len(s.added)-1], true
}

// Depth is the number of open layers.
func (s *Set[T]) Depth() int {
	return len(s.marks)
}

// Len is the number of distinct values present.
func (s *Set[T]) Len() int {
	return len(s.counts)
}

func (s *Set[T]) String() string {
	return fmt.Sprintf("layered.Set{len: %d, depth: %d}", len(s.counts), len(s.marks))
}
