// Package percpu provides the fixed-size arena of per-physical-CPU regions.
// The arena is sized once at bring-up and passed by reference; access is
// bounds-checked at the boundary even though only the owning CPU is supposed
// to touch its slot.
package percpu

import "fmt"

// Arena holds one region per physical CPU, indexed by pCPU id.
type Arena[T any] struct {
	regions []T
}

// NewArena returns an arena for n physical CPUs.
func NewArena[T any](n int) *Arena[T] {
	if n <= 0 {
		panic(fmt.Sprintf("percpu: invalid CPU count %d", n))
	}
	return &Arena[T]{regions: make([]T, n)}
}

// Get returns the region of pCPU id.
func (a *Arena[T]) Get(id uint16) *T {
	if int(id) >= len(a.regions) {
		panic(fmt.Sprintf("percpu: pCPU id %d out of range (have %d CPUs)", id, len(a.regions)))
	}
	return &a.regions[id]
}

// Len returns the number of physical CPUs.
func (a *Arena[T]) Len() int { return len(a.regions) }
