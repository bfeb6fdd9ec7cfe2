package kcpu

import "fmt"

// CPU models one logical processor. Kernel code holds a CPU while it
// runs, the way a thread of control occupies exactly one core; a CPU must
// be used by at most one goroutine at a time.
type CPU struct {
	id   int
	noff int
}

// PushOff enters a preemption-disabled region. Calls nest.
func (c *CPU) PushOff() {
	c.noff++
}

// PopOff leaves a preemption-disabled region.
func (c *CPU) PopOff() {
	if c.noff < 1 {
		panic("pop_off: preemption already enabled")
	}
	c.noff--
}

// ID returns the CPU's id. It is only meaningful while preemption is
// disabled; calling it outside a PushOff/PopOff pair panics.
func (c *CPU) ID() int {
	if c.noff == 0 {
		panic("cpuid: preemption enabled")
	}
	return c.id
}

func (c *CPU) String() string {
	return fmt.Sprintf("cpu%d", c.id)
}

// Set is the fixed collection of CPUs the kernel was booted with.
type Set struct {
	cpus []*CPU
}

func NewSet(n int) *Set {
	if n < 1 {
		panic(fmt.Sprintf("kcpu: invalid cpu count %d", n))
	}
	s := &Set{cpus: make([]*CPU, n)}
	for i := range s.cpus {
		s.cpus[i] = &CPU{id: i}
	}
	return s
}

// CPU returns the handle for the given id.
func (s *Set) CPU(i int) *CPU {
	return s.cpus[i]
}

// Len returns the number of CPUs in the set.
func (s *Set) Len() int {
	return len(s.cpus)
}
