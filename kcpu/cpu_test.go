package kcpu

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIDRequiresPushOff(t *testing.T) {
	cpus := NewSet(4)
	c := cpus.CPU(2)

	require.Panics(t, func() { c.ID() })

	c.PushOff()
	require.Equal(t, 2, c.ID())
	c.PushOff() // nests
	require.Equal(t, 2, c.ID())
	c.PopOff()
	c.PopOff()

	require.Panics(t, func() { c.ID() })
}

func TestPopOffUnderflowPanics(t *testing.T) {
	c := NewSet(1).CPU(0)
	require.Panics(t, func() { c.PopOff() })
}

func TestNewSetValidation(t *testing.T) {
	require.Panics(t, func() { NewSet(0) })
	s := NewSet(3)
	require.Equal(t, 3, s.Len())
	require.Equal(t, "cpu0", s.CPU(0).String())
}
