package kclock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAdvance(t *testing.T) {
	c := New()
	require.Equal(t, uint64(0), c.Now())
	c.Advance()
	c.Advance()
	require.Equal(t, uint64(2), c.Now())
}

func TestBackgroundTicker(t *testing.T) {
	c := New()
	c.Start(time.Millisecond)
	defer c.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for c.Now() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("ticker never advanced the clock")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	c := New()
	c.Stop()
	c.Start(time.Millisecond)
	c.Stop()
	c.Stop()
}
