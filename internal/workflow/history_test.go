package workflow

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestHistoryRing(t *testing.T) {
	h := NewHistory(2)
	a := newExecution("a", "wf1", "manual", nil)
	b := newExecution("b", "wf2", "manual", nil)
	c := newExecution("c", "wf1", "manual", nil)

	assert.Nil(t, h.Add(a))
	assert.Nil(t, h.Add(b))
	assert.Same(t, a, h.Add(c))

	_, ok := h.Get("a")
	assert.False(t, ok)
	got, ok := h.Get("c")
	assert.True(t, ok)
	assert.Same(t, c, got)

	assert.Equal(t, []*Execution{b, c}, h.List(""))
	assert.Equal(t, []*Execution{c}, h.List("wf1"))
	assert.Equal(t, 2, h.Len())
	assert.Equal(t, 2, h.Capacity())
}

func TestHistoryKeepsNewest(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 20).Draw(t, "capacity")
		n := rapid.IntRange(0, 60).Draw(t, "n")

		h := NewHistory(capacity)
		for i := 0; i < n; i++ {
			h.Add(newExecution(fmt.Sprintf("e%d", i), "wf", "manual", nil))
		}

		want := n
		if want > capacity {
			want = capacity
		}
		list := h.List("")
		if len(list) != want {
			t.Fatalf("len %d, want %d", len(list), want)
		}
		for i, exec := range list {
			if expected := fmt.Sprintf("e%d", n-want+i); exec.ID() != expected {
				t.Fatalf("position %d holds %s, want %s", i, exec.ID(), expected)
			}
		}
	})
}
