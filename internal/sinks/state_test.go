package sinks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/domscout/internal/element"
)

func TestState_PushRequiresMutation(t *testing.T) {
	s := NewState()
	el := newLink(map[string]string{"a": "1"})
	assert.ErrorIs(t, s.Push(el, Body), ErrNonMutation)

	sample := element.New(element.Form, "http://app.test/", "POST", map[string]string{"a": ""}).
		Mutations("x", element.MutationOptions{SampleValues: true})[1]
	assert.ErrorIs(t, s.Push(sample, Body), ErrNonMutation)
}

func TestState_IncludeAndGet(t *testing.T) {
	s := NewState()
	el := newLink(map[string]string{"a": "1", "b": "2"})
	muts := el.Mutations("seed", element.MutationOptions{})

	require.NoError(t, s.Push(muts[0], Body))
	assert.True(t, s.Include(muts[0], Body))
	assert.False(t, s.Include(muts[1], Body))
	// A plain element matches when any of its inputs does.
	assert.True(t, s.Include(el, Body))
	assert.False(t, s.Include(el, Active))
	assert.Equal(t, []string{"a"}, s.Get(el, Body))
	assert.Equal(t, 1, s.Len())
}

func TestState_SnapshotRestore(t *testing.T) {
	s := NewState()
	el := newLink(map[string]string{"a": "1", "b": "2"})
	for _, m := range el.Mutations("seed", element.MutationOptions{}) {
		require.NoError(t, s.Push(m, Traced))
	}
	require.NoError(t, s.Push(el.Mutations("seed", element.MutationOptions{})[1], Active))

	snap := s.Snapshot()
	require.Len(t, snap, 3)

	restored := NewState()
	restored.Restore(snap)
	assert.Equal(t, snap, restored.Snapshot())
	assert.Equal(t, s.PerInput(el), restored.PerInput(el))

	restored.Clear()
	assert.Zero(t, restored.Len())
	assert.True(t, restored.Claim(el))
	assert.False(t, restored.Claim(el.Dup()))
}
