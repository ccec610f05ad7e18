package shapes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumElements(t *testing.T) {
	assert.Equal(t, 1, Shape{}.NumElements())
	assert.Equal(t, 6, Shape{2, 3}.NumElements())
	assert.Equal(t, 24, Shape{3, 4, 2}.NumElements())
}

func TestComputeStrides(t *testing.T) {
	assert.Equal(t, Stride{}, Shape{}.ComputeStrides())
	assert.Equal(t, Stride{1}, Shape{5}.ComputeStrides())
	assert.Equal(t, Stride{3, 1}, Shape{2, 3}.ComputeStrides())
	assert.Equal(t, Stride{8, 2, 1}, Shape{3, 4, 2}.ComputeStrides())
}

func TestFlattenUnflattenRoundTrip(t *testing.T) {
	shape := Shape{3, 4, 2}
	strides := shape.ComputeStrides()
	for i := 0; i < shape.NumElements(); i++ {
		idx := UnflattenIndex(i, strides)
		assert.Equal(t, i, FlattenIndex(idx, strides))
	}
}

func TestBroadcastJoin(t *testing.T) {
	bc, err := Broadcast(Shape{3, 1}, Shape{3, 5})
	require.NoError(t, err)
	assert.Equal(t, Shape{3, 5}, bc)

	bc, err = Broadcast(Shape{1, 3}, Shape{2, 3})
	require.NoError(t, err)
	assert.Equal(t, Shape{2, 3}, bc)

	bc, err = Broadcast(Shape{}, Shape{2, 3})
	require.NoError(t, err)
	assert.Equal(t, Shape{2, 3}, bc)

	_, err = Broadcast(Shape{3, 4}, Shape{3, 5})
	assert.Error(t, err)
}

func TestBroadcastSymmetric(t *testing.T) {
	cases := [][2]Shape{
		{{3, 1}, {3, 5}},
		{{1}, {4, 2}},
		{{2, 1, 3}, {4, 3}},
	}
	for _, c := range cases {
		ab, err := Broadcast(c[0], c[1])
		require.NoError(t, err)
		ba, err := Broadcast(c[1], c[0])
		require.NoError(t, err)
		assert.Equal(t, ab, ba)
	}
}

func TestCheckBroadcastTo(t *testing.T) {
	assert.True(t, CheckBroadcastTo(Shape{1, 3}, Shape{2, 3}))
	assert.True(t, CheckBroadcastTo(Shape{}, Shape{2, 3}))
	assert.True(t, CheckBroadcastTo(Shape{3}, Shape{2, 3}))
	assert.False(t, CheckBroadcastTo(Shape{2, 3}, Shape{3}))
	assert.False(t, CheckBroadcastTo(Shape{2}, Shape{2, 3}))
}

func TestTranslationIndex(t *testing.T) {
	// Broadcasting [1,3] to [2,3]: target rows map back to the same
	// source row.
	src := Shape{1, 3}
	tgt := Shape{2, 3}
	expected := []int{0, 1, 2, 0, 1, 2}
	for i, want := range expected {
		assert.Equal(t, want, TranslationIndex(i, src, tgt), "index %d", i)
	}

	// Broadcasting a scalar: every target element reads source 0.
	for i := 0; i < 6; i++ {
		assert.Equal(t, 0, TranslationIndex(i, Shape{}, Shape{2, 3}))
	}

	// Reducing [3,4,2] along the middle axis to [3,1,2].
	src = Shape{3, 1, 2}
	tgt = Shape{3, 4, 2}
	tgtStrides := tgt.ComputeStrides()
	for i := 0; i < tgt.NumElements(); i++ {
		idx := UnflattenIndex(i, tgtStrides)
		want := idx[0]*2 + idx[2]
		assert.Equal(t, want, TranslationIndex(i, src, tgt), "index %d", i)
	}
}
