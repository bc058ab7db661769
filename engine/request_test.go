package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAssembleBatchSortsPrefillBeforeDecode(t *testing.T) {
	reqs := []Request[string]{
		{ID: "decode-a", Tokens: []uint32{9}, Pos: 4, Decode: true},
		{ID: "prefill-a", Tokens: []uint32{1, 2, 3}, Pos: 0, Decode: true},
		{ID: "decode-b", Tokens: []uint32{7}, Pos: 2, Decode: true},
	}

	b := assembleBatch(reqs)

	require := func(cond bool, msg string) {
		if !cond {
			t.Fatal(msg)
		}
	}
	require(len(b.requests) == 3, "expected 3 requests in batch")

	// The prefill-bearing request sorts before both pure-decode requests;
	// relative order among the pure-decode requests is preserved.
	assert.Equal(t, "prefill-a", b.requests[0].ID)
	assert.Equal(t, "decode-a", b.requests[1].ID)
	assert.Equal(t, "decode-b", b.requests[2].ID)

	assert.Equal(t, 5, b.nt)
	assert.Equal(t, []int{0, 3, 4}, b.offsets)
	assert.Equal(t, []uint32{1, 2, 3, 9, 7}, b.tokens)
	assert.Equal(t, []uint32{0, 1, 2, 4, 2}, b.pos)
}

func TestAssembleBatchEmpty(t *testing.T) {
	b := assembleBatch[string](nil)
	assert.Equal(t, 0, b.nt)
	assert.Empty(t, b.requests)
	assert.Empty(t, b.tokens)
}

func TestRequestSeqAndAttLen(t *testing.T) {
	r := Request[int]{Tokens: []uint32{1, 2, 3}, Pos: 5}
	assert.Equal(t, 3, r.seqLen())
	assert.Equal(t, 8, r.attLen())
	assert.False(t, r.purelyDecode())

	d := Request[int]{Tokens: []uint32{1}, Pos: 5}
	assert.True(t, d.purelyDecode())
	assert.Equal(t, 6, d.attLen())
}
