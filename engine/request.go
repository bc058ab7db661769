package engine

import (
	"sort"

	"github.com/ggmlcore/llamacore/kvcache"
)

// Request is one caller-supplied unit of work: a token vector to ingest
// (prefill, len > 1) or a single continuation token (decode, len == 1),
// starting at an absolute position already attended in prior turns, with
// a per-layer KV-cache the caller owns and reuses across calls.
type Request[Id comparable] struct {
	ID     Id
	Tokens []uint32
	Pos    int
	Cache  []kvcache.LayerCache
	// Decode is true iff this request should emit one token after this
	// pass; false marks prefill-only requests that ingest context without
	// producing output (spec.md §3).
	Decode bool
}

func (r Request[Id]) seqLen() int  { return len(r.Tokens) }
func (r Request[Id]) attLen() int  { return r.Pos + len(r.Tokens) }
func (r Request[Id]) purelyDecode() bool { return len(r.Tokens) == 1 }

// Pair associates a request id with a sampled token, the element type of
// Decode's return value.
type Pair[Id any] struct {
	ID    Id
	Token uint32
}

// batch is the packed, sorted view of one Decode call's requests,
// assembled per spec.md §4.4.
type batch[Id comparable] struct {
	requests []Request[Id] // sorted: purely_decode ascending
	offsets  []int         // row offset of each request's first token, parallel to requests
	nt       int
	tokens   []uint32
	pos      []uint32
}

// assembleBatch sorts requests by purely_decode ascending (prefill-
// bearing first, pure-decode last) and computes the packed token and
// position vectors plus each request's starting row.
func assembleBatch[Id comparable](requests []Request[Id]) batch[Id] {
	sorted := append([]Request[Id](nil), requests...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return !sorted[i].purelyDecode() && sorted[j].purelyDecode()
	})

	offsets := make([]int, len(sorted))
	nt := 0
	for i, r := range sorted {
		offsets[i] = nt
		nt += r.seqLen()
	}

	tokens := make([]uint32, 0, nt)
	pos := make([]uint32, 0, nt)
	for _, r := range sorted {
		tokens = append(tokens, r.Tokens...)
		for t := 0; t < r.seqLen(); t++ {
			pos = append(pos, uint32(r.Pos+t))
		}
	}

	return batch[Id]{requests: sorted, offsets: offsets, nt: nt, tokens: tokens, pos: pos}
}
