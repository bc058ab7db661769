// Package sample implements the reference sampler spec.md §4.6 hands a
// decode call's logits rows to: greedy argmax, or temperature/top-k/top-p
// sampling over a math/rand/v2 source. Anything satisfying
// engine.Sampler's Sample(logits []float32) (uint32, error) works here;
// this package is one implementation of it, not a dependency of engine.
package sample

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

// greedy always returns the index of the largest logit.
type greedy struct{}

// Greedy returns a sampler (satisfying engine.Sampler) that
// deterministically picks argmax(logits),
// spec.md §4.6's baseline sampling strategy.
func Greedy() *greedy { return &greedy{} }

func (greedy) Sample(logits []float32) (uint32, error) {
	if len(logits) == 0 {
		return 0, fmt.Errorf("sample: empty logits row")
	}
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return uint32(best), nil
}

// Sampler draws from logits after temperature scaling and top-k/top-p
// truncation, spec.md §4.6's "temperature, top-k, top-p" parameters.
type Sampler struct {
	temperature float32
	topK        int
	topP        float32
	rng         *rand.Rand
}

// New builds a temperature/top-k/top-p sampler. A seed of 0 is not used
// literally: it is replaced with a value drawn from crypto/rand, so two
// Samplers built with seed 0 do not produce identical sequences (spec.md
// §9 Open Question, resolved in DESIGN.md: seed 0 means "unseeded",
// not "seed with the integer zero").
func New(temperature float32, topK int, topP float32, seed int64) *Sampler {
	if seed == 0 {
		seed = cryptoSeed()
	}
	return &Sampler{
		temperature: temperature,
		topK:        topK,
		topP:        topP,
		rng:         rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>1|1)),
	}
}

func cryptoSeed() int64 {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return 1
	}
	v := int64(binary.LittleEndian.Uint64(buf[:]))
	if v == 0 {
		return 1
	}
	return v
}

type scored struct {
	id    uint32
	logit float32
}

func (s *Sampler) Sample(logits []float32) (uint32, error) {
	if len(logits) == 0 {
		return 0, fmt.Errorf("sample: empty logits row")
	}
	if s.temperature <= 0 {
		return Greedy().Sample(logits)
	}

	cands := make([]scored, len(logits))
	for i, v := range logits {
		cands[i] = scored{id: uint32(i), logit: v / s.temperature}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].logit > cands[j].logit })

	k := s.topK
	if k <= 0 || k > len(cands) {
		k = len(cands)
	}
	cands = cands[:k]

	probs := softmax(cands)
	if s.topP > 0 && s.topP < 1 {
		cands, probs = nucleus(cands, probs, float64(s.topP))
	}

	r := s.rng.Float64()
	var cum float64
	for i, p := range probs {
		cum += p
		if r <= cum {
			return cands[i].id, nil
		}
	}
	return cands[len(cands)-1].id, nil
}

func softmax(cands []scored) []float64 {
	max := cands[0].logit
	for _, c := range cands {
		if c.logit > max {
			max = c.logit
		}
	}
	probs := make([]float64, len(cands))
	var sum float64
	for i, c := range cands {
		e := math.Exp(float64(c.logit - max))
		probs[i] = e
		sum += e
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// nucleus keeps the smallest prefix of cands (already sorted descending)
// whose cumulative probability reaches p, renormalizing over the kept
// set.
func nucleus(cands []scored, probs []float64, p float64) ([]scored, []float64) {
	var cum float64
	n := len(cands)
	for i, pr := range probs {
		cum += pr
		if cum >= p {
			n = i + 1
			break
		}
	}
	kept := cands[:n]
	keptProbs := probs[:n]
	var sum float64
	for _, pr := range keptProbs {
		sum += pr
	}
	renorm := make([]float64, n)
	for i, pr := range keptProbs {
		renorm[i] = pr / sum
	}
	return kept, renorm
}
