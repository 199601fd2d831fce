// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hmm

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"gonum.org/v1/gonum/floats"
)

const (
	// backwardInit is the value of every entry of the last backward vector.
	backwardInit = 0.1
	// normScale multiplies the sum of the last forward vector to give the
	// posterior normalizer.
	normScale = 0.1
)

// DefaultStates is the historical allow-list of reported states.
var DefaultStates = []int{0, 1, 2, 3, 8, 9, 11}

// Filter selects the posterior entries worth reporting.
type Filter struct {
	// MinProb is the exclusive lower bound on reported probabilities.
	MinProb float64
	// States lists the reported states; nil reports every state.
	States []int
}

// Triplet is one reported posterior entry.
type Triplet struct {
	Bin   uint32
	State uint8
	Prob  float64
}

// Engine runs forward-backward inference for one model.  An Engine owns
// scratch buffers that are reused across Run calls, so it must not be used
// concurrently; create one per worker.
type Engine struct {
	m       *Model
	minProb float64
	allowed []bool

	pats  []int
	fwd   []float64 // len(obs) x NumStates
	b     []float64
	bnext []float64
	emit  []float64
	post  []float64
}

// NewEngine returns an Engine for m reporting entries that pass f.
func NewEngine(m *Model, f Filter) (*Engine, error) {
	ns := m.NumStates
	e := &Engine{
		m:       m,
		minProb: f.MinProb,
		allowed: make([]bool, ns),
		b:       make([]float64, ns),
		bnext:   make([]float64, ns),
		emit:    make([]float64, ns),
		post:    make([]float64, ns),
	}
	if f.States == nil {
		for s := range e.allowed {
			e.allowed[s] = true
		}
	}
	for _, s := range f.States {
		if s < 0 || s >= ns {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("hmm: reported state %d outside [0,%d)", s, ns))
		}
		e.allowed[s] = true
	}
	return e, nil
}

// Model returns the engine's model.
func (e *Engine) Model() *Model { return e.m }

// Keep reports whether the posterior entry (state, p) passes the filter.
func (e *Engine) Keep(state int, p float64) bool {
	return p > e.minProb && e.allowed[state]
}

// Run computes posteriors for the observation sequence obs, one vector of
// NumAssays values per bin, and appends the entries passing the filter to
// dst.  Entries are appended from the last bin to the first, in increasing
// state order within a bin.
func (e *Engine) Run(obs [][]float64, dst []Triplet) ([]Triplet, error) {
	if err := e.prepare(obs); err != nil {
		return dst, err
	}
	if len(obs) == 0 {
		return dst, nil
	}
	norm := e.forward()
	e.backward(func(i int, b []float64) {
		post := e.posterior(i, b, norm)
		for s, p := range post {
			if e.Keep(s, p) {
				dst = append(dst, Triplet{Bin: uint32(i), State: uint8(s), Prob: p})
			}
		}
	})
	return dst, nil
}

// Posteriors returns the unfiltered posterior distribution of every bin, in
// bin order.
func (e *Engine) Posteriors(obs [][]float64) ([][]float64, error) {
	if err := e.prepare(obs); err != nil {
		return nil, err
	}
	if len(obs) == 0 {
		return nil, nil
	}
	out := make([][]float64, len(obs))
	norm := e.forward()
	e.backward(func(i int, b []float64) {
		out[i] = append([]float64(nil), e.posterior(i, b, norm)...)
	})
	return out, nil
}

// prepare validates obs and computes the presence pattern of every bin.
func (e *Engine) prepare(obs [][]float64) error {
	na := e.m.NumAssays
	if cap(e.pats) < len(obs) {
		e.pats = make([]int, len(obs))
	}
	e.pats = e.pats[:len(obs)]
	for i, o := range obs {
		if len(o) != na {
			return errors.E(errors.Precondition, fmt.Sprintf("hmm: bin %d has %d observations, model has %d assays", i, len(o), na))
		}
		e.pats[i] = e.m.Pattern(o)
	}
	if n := len(obs) * e.m.NumStates; cap(e.fwd) < n {
		e.fwd = make([]float64, n)
	} else {
		e.fwd = e.fwd[:n]
	}
	return nil
}

// normalize scales v to sum to one.  All-zero vectors are left alone.
func normalize(v []float64) {
	if z := floats.Sum(v); z > 0 {
		floats.Scale(1/z, v)
	}
}

// forward fills e.fwd with the per-bin normalized forward probabilities
// and returns the posterior normalizer.
func (e *Engine) forward() float64 {
	m, ns := e.m, e.m.NumStates
	f := e.fwd[:ns]
	for s := range f {
		f[s] = m.EmissionByPattern(s, e.pats[0]) * m.Init[s]
	}
	normalize(f)
	for i := 1; i < len(e.pats); i++ {
		prev, cur := e.fwd[(i-1)*ns:i*ns], e.fwd[i*ns:(i+1)*ns]
		for s := range cur {
			var sum float64
			for p, fp := range prev {
				sum += fp * m.Trans[p*ns+s]
			}
			cur[s] = m.EmissionByPattern(s, e.pats[i]) * sum
		}
		normalize(cur)
	}
	last := e.fwd[(len(e.pats)-1)*ns:]
	norm := floats.Sum(last) * normScale
	if norm == 0 {
		norm = 1
	}
	return norm
}

// backward walks the bins from last to first, calling fn with the
// normalized backward vector of each bin.  The vector is only valid during
// the call.
func (e *Engine) backward(fn func(i int, b []float64)) {
	m, ns := e.m, e.m.NumStates
	b, next := e.b, e.bnext
	for s := range b {
		b[s] = backwardInit
	}
	n := len(e.pats)
	fn(n-1, b)
	for i := n - 1; i > 0; i-- {
		for s := range e.emit {
			e.emit[s] = m.EmissionByPattern(s, e.pats[i]) * b[s]
		}
		for s := range next {
			next[s] = floats.Dot(m.Trans[s*ns:(s+1)*ns], e.emit)
		}
		normalize(next)
		b, next = next, b
		fn(i-1, b)
	}
}

// posterior returns the normalized posterior of bin i given its backward
// vector.  The result aliases e.post.
func (e *Engine) posterior(i int, b []float64, norm float64) []float64 {
	ns := e.m.NumStates
	floats.MulTo(e.post, e.fwd[i*ns:(i+1)*ns], b)
	floats.Scale(1/norm, e.post)
	normalize(e.post)
	return e.post
}
