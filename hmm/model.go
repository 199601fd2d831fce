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
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/schmm/util"
)

const (
	// initEpsilon is added to every initial probability so that no state is
	// unreachable from the first bin.
	initEpsilon = 1.15358e-31

	// MaxAssays bounds the emission table at 2^MaxAssays entries per state.
	MaxAssays = 16
	// MaxStates is the largest state count a Triplet can address.
	MaxStates = 256
)

// Model is a fitted HMM over binarized multi-assay observations.  It is
// immutable once read and shared by all engines.
type Model struct {
	NumStates, NumAssays int
	// Init[s] is the initial probability of state s.
	Init []float64
	// Trans[from*NumStates+to] is the transition probability.
	Trans []float64
	// Presence[s*NumAssays+a] is P(assay a present | state s).
	Presence []float64
	// Emit[s<<NumAssays|pattern] is the joint emission probability of a
	// presence pattern, assuming assays are independent given the state.
	Emit []float64
	// Thresholds[a] is the observation value above which assay a counts as
	// present.
	Thresholds []float64
}

// LoadModel reads a model file from path.  See ReadModel.
func LoadModel(ctx context.Context, path string, thresholds []float64) (m *Model, err error) {
	in, err := util.OpenReader(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if e := in.Close(); e != nil && err == nil {
			err = e
		}
	}()
	if m, err = ReadModel(in, thresholds); err != nil {
		return nil, errors.E(err, path)
	}
	return m, nil
}

// ReadModel parses a ChromHMM model.txt.  The first line starts with the
// state and assay counts; it is followed by records of three kinds:
//
//   probinit         state prob
//   transitionprobs  from to prob
//   emissionprobs    state assay name presence prob
//
// States are 1-based and assays 0-based.  Only emission records with
// presence 1 are used.  thresholds may be nil, meaning 0 for every assay.
func ReadModel(r io.Reader, thresholds []float64) (*Model, error) {
	tr := tsv.NewReader(r)
	tr.FieldsPerRecord = -1
	tr.Comment = '#'

	head, err := tr.Reader.Read()
	if err != nil {
		return nil, errors.E(errors.Invalid, err, "model: missing header")
	}
	if len(head) < 2 {
		return nil, errors.E(errors.Invalid, "model: short header")
	}
	m := &Model{}
	if m.NumStates, err = strconv.Atoi(head[0]); err != nil || m.NumStates <= 0 || m.NumStates > MaxStates {
		return nil, errors.E(errors.Invalid, "model: bad state count", head[0])
	}
	if m.NumAssays, err = strconv.Atoi(head[1]); err != nil || m.NumAssays <= 0 || m.NumAssays > MaxAssays {
		return nil, errors.E(errors.Invalid, "model: bad assay count", head[1])
	}
	ns, na := m.NumStates, m.NumAssays
	switch {
	case thresholds == nil:
		m.Thresholds = make([]float64, na)
	case len(thresholds) != na:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("model: %d thresholds for %d assays", len(thresholds), na))
	default:
		m.Thresholds = append([]float64(nil), thresholds...)
	}
	m.Init = make([]float64, ns)
	m.Trans = make([]float64, ns*ns)
	m.Presence = make([]float64, ns*na)

	var nInit, nTrans, nEmit int
	for {
		row, err := tr.Reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.E(errors.Invalid, err, "model")
		}
		p := parser{row: row}
		switch row[0] {
		case "probinit":
			p.want(3)
			s := p.index(1, 1, ns)
			m.Init[s] = p.prob(2) + initEpsilon
			nInit++
		case "transitionprobs":
			p.want(4)
			from, to := p.index(1, 1, ns), p.index(2, 1, ns)
			m.Trans[from*ns+to] = p.prob(3)
			nTrans++
		case "emissionprobs":
			p.want(6)
			if p.index(4, 0, 2) != 1 {
				break
			}
			s, a := p.index(1, 1, ns), p.index(2, 0, na)
			m.Presence[s*na+a] = p.prob(5)
			nEmit++
		default:
			return nil, errors.E(errors.Invalid, "model: unknown record", row[0])
		}
		if p.err != nil {
			return nil, p.err
		}
	}
	if nInit != ns || nTrans != ns*ns || nEmit != ns*na {
		return nil, errors.E(errors.Invalid, fmt.Sprintf(
			"model: got %d/%d/%d probinit/transitionprobs/emissionprobs records, want %d/%d/%d",
			nInit, nTrans, nEmit, ns, ns*ns, ns*na))
	}

	m.Emit = make([]float64, ns<<uint(na))
	for s := 0; s < ns; s++ {
		pres := m.Presence[s*na : (s+1)*na]
		for pat := 0; pat < 1<<uint(na); pat++ {
			v := 1.0
			for a, p := range pres {
				if pat&(1<<uint(a)) != 0 {
					v *= p
				} else {
					v *= 1 - p
				}
			}
			m.Emit[s<<uint(na)|pat] = v
		}
	}
	return m, nil
}

// parser extracts typed fields from one model record, remembering the
// first error.
type parser struct {
	row []string
	err error
}

func (p *parser) want(n int) {
	if p.err == nil && len(p.row) != n {
		p.err = errors.E(errors.Invalid, fmt.Sprintf("model: %s record has %d fields, want %d", p.row[0], len(p.row), n))
	}
}

// index parses field i as an integer in [base, base+n) and returns it
// relative to base.
func (p *parser) index(i, base, n int) int {
	if p.err != nil {
		return 0
	}
	v, err := strconv.Atoi(p.row[i])
	if err != nil || v < base || v >= base+n {
		p.err = errors.E(errors.Invalid, "model: bad index in", p.row[0], "record:", p.row[i])
		return 0
	}
	return v - base
}

func (p *parser) prob(i int) float64 {
	if p.err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(p.row[i], 64)
	if err != nil || v < 0 || v > 1 {
		p.err = errors.E(errors.Invalid, "model: bad probability in", p.row[0], "record:", p.row[i])
		return 0
	}
	return v
}

// Pattern thresholds obs into a presence bit pattern, bit a for assay a.
func (m *Model) Pattern(obs []float64) int {
	pat := 0
	for a, v := range obs {
		if v > m.Thresholds[a] {
			pat |= 1 << uint(a)
		}
	}
	return pat
}

// EmissionByPattern returns P(pattern | state).
func (m *Model) EmissionByPattern(state, pattern int) float64 {
	return m.Emit[state<<uint(m.NumAssays)|pattern]
}

// Emission returns P(obs | state) after thresholding obs.
func (m *Model) Emission(state int, obs []float64) float64 {
	return m.EmissionByPattern(state, m.Pattern(obs))
}

// InitProb returns the initial probability of state.
func (m *Model) InitProb(state int) float64 { return m.Init[state] }

// TransProb returns the probability of moving from state from to state to.
func (m *Model) TransProb(from, to int) float64 { return m.Trans[from*m.NumStates+to] }

func (m *Model) String() string {
	return fmt.Sprintf("hmm{states: %d, assays: %d}", m.NumStates, m.NumAssays)
}
