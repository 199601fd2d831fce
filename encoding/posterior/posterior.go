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

// Package posterior encodes filtered state posteriors on disk.
//
// A cell file holds the posteriors of one cell on one chromosome.  All
// integers are little-endian:
//
//   u32        nnz
//   u32        num_bins
//   u32        num_states
//   u8[nnz]    quantized probabilities, round(p*100) clamped to 255
//   u8[nnz]    states
//   u32[nnz]   bins
//
// A state file gathers the entries of one state across all cells of a
// chromosome:
//
//   u32        num_bins
//   u32        num_cells+1
//   u32[num_cells+1] cumulative entry counts, starting at 0
//   u8[total]  quantized probabilities
//   u32[total] bins
package posterior

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/grailbio/schmm/hmm"
	"github.com/pkg/errors"
)

const (
	headerSize = 12
	// maxPrealloc bounds the buffer reserved from a length read off disk.
	maxPrealloc = 1 << 20
)

var le = binary.LittleEndian

// Quantize maps a probability to the byte stored on disk.
func Quantize(p float64) uint8 {
	v := math.Round(p * 100)
	switch {
	case v <= 0 || math.IsNaN(v):
		return 0
	case v >= math.MaxUint8:
		return math.MaxUint8
	}
	return uint8(v)
}

// Cell is a decoded cell file.  Entry i is (Bins[i], States[i], Probs[i]).
type Cell struct {
	NumBins, NumStates uint32
	Probs              []uint8
	States             []uint8
	Bins               []uint32
}

// Len returns the number of entries.
func (c *Cell) Len() int { return len(c.Probs) }

// Triplets returns the entries with probabilities rescaled to [0, 2.55].
func (c *Cell) Triplets() []hmm.Triplet {
	ts := make([]hmm.Triplet, c.Len())
	for i := range ts {
		ts[i] = hmm.Triplet{Bin: c.Bins[i], State: c.States[i], Prob: float64(c.Probs[i]) / 100}
	}
	return ts
}

// Marshal encodes a cell file.
func Marshal(numBins, numStates int, ts []hmm.Triplet) []byte {
	n := len(ts)
	b := make([]byte, headerSize+6*n)
	le.PutUint32(b[0:], uint32(n))
	le.PutUint32(b[4:], uint32(numBins))
	le.PutUint32(b[8:], uint32(numStates))
	probs, states, bins := b[headerSize:headerSize+n], b[headerSize+n:headerSize+2*n], b[headerSize+2*n:]
	for i, t := range ts {
		probs[i] = Quantize(t.Prob)
		states[i] = t.State
		le.PutUint32(bins[4*i:], t.Bin)
	}
	return b
}

// Encode writes a cell file to w.
func Encode(w io.Writer, numBins, numStates int, ts []hmm.Triplet) error {
	_, err := w.Write(Marshal(numBins, numStates, ts))
	return errors.Wrap(err, "posterior: write cell")
}

// Unmarshal decodes a cell file held in b.
func Unmarshal(b []byte) (*Cell, error) {
	return Decode(bytes.NewReader(b))
}

// Decode reads a cell file from r.
func Decode(r io.Reader) (*Cell, error) {
	var h [headerSize]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return nil, errors.Wrap(err, "posterior: read cell header")
	}
	nnz := le.Uint32(h[0:])
	c := &Cell{NumBins: le.Uint32(h[4:]), NumStates: le.Uint32(h[8:])}
	if c.NumStates == 0 || c.NumStates > hmm.MaxStates {
		return nil, errors.Errorf("posterior: bad state count %d", c.NumStates)
	}
	if uint64(nnz) > uint64(c.NumBins)*uint64(c.NumStates) {
		return nil, errors.Errorf("posterior: %d entries exceed %d bins x %d states", nnz, c.NumBins, c.NumStates)
	}
	body, err := readFull(r, 6*int64(nnz))
	if err != nil {
		return nil, errors.Wrapf(err, "posterior: read %d cell entries", nnz)
	}
	n := int(nnz)
	c.Probs = body[:n:n]
	c.States = body[n : 2*n : 2*n]
	c.Bins = make([]uint32, n)
	for i := range c.Bins {
		c.Bins[i] = le.Uint32(body[2*n+4*i:])
		if uint32(c.States[i]) >= c.NumStates {
			return nil, errors.Errorf("posterior: entry %d has state %d of %d", i, c.States[i], c.NumStates)
		}
		if c.Bins[i] >= c.NumBins {
			return nil, errors.Errorf("posterior: entry %d has bin %d of %d", i, c.Bins[i], c.NumBins)
		}
	}
	return c, nil
}

// StateFile is the consolidated entries of one state.  The entries of cell
// i are [Offsets[i], Offsets[i+1]).
type StateFile struct {
	NumBins uint32
	Offsets []uint32
	Probs   []uint8
	Bins    []uint32
}

// NumCells returns the number of cells covered.
func (s *StateFile) NumCells() int { return len(s.Offsets) - 1 }

// WriteTo writes the state file to w.
func (s *StateFile) WriteTo(w io.Writer) (int64, error) {
	b := make([]byte, 8+4*len(s.Offsets)+len(s.Probs)+4*len(s.Bins))
	le.PutUint32(b[0:], s.NumBins)
	le.PutUint32(b[4:], uint32(len(s.Offsets)))
	off := 8
	for _, v := range s.Offsets {
		le.PutUint32(b[off:], v)
		off += 4
	}
	off += copy(b[off:], s.Probs)
	for _, v := range s.Bins {
		le.PutUint32(b[off:], v)
		off += 4
	}
	n, err := w.Write(b)
	return int64(n), errors.Wrap(err, "posterior: write state file")
}

// ReadStateFile reads a state file from r.
func ReadStateFile(r io.Reader) (*StateFile, error) {
	var h [8]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return nil, errors.Wrap(err, "posterior: read state header")
	}
	s := &StateFile{NumBins: le.Uint32(h[0:])}
	nOff := int(le.Uint32(h[4:]))
	if nOff == 0 {
		return nil, errors.New("posterior: empty offset table")
	}
	buf, err := readFull(r, 4*int64(nOff))
	if err != nil {
		return nil, errors.Wrap(err, "posterior: read offsets")
	}
	s.Offsets = make([]uint32, nOff)
	for i := range s.Offsets {
		s.Offsets[i] = le.Uint32(buf[4*i:])
		if i > 0 && s.Offsets[i] < s.Offsets[i-1] {
			return nil, errors.Errorf("posterior: offsets decrease at cell %d", i)
		}
	}
	if s.Offsets[0] != 0 {
		return nil, errors.New("posterior: offsets must start at 0")
	}
	total := int(s.Offsets[nOff-1])
	body, err := readFull(r, 5*int64(total))
	if err != nil {
		return nil, errors.Wrapf(err, "posterior: read %d state entries", total)
	}
	s.Probs = body[:total:total]
	s.Bins = make([]uint32, total)
	for i := range s.Bins {
		s.Bins[i] = le.Uint32(body[total+4*i:])
	}
	return s, nil
}

// readFull reads exactly n bytes from r.  Memory grows with the bytes
// actually read, so a corrupt length fails with io.ErrUnexpectedEOF
// instead of reserving the whole amount up front.
func readFull(r io.Reader, n int64) ([]byte, error) {
	var buf bytes.Buffer
	if n <= maxPrealloc {
		buf.Grow(int(n))
	}
	m, err := buf.ReadFrom(io.LimitReader(r, n))
	if err != nil {
		return nil, err
	}
	if m != n {
		return nil, io.ErrUnexpectedEOF
	}
	return buf.Bytes(), nil
}
