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


package fragment

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/schmm/anchor"
	"github.com/grailbio/schmm/interval"
)

// CellRecords holds the weighted intervals of one common cell in one assay.
type CellRecords []interval.Weighted

// add appends r to every common cell its barcode is anchored to, weighted by
// the scaled anchor weight.  It reports whether the barcode was known.
func add(cells []CellRecords, w *anchor.Weights, r Record) bool {
	targets := w.Lookup(r.Barcode)
	for _, t := range targets {
		cells[t.Cell] = append(cells[t.Cell], interval.Weighted{Start: r.Start, End: r.End, Weight: t.Scaled})
	}
	return len(targets) > 0
}

// Aggregate redistributes the fragments of one assay onto numCells common
// cells.  A fragment whose barcode anchors to cell c contributes
// weight/norm(c) to c.  Fragments with unanchored barcodes are dropped.
func Aggregate(recs []Record, w *anchor.Weights, numCells int) []CellRecords {
	cells := make([]CellRecords, numCells)
	for _, r := range recs {
		add(cells, w, r)
	}
	return cells
}

// FetchAssay reads every fragment of chrom from src and aggregates it onto
// numCells common cells.
func FetchAssay(ctx context.Context, src Source, chrom string, chromLen int, w *anchor.Weights, numCells int, oneBased bool) ([]CellRecords, error) {
	ref, err := src.RefID(chrom)
	if err != nil {
		return nil, err
	}
	cells := make([]CellRecords, numCells)
	var kept, dropped int
	err = src.Fetch(ctx, ref, 0, chromLen, func(line []byte) error {
		r, err := ParseRecord(line, oneBased)
		if err != nil {
			return err
		}
		if add(cells, w, r) {
			kept++
		} else {
			dropped++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug.Printf("fragment: %s: %d fragments kept, %d without anchors", chrom, kept, dropped)
	return cells, nil
}

// Experiment holds the aggregated fragments of every assay on one
// chromosome.  Assays[a][c] are the intervals of common cell c in assay a.
type Experiment struct {
	Chrom  string
	Len    int
	Assays [][]CellRecords
}

// NewExperiment checks that every assay covers numCells cells.
func NewExperiment(chrom string, length int, assays [][]CellRecords, numCells int) (*Experiment, error) {
	if len(assays) == 0 {
		return nil, errors.E(errors.Invalid, "fragment: experiment without assays")
	}
	for a, cells := range assays {
		if len(cells) != numCells {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("fragment: assay %d has %d cells, want %d", a, len(cells), numCells))
		}
	}
	return &Experiment{Chrom: chrom, Len: length, Assays: assays}, nil
}

// NumCells returns the number of common cells.
func (e *Experiment) NumCells() int { return len(e.Assays[0]) }

// Cell returns the intervals of cell i, one entry per assay.
func (e *Experiment) Cell(i int) []CellRecords {
	c := make([]CellRecords, len(e.Assays))
	for a := range e.Assays {
		c[a] = e.Assays[a][i]
	}
	return c
}

// Empty reports whether cell i has no interval in any assay.
func (e *Experiment) Empty(i int) bool {
	for a := range e.Assays {
		if len(e.Assays[a][i]) > 0 {
			return false
		}
	}
	return true
}

// LoadExperiment fetches chrom from every assay in parallel.  srcs[a] is
// read with weights[a].
func LoadExperiment(ctx context.Context, srcs []Source, weights []*anchor.Weights, chrom string, length, numCells int, oneBased bool) (*Experiment, error) {
	if len(srcs) != len(weights) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("fragment: %d sources but %d weight tables", len(srcs), len(weights)))
	}
	assays := make([][]CellRecords, len(srcs))
	err := traverse.Each(len(srcs), func(a int) error {
		cells, err := FetchAssay(ctx, srcs[a], chrom, length, weights[a], numCells, oneBased)
		if err != nil {
			return errors.E(err, fmt.Sprintf("fragment: assay %d", a))
		}
		assays[a] = cells
		return nil
	})
	if err != nil {
		return nil, err
	}
	return NewExperiment(chrom, length, assays, numCells)
}
