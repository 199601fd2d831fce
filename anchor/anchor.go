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

// Package anchor reads the common-cell list and the per-assay anchor files
// that softly map assay-local barcodes onto common cells.
//
// An anchor file has three tab or space separated columns:
//
//   common_cell  assay_barcode  score
//
// where common_cell is a line of the common-cell list, assay_barcode has the
// form "ACGT...-N" and score is a weight in [0,1].  Weights of one barcode
// need not sum to one.
package anchor

import (
	"context"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/schmm/barcode"
	"github.com/grailbio/schmm/util"
)

// ReadCells reads the common-cell list at path.
func ReadCells(ctx context.Context, path string) (cells []string, err error) {
	in, err := util.OpenReader(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if e := in.Close(); e != nil && err == nil {
			err = e
		}
	}()
	if cells, err = ParseCells(in); err != nil {
		return nil, errors.E(err, path)
	}
	return cells, nil
}

type cellRow struct {
	Cell string
}

// ParseCells reads one common-cell barcode per line.  The line order
// defines the common-cell index.
func ParseCells(r io.Reader) ([]string, error) {
	tr := tsv.NewReader(r)
	tr.FieldsPerRecord = -1
	var (
		cells []string
		seen  = map[string]bool{}
	)
	for {
		var row cellRow
		if err := tr.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Invalid, err, "common cells")
		}
		cell := strings.TrimSpace(row.Cell)
		if cell == "" {
			continue
		}
		if seen[cell] {
			return nil, errors.E(errors.Invalid, "duplicate common cell", cell)
		}
		seen[cell] = true
		cells = append(cells, cell)
	}
	if len(cells) == 0 {
		return nil, errors.E(errors.Invalid, "empty common cell list")
	}
	return cells, nil
}

// Index maps every common cell name to its position in cells.
func Index(cells []string) map[string]uint32 {
	m := make(map[string]uint32, len(cells))
	for i, c := range cells {
		m[c] = uint32(i)
	}
	return m
}

// Target is one common cell an assay-local barcode maps onto.
type Target struct {
	Cell uint32
	// Weight is the anchor score as read.
	Weight float64
	// Scaled is Weight divided by the number of barcodes anchored to Cell.
	Scaled float64
}

// Weights holds the anchors of one assay.
type Weights struct {
	targets map[barcode.Key][]Target
	norm    map[uint32]int
	anchors int
}

// Lookup returns the common cells barcode k maps onto, ordered by cell.
// It returns nil for barcodes without anchors.
func (w *Weights) Lookup(k barcode.Key) []Target {
	return w.targets[k]
}

// Norm returns the number of assay-local barcodes that assign a weight to
// the common cell.
func (w *Weights) Norm(cell uint32) int {
	return w.norm[cell]
}

// NumBarcodes returns the number of assay-local barcodes with anchors.
func (w *Weights) NumBarcodes() int { return len(w.targets) }

// NumAnchors returns the number of (barcode, common cell) pairs.
func (w *Weights) NumAnchors() int { return w.anchors }

// ReadWeights reads the anchor file at path.  cellIndex maps common cell
// names to their index, as returned by Index.
func ReadWeights(ctx context.Context, path string, cellIndex map[string]uint32) (w *Weights, err error) {
	in, err := util.OpenReader(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if e := in.Close(); e != nil && err == nil {
			err = e
		}
	}()
	if w, err = ParseWeights(in, cellIndex); err != nil {
		return nil, errors.E(err, path)
	}
	return w, nil
}

type anchorRow struct {
	Cell    string
	Barcode string
	Score   float64
}

// parseAnchor splits one anchor line.  A line that does not have three tab
// separated columns is split on whitespace instead.
func parseAnchor(rec []string) (anchorRow, error) {
	if len(rec) != 3 {
		rec = strings.Fields(strings.Join(rec, " "))
	}
	if len(rec) != 3 {
		return anchorRow{}, errors.E(errors.Invalid, "anchors: expected 3 columns in", strings.Join(rec, " "))
	}
	score, err := strconv.ParseFloat(strings.TrimSpace(rec[2]), 64)
	if err != nil {
		return anchorRow{}, errors.E(errors.Invalid, err, "anchors: bad score for", rec[0], rec[1])
	}
	return anchorRow{Cell: strings.TrimSpace(rec[0]), Barcode: strings.TrimSpace(rec[1]), Score: score}, nil
}

// ParseWeights reads anchors from r.  A common cell missing from cellIndex
// is an error.  When a (barcode, cell) pair repeats the last score wins.
func ParseWeights(r io.Reader, cellIndex map[string]uint32) (*Weights, error) {
	tr := tsv.NewReader(r)
	tr.FieldsPerRecord = -1
	tr.Comment = '#'
	raw := map[barcode.Key]map[uint32]float64{}
	for {
		rec, err := tr.Reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.E(errors.Invalid, err, "anchors")
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		row, err := parseAnchor(rec)
		if err != nil {
			return nil, err
		}
		cell, ok := cellIndex[row.Cell]
		if !ok {
			return nil, errors.E(errors.NotExist, "anchors: cell not in the common cell list:", row.Cell)
		}
		if !(row.Score >= 0 && row.Score <= 1) {
			return nil, errors.E(errors.Invalid, "anchors: score outside [0,1] for", row.Cell, row.Barcode)
		}
		key, err := barcode.ParseString(row.Barcode)
		if err != nil {
			return nil, err
		}
		m := raw[key]
		if m == nil {
			m = map[uint32]float64{}
			raw[key] = m
		}
		m[cell] = row.Score
	}

	w := &Weights{
		targets: make(map[barcode.Key][]Target, len(raw)),
		norm:    map[uint32]int{},
	}
	for _, m := range raw {
		for cell := range m {
			w.norm[cell]++
		}
	}
	for key, m := range raw {
		ts := make([]Target, 0, len(m))
		for cell, weight := range m {
			ts = append(ts, Target{Cell: cell, Weight: weight, Scaled: weight / float64(w.norm[cell])})
		}
		sort.Slice(ts, func(i, j int) bool { return ts[i].Cell < ts[j].Cell })
		w.targets[key] = ts
		w.anchors += len(ts)
	}
	return w, nil
}
