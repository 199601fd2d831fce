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

// Package tabix reads and writes .tbi indexes for bgzipped, coordinate
// sorted text files.  Binning and chunk lookup are done by
// github.com/biogo/hts/tabix; this package adds the column layout used by
// fragment files and resolves references by number.
package tabix

import (
	"io"

	"github.com/biogo/hts/bgzf"
	"github.com/biogo/hts/bgzf/index"
	"github.com/biogo/hts/tabix"
	"github.com/grailbio/base/errors"
	hbgzf "github.com/grailbio/hts/bgzf"
)

// Header holds the column configuration of an index.
type Header struct {
	// SeqCol, BegCol and EndCol are 1-based column numbers.
	SeqCol, BegCol, EndCol int32
	// Meta is the comment character.
	Meta byte
	// Skip is the number of header lines to skip.
	Skip int32
	// ZeroBased is set when the begin column is 0-based.
	ZeroBased bool
}

// BEDHeader is the configuration "tabix -p bed" writes.
var BEDHeader = Header{SeqCol: 1, BegCol: 2, EndCol: 3, Meta: '#', ZeroBased: true}

// Index is the content of a .tbi file.
type Index struct {
	Header
	idx   *tabix.Index
	names []string
	ids   map[string]int
}

// region is a 0-based half-open range on a named reference.  It
// implements tabix.Record.
type region struct {
	name     string
	beg, end int
}

func (r region) RefName() string { return r.name }
func (r region) Start() int      { return r.beg }
func (r region) End() int        { return r.end }

// ReadIndex parses a .tbi file.  r must yield the bgzip-compressed bytes of
// the index.
func ReadIndex(r io.Reader) (*Index, error) {
	bz, err := hbgzf.NewReader(r, 1)
	if err != nil {
		return nil, errors.E(errors.Invalid, err, "tabix: open index")
	}
	defer bz.Close() // nolint: errcheck
	idx, err := tabix.ReadFrom(bz)
	if err != nil {
		return nil, errors.E(errors.Invalid, err, "tabix: read index")
	}
	return newIndex(idx), nil
}

func newIndex(idx *tabix.Index) *Index {
	x := &Index{
		Header: Header{
			SeqCol:    idx.NameColumn,
			BegCol:    idx.BeginColumn,
			EndCol:    idx.EndColumn,
			Meta:      byte(idx.MetaChar),
			Skip:      idx.Skip,
			ZeroBased: idx.ZeroBased,
		},
		idx:   idx,
		names: idx.Names(),
		ids:   idx.IDs(),
	}
	return x
}

// Names lists the references in index order.
func (x *Index) Names() []string { return x.names }

// RefID returns the index of the named reference.
func (x *Index) RefID(name string) (int, bool) {
	id, ok := x.ids[name]
	return id, ok
}

// Chunks returns the sorted chunks that may hold records of reference ref
// overlapping the 0-based half-open range [beg, end).  A reference without
// records, or an empty range, yields no chunks.
func (x *Index) Chunks(ref int, beg, end int) ([]bgzf.Chunk, error) {
	if ref < 0 || ref >= len(x.names) || beg >= end {
		return nil, nil
	}
	chunks, err := x.idx.Chunks(x.names[ref], beg, end)
	if err == index.ErrInvalid {
		return nil, nil
	}
	if err != nil {
		return nil, errors.E(err, "tabix: chunks of", x.names[ref])
	}
	return chunks, nil
}

// Offset converts a virtual file offset to a bgzf.Offset.
func Offset(voffset uint64) bgzf.Offset {
	return bgzf.Offset{File: int64(voffset >> 16), Block: uint16(voffset)}
}
