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

package tabix

import (
	"io"

	"github.com/biogo/hts/bgzf"
	"github.com/biogo/hts/tabix"
	"github.com/grailbio/base/errors"
	gbgzf "github.com/grailbio/schmm/encoding/bgzf"
	"github.com/klauspost/compress/flate"
)

// IndexWriter accumulates an index while a sorted file is written.  Records
// must arrive grouped by reference and sorted by start within a reference.
type IndexWriter struct {
	idx  *tabix.Index
	seen map[string]bool
	cur  string
	last int
}

// NewIndexWriter returns an empty IndexWriter using header h.
func NewIndexWriter(h Header) *IndexWriter {
	idx := tabix.New()
	idx.NameColumn = h.SeqCol
	idx.BeginColumn = h.BegCol
	idx.EndColumn = h.EndCol
	idx.MetaChar = rune(h.Meta)
	idx.Skip = h.Skip
	idx.ZeroBased = h.ZeroBased
	return &IndexWriter{idx: idx, seen: map[string]bool{}}
}

// Add records that the line covering [beg, end) on reference name occupies
// the virtual offsets [start, stop) of the data file.
func (w *IndexWriter) Add(name string, beg, end int, start, stop uint64) error {
	if end <= beg {
		end = beg + 1
	}
	if name != w.cur || len(w.seen) == 0 {
		if w.seen[name] {
			return errors.E(errors.Invalid, "tabix: input not grouped by reference at", name)
		}
		w.seen[name] = true
		w.cur = name
		w.last = 0
	}
	if beg < w.last {
		return errors.E(errors.Invalid, "tabix: input not sorted at", name)
	}
	w.last = beg
	c := bgzf.Chunk{Begin: Offset(start), End: Offset(stop)}
	if err := w.idx.Add(region{name: name, beg: beg, end: end}, c, true, true); err != nil {
		return errors.E(errors.Invalid, err, "tabix: add", name)
	}
	return nil
}

// Encode writes the bgzip-compressed index to out.
func (w *IndexWriter) Encode(out io.Writer) error {
	bw, err := gbgzf.NewWriter(out, flate.DefaultCompression)
	if err != nil {
		return err
	}
	if err := tabix.WriteTo(bw, w.idx); err != nil {
		return errors.E(err, "tabix: write index")
	}
	return bw.Close()
}
