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
	"bufio"
	"bytes"
	"context"

	"github.com/biogo/hts/bgzf"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/schmm/encoding/tabix"
	"github.com/grailbio/schmm/util"
)

// maxLineLen bounds the length of a fragment line.
const maxLineLen = 1 << 20

// Source gives access to the fragment lines of one assay.  A Source is not
// safe for concurrent use.
type Source interface {
	// RefID resolves a chromosome name.  Unknown names are errors.NotExist.
	RefID(chrom string) (int, error)
	// Fetch calls fn for every line of reference ref overlapping the
	// 0-based half-open range [start, end), in file order.  The line is
	// only valid during the call.
	Fetch(ctx context.Context, ref, start, end int, fn func(line []byte) error) error
	// Close releases the resources of the source.
	Close() error
}

// Open opens the fragment file at path.  If path+".tbi" exists the file is
// read through its tabix index, otherwise it is loaded into memory.
func Open(ctx context.Context, path string) (Source, error) {
	if _, err := file.Stat(ctx, path+".tbi"); err == nil {
		return OpenTabix(ctx, path)
	}
	log.Debug.Printf("fragment: no index for %s, loading it into memory", path)
	return OpenText(ctx, path)
}

type tabixSource struct {
	ctx  context.Context
	path string
	in   file.File
	bz   *bgzf.Reader
	idx  *tabix.Index
}

// OpenTabix opens a bgzipped fragment file indexed by path+".tbi".
func OpenTabix(ctx context.Context, path string) (Source, error) {
	idxFile, err := file.Open(ctx, path+".tbi")
	if err != nil {
		return nil, errors.E(err, "fragment: open index of", path)
	}
	idx, err := tabix.ReadIndex(idxFile.Reader(ctx))
	if err2 := idxFile.Close(ctx); err == nil {
		err = err2
	}
	if err != nil {
		return nil, errors.E(err, "fragment: read index of", path)
	}
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "fragment: open", path)
	}
	bz, err := bgzf.NewReader(in.Reader(ctx), 1)
	if err != nil {
		_ = in.Close(ctx)
		return nil, errors.E(errors.Invalid, err, "fragment: bgzf", path)
	}
	return &tabixSource{ctx: ctx, path: path, in: in, bz: bz, idx: idx}, nil
}

func (s *tabixSource) RefID(chrom string) (int, error) {
	ref, ok := s.idx.RefID(chrom)
	if !ok {
		return -1, errors.E(errors.NotExist, "fragment: no contig", chrom, "in", s.path)
	}
	return ref, nil
}

// locate extracts the reference name and the 0-based half-open extent of a
// line using the column layout of the index.
func (s *tabixSource) locate(line []byte) (name []byte, beg, end int, err error) {
	h := s.idx.Header
	var f [16][]byte
	n := fields(line, f[:])
	col := func(c int32) ([]byte, bool) {
		if c < 1 || int(c) > n {
			return nil, false
		}
		return f[c-1], true
	}
	name, ok := col(h.SeqCol)
	if !ok {
		return nil, 0, 0, errors.E(errors.Invalid, "fragment: no sequence column in", s.path)
	}
	b, ok := col(h.BegCol)
	v, ok2 := parsePos(b)
	if !ok || !ok2 {
		return nil, 0, 0, errors.E(errors.Invalid, "fragment: bad start in", string(line))
	}
	beg = int(v)
	if !h.ZeroBased && beg > 0 {
		beg--
	}
	end = beg + 1
	if e, ok := col(h.EndCol); ok && h.EndCol != h.BegCol {
		v, ok := parsePos(e)
		if !ok {
			return nil, 0, 0, errors.E(errors.Invalid, "fragment: bad end in", string(line))
		}
		if int(v) > beg {
			end = int(v)
		}
	}
	return name, beg, end, nil
}

func (s *tabixSource) Fetch(ctx context.Context, ref, start, end int, fn func([]byte) error) error {
	chunks, err := s.idx.Chunks(ref, start, end)
	if err != nil {
		return errors.E(err, "fragment: index of", s.path)
	}
	if len(chunks) == 0 {
		return nil
	}
	if err := s.bz.Seek(chunks[0].Begin); err != nil {
		return errors.E(err, "fragment: seek", s.path)
	}
	name := []byte(s.idx.Names()[ref])
	sc := bufio.NewScanner(s.bz)
	sc.Buffer(make([]byte, 64<<10), maxLineLen)
	for n := 0; sc.Scan(); n++ {
		if n&0xfff == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		line := sc.Bytes()
		if len(line) == 0 || line[0] == s.idx.Meta {
			continue
		}
		chrom, beg, lend, err := s.locate(line)
		if err != nil {
			return err
		}
		if !bytes.Equal(chrom, name) || beg >= end {
			return nil
		}
		if lend <= start {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return errors.E(err, "fragment: read", s.path)
	}
	return nil
}

func (s *tabixSource) Close() error {
	var e errors.Once
	e.Set(s.bz.Close())
	e.Set(s.in.Close(s.ctx))
	return e.Err()
}

type textSource struct {
	path  string
	ids   map[string]int
	names []string
	lines [][][]byte
}

// OpenText reads a plain or gzipped fragment file into memory.  Lines must
// be grouped by chromosome but need not be sorted.  Coordinates are taken
// as 0-based for range queries.
func OpenText(ctx context.Context, path string) (_ Source, err error) {
	r, err := util.OpenReader(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err2 := r.Close(); err == nil && err2 != nil {
			err = errors.E(err2, "fragment: close", path)
		}
	}()
	s := &textSource{path: path, ids: map[string]int{}}
	cur := -1
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxLineLen)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		chrom := line
		if i := bytes.IndexByte(line, '\t'); i >= 0 {
			chrom = line[:i]
		}
		if cur < 0 || string(chrom) != s.names[cur] {
			if _, ok := s.ids[string(chrom)]; ok {
				return nil, errors.E(errors.Invalid, "fragment: chromosome", string(chrom), "is not contiguous in", path)
			}
			cur = len(s.lines)
			s.ids[string(chrom)] = cur
			s.names = append(s.names, string(chrom))
			s.lines = append(s.lines, nil)
		}
		s.lines[cur] = append(s.lines[cur], append([]byte(nil), line...))
	}
	if err := sc.Err(); err != nil {
		return nil, errors.E(err, "fragment: read", path)
	}
	return s, nil
}

func (s *textSource) RefID(chrom string) (int, error) {
	ref, ok := s.ids[chrom]
	if !ok {
		return -1, errors.E(errors.NotExist, "fragment: no contig", chrom, "in", s.path)
	}
	return ref, nil
}

func (s *textSource) Fetch(ctx context.Context, ref, start, end int, fn func([]byte) error) error {
	if ref < 0 || ref >= len(s.lines) {
		return errors.E(errors.NotExist, "fragment: bad reference id in", s.path)
	}
	var f [3][]byte
	for i, line := range s.lines[ref] {
		if i&0xfff == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		if fields(line, f[:]) < 3 {
			return errors.E(errors.Invalid, "fragment: expected 4 columns in", string(line))
		}
		beg, ok := parsePos(f[1])
		lend, ok2 := parsePos(f[2])
		if !ok || !ok2 {
			return errors.E(errors.Invalid, "fragment: bad coordinates in", string(line))
		}
		if lend <= beg {
			lend = beg + 1
		}
		if int(beg) >= end || int(lend) <= start {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return nil
}

func (s *textSource) Close() error { return nil }
