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


// Package genome describes the chromosomes a run covers.
package genome

import (
	"context"
	"io"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/schmm/util"
)

// Genome is an ordered set of chromosomes with their lengths.
type Genome struct {
	Names []string
	Lens  map[string]int
}

var grch38 = []struct {
	name string
	len  int
}{
	{"chr1", 248956422}, {"chr2", 242193529}, {"chr3", 198295559},
	{"chr4", 190214555}, {"chr5", 181538259}, {"chr6", 170805979},
	{"chr7", 159345973}, {"chr8", 145138636}, {"chr9", 138394717},
	{"chr10", 133797422}, {"chr11", 135086622}, {"chr12", 133275309},
	{"chr13", 114364328}, {"chr14", 107043718}, {"chr15", 101991189},
	{"chr16", 90338345}, {"chr17", 83257441}, {"chr18", 80373285},
	{"chr19", 58617616}, {"chr20", 64444167}, {"chr21", 46709983},
	{"chr22", 50818468},
}

// GRCh38 returns the autosomes of GRCh38.
func GRCh38() Genome {
	g := Genome{Lens: make(map[string]int, len(grch38))}
	for _, c := range grch38 {
		g.Names = append(g.Names, c.name)
		g.Lens[c.name] = c.len
	}
	return g
}

// SmallLen is the length of the only chromosome of Small.
const SmallLen = 10000000

// Small returns a one-chromosome genome for smoke tests: the first 10Mbp of
// chr1.
func Small() Genome {
	return Genome{Names: []string{"chr1"}, Lens: map[string]int{"chr1": SmallLen}}
}

// Len returns the length of chromosome name.
func (g Genome) Len(name string) (int, bool) {
	n, ok := g.Lens[name]
	return n, ok
}

// Select returns the subset of g named by names, in the order given.  An
// empty list selects every chromosome.
func (g Genome) Select(names []string) (Genome, error) {
	if len(names) == 0 {
		return g, nil
	}
	s := Genome{Lens: make(map[string]int, len(names))}
	for _, name := range names {
		n, ok := g.Lens[name]
		if !ok {
			return Genome{}, errors.E(errors.NotExist, "genome: unknown chromosome", name)
		}
		if _, dup := s.Lens[name]; dup {
			continue
		}
		s.Names = append(s.Names, name)
		s.Lens[name] = n
	}
	return s, nil
}

// Read loads a genome from a chrom.sizes or .fai file.  Only the first two
// columns are used.
func Read(ctx context.Context, path string) (g Genome, err error) {
	in, err := util.OpenReader(ctx, path)
	if err != nil {
		return Genome{}, err
	}
	defer func() {
		if e := in.Close(); e != nil && err == nil {
			err = e
		}
	}()
	if g, err = Parse(in); err != nil {
		return Genome{}, errors.E(err, path)
	}
	return g, nil
}

// Parse reads "name<TAB>length" lines.
func Parse(r io.Reader) (Genome, error) {
	tr := tsv.NewReader(r)
	tr.FieldsPerRecord = -1
	tr.Comment = '#'
	g := Genome{Lens: map[string]int{}}
	for {
		row, err := tr.Reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Genome{}, errors.E(errors.Invalid, err, "genome")
		}
		if len(row) < 2 {
			return Genome{}, errors.E(errors.Invalid, "genome: expected name and length, got", row[0])
		}
		n, err := strconv.Atoi(row[1])
		if err != nil || n <= 0 {
			return Genome{}, errors.E(errors.Invalid, "genome: bad length for", row[0], row[1])
		}
		if _, dup := g.Lens[row[0]]; dup {
			return Genome{}, errors.E(errors.Invalid, "genome: duplicate chromosome", row[0])
		}
		g.Names = append(g.Names, row[0])
		g.Lens[row[0]] = n
	}
	if len(g.Names) == 0 {
		return Genome{}, errors.E(errors.Invalid, "genome: no chromosomes")
	}
	return g, nil
}
