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


package quantify_test

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/schmm/anchor"
	"github.com/grailbio/schmm/encoding/posterior"
	"github.com/grailbio/schmm/fragment"
	"github.com/grailbio/schmm/genome"
	"github.com/grailbio/schmm/hmm"
	"github.com/grailbio/schmm/interval"
	"github.com/grailbio/schmm/quantify"
	"github.com/grailbio/schmm/util"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	tassert "github.com/stretchr/testify/assert"
)

// modelText renders a model.txt.  pres[s][a] is the presence probability.
func modelText(init []float64, trans [][]float64, pres [][]float64) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%d\t%d\tE\t-1.0\t10\n", len(init), len(pres[0]))
	for s, p := range init {
		fmt.Fprintf(&b, "probinit\t%d\t%g\n", s+1, p)
	}
	for s, row := range trans {
		for t, p := range row {
			fmt.Fprintf(&b, "transitionprobs\t%d\t%d\t%g\n", s+1, t+1, p)
		}
	}
	for s, row := range pres {
		for a, p := range row {
			fmt.Fprintf(&b, "emissionprobs\t%d\t%d\tmark%d\t0\t%g\n", s+1, a, a, 1-p)
			fmt.Fprintf(&b, "emissionprobs\t%d\t%d\tmark%d\t1\t%g\n", s+1, a, a, p)
		}
	}
	return b.String()
}

var twoAssayModel = modelText(
	[]float64{0.6, 0.4},
	[][]float64{{0.7, 0.3}, {0.2, 0.8}},
	[][]float64{{0.9, 0.2}, {0.1, 0.6}},
)

func mustModel(t *testing.T) *hmm.Model {
	m, err := hmm.ReadModel(strings.NewReader(twoAssayModel), nil)
	assert.NoError(t, err)
	return m
}

func TestNumBins(t *testing.T) {
	expect.EQ(t, quantify.NumBins(1000, 200), 5)
	expect.EQ(t, quantify.NumBins(1001, 200), 6)
	expect.EQ(t, quantify.NumBins(1, 200), 1)
	expect.EQ(t, quantify.NumBins(0, 200), 0)
}

func TestObservations(t *testing.T) {
	trees := []*interval.Tree{
		interval.NewTree([]interval.Weighted{{Start: 150, End: 250, Weight: 0.5}, {Start: 990, End: 1100, Weight: 1}}),
		interval.NewTree(nil),
	}
	obs := quantify.Observations(trees, 1001, 200, nil)
	expect.EQ(t, len(obs), 6)
	want := [][]float64{{0.5, 0}, {0.5, 0}, {0, 0}, {0, 0}, {1, 0}, {1, 0}}
	expect.EQ(t, obs, want)

	// Rows are reused, and a shorter chromosome shrinks the matrix.
	again := quantify.Observations(trees, 400, 200, obs)
	expect.EQ(t, again, [][]float64{{0.5, 0}, {0.5, 0}})
	expect.True(t, &again[0][0] == &obs[0][0])
}

// TestAnchorRedistribution checks that a fragment reaches a common cell with
// weight w/k when k barcodes anchor to that cell.
func TestAnchorRedistribution(t *testing.T) {
	w, err := anchor.ParseWeights(strings.NewReader("c0\tAAAA-1\t1\nc0\tCCCC-1\t1\nc0\tGGGG-1\t0.6\nc1\tAAAA-1\t0.4\n"),
		anchor.Index([]string{"c0", "c1"}))
	assert.NoError(t, err)
	var recs []fragment.Record
	for _, line := range []string{"chr1\t10\t20\tAAAA-1", "chr1\t30\t40\tGGGG-1", "chr1\t500\t600\tTTTT-1"} {
		r, err := fragment.ParseRecord([]byte(line), false)
		assert.NoError(t, err)
		recs = append(recs, r)
	}
	cells := fragment.Aggregate(recs, w, 2)
	obs := quantify.Observations([]*interval.Tree{interval.NewTree(cells[0])}, 1000, 200, nil)
	tassert.InDelta(t, 1.0/3+0.6/3, obs[0][0], 1e-12)
	obs = quantify.Observations([]*interval.Tree{interval.NewTree(cells[1])}, 1000, 200, nil)
	tassert.InDelta(t, 0.4, obs[0][0], 1e-12)
	for _, row := range obs[1:] {
		expect.EQ(t, row[0], 0.0)
	}
}

func testExperiment(t *testing.T, length int) *fragment.Experiment {
	assays := [][]fragment.CellRecords{
		{
			{{Start: 0, End: 150, Weight: 1}, {Start: 900, End: 1000, Weight: 0.5}},
			nil,
			{{Start: 400, End: 450, Weight: 1}},
			{{Start: 10, End: 20, Weight: 1}},
		},
		{
			{{Start: 350, End: 500, Weight: 1}},
			nil,
			nil,
			{{Start: 10, End: 20, Weight: 1}, {Start: 1500, End: 1900, Weight: 1}},
		},
	}
	e, err := fragment.NewExperiment("chr7", length, assays, 4)
	assert.NoError(t, err)
	return e
}

func TestRunChromosome(t *testing.T) {
	ctx := context.Background()
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	m := mustModel(t)
	exp := testExperiment(t, 2000)
	cells := []string{"a", "b", "c", "d"}
	counters := map[string]*util.Counter{}
	opts := quantify.DefaultOpts
	opts.Parallelism = 3
	opts.States = nil
	opts.Progress = func(chrom string, total int) util.Progress {
		expect.EQ(t, total, 4)
		counters[chrom] = &util.Counter{}
		return counters[chrom]
	}
	assert.NoError(t, quantify.RunChromosome(ctx, exp, m, cells, tmpdir, opts))
	expect.EQ(t, counters["chr7"].Count(), int64(4))
	expect.True(t, counters["chr7"].Finished())

	numBins := quantify.NumBins(2000, opts.Window)
	e, err := hmm.NewEngine(m, hmm.Filter{MinProb: opts.MinProb})
	assert.NoError(t, err)
	for i, name := range cells {
		got, err := ioutil.ReadFile(filepath.Join(tmpdir, "chr7", name+".bin"))
		assert.NoError(t, err)
		var ts []hmm.Triplet
		if !exp.Empty(i) {
			var trees []*interval.Tree
			for _, recs := range exp.Cell(i) {
				trees = append(trees, interval.NewTree(recs))
			}
			ts, err = e.Run(quantify.Observations(trees, 2000, opts.Window, nil), nil)
			assert.NoError(t, err)
			expect.True(t, len(ts) > 0)
		}
		expect.EQ(t, got, posterior.Marshal(numBins, m.NumStates, ts), "cell %s", name)
	}

	c, err := posterior.Unmarshal(mustRead(t, filepath.Join(tmpdir, "chr7", "b.bin")))
	assert.NoError(t, err)
	expect.EQ(t, c.Len(), 0)
	expect.EQ(t, c.NumBins, uint32(numBins))
	expect.EQ(t, c.NumStates, uint32(2))
}

func mustRead(t *testing.T, path string) []byte {
	b, err := ioutil.ReadFile(path)
	assert.NoError(t, err)
	return b
}

func TestRunChromosomeErrors(t *testing.T) {
	ctx := context.Background()
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	m := mustModel(t)
	exp := testExperiment(t, 2000)
	opts := quantify.DefaultOpts

	err := quantify.RunChromosome(ctx, exp, m, []string{"a"}, tmpdir, opts)
	expect.True(t, errors.Is(errors.Precondition, err))

	one, err := fragment.NewExperiment("chr7", 2000, exp.Assays[:1], 4)
	assert.NoError(t, err)
	err = quantify.RunChromosome(ctx, one, m, []string{"a", "b", "c", "d"}, tmpdir, opts)
	expect.True(t, errors.Is(errors.Precondition, err))

	opts.States = []int{5}
	err = quantify.RunChromosome(ctx, exp, m, []string{"a", "b", "c", "d"}, tmpdir, opts)
	expect.True(t, errors.Is(errors.Invalid, err))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	opts = quantify.DefaultOpts
	err = quantify.RunChromosome(cctx, exp, m, []string{"a", "b", "c", "d"}, tmpdir, opts)
	expect.True(t, err != nil)
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	write := func(name, text string) string {
		path := filepath.Join(tmpdir, name)
		assert.NoError(t, ioutil.WriteFile(path, []byte(text), 0644))
		return path
	}
	opts := quantify.DefaultOpts
	opts.ModelPath = write("model.txt", twoAssayModel)
	opts.CellsPath = write("cells.txt", "x\ny\nz\n")
	opts.FragmentPaths = []string{
		write("rna.tsv", "chr1\t101\t300\tAAAC-1\nchr1\t801\t900\tAAAG-1\nchr2\t1\t50\tAAAC-1\n"),
		write("atac.tsv", "chr1\t351\t400\tCCCA-1\nchr2\t11\t20\tCCCA-1\n"),
	}
	opts.AnchorPaths = []string{
		write("rna.anchors", "x\tAAAC-1\t0.9\ny\tAAAG-1\t1\n"),
		write("atac.anchors", "x\tCCCA-1\t1\n"),
	}
	opts.OutDir = filepath.Join(tmpdir, "out")
	opts.Genome = genome.Genome{Names: []string{"chr1", "chr2"}, Lens: map[string]int{"chr1": 1000, "chr2": 100}}
	opts.Parallelism = 2
	assert.NoError(t, quantify.Run(ctx, opts))

	for _, chrom := range []string{"chr1", "chr2"} {
		for _, cell := range []string{"x", "y", "z"} {
			c, err := posterior.Unmarshal(mustRead(t, filepath.Join(opts.OutDir, chrom, cell+".bin")))
			assert.NoError(t, err)
			expect.EQ(t, c.NumBins, uint32(quantify.NumBins(opts.Genome.Lens[chrom], 200)))
			if cell == "z" || (chrom == "chr2" && cell == "y") {
				expect.EQ(t, c.Len(), 0, "%s/%s", chrom, cell)
			} else {
				expect.True(t, c.Len() > 0, "%s/%s", chrom, cell)
			}
		}
	}

	opts.Genome = genome.Genome{Names: []string{"chr3"}, Lens: map[string]int{"chr3": 100}}
	expect.True(t, errors.Is(errors.NotExist, quantify.Run(ctx, opts)))

	opts.AnchorPaths = opts.AnchorPaths[:1]
	expect.True(t, errors.Is(errors.Invalid, quantify.Run(ctx, opts)))
}
