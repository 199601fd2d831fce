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


package main

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/schmm/encoding/posterior"
	"github.com/grailbio/schmm/fragment"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"v.io/x/lib/cmdline"
)

func cmdlineEnv() *cmdline.Env {
	return &cmdline.Env{Stdout: ioutil.Discard, Stderr: ioutil.Discard, Vars: map[string]string{}}
}

func runCmd(root *cmdline.Command, env *cmdline.Env, args ...string) error {
	return cmdline.ParseAndRun(root, env, args)
}

func TestParseFlags(t *testing.T) {
	expect.EQ(t, parseList(" a, b,,c "), []string{"a", "b", "c"})
	expect.True(t, parseList("") == nil)

	states, err := parseStates(defaultStates())
	assert.NoError(t, err)
	expect.EQ(t, states, []int{0, 1, 2, 3, 8, 9, 11})
	states, err = parseStates("ALL")
	assert.NoError(t, err)
	expect.True(t, states == nil)
	for _, bad := range []string{"", "1,x", "-1"} {
		_, err = parseStates(bad)
		expect.True(t, errors.Is(errors.Invalid, err), bad)
	}

	vals, err := parseFloats("0.5, 1")
	assert.NoError(t, err)
	expect.EQ(t, vals, []float64{0.5, 1})
	vals, err = parseFloats("")
	assert.NoError(t, err)
	expect.True(t, vals == nil)
	_, err = parseFloats("1,y")
	expect.True(t, errors.Is(errors.Invalid, err))
}

func TestLoadGenome(t *testing.T) {
	ctx := context.Background()
	g, err := loadGenome(ctx, "GRCh38", "chr2,chr1")
	assert.NoError(t, err)
	expect.EQ(t, g.Names, []string{"chr2", "chr1"})
	g, err = loadGenome(ctx, "small", "")
	assert.NoError(t, err)
	expect.EQ(t, g.Names, []string{"chr1"})
	_, err = loadGenome(ctx, "hg38", "chrZ")
	expect.True(t, errors.Is(errors.NotExist, err))

	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(tmpdir, "chrom.sizes")
	assert.NoError(t, ioutil.WriteFile(path, []byte("c1\t10\nc2\t20\n"), 0644))
	g, err = loadGenome(ctx, path, "")
	assert.NoError(t, err)
	expect.EQ(t, g.Lens, map[string]int{"c1": 10, "c2": 20})
}

func TestIndexCommand(t *testing.T) {
	ctx := context.Background()
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	in := filepath.Join(tmpdir, "frags.tsv")
	assert.NoError(t, ioutil.WriteFile(in, []byte("chr1\t10\t20\tAC-1\nchr1\t30\t40\tAG-1\n"), 0644))
	out := filepath.Join(tmpdir, "frags.tsv.gz")
	assert.NoError(t, index(ctx, in, out))
	_, err := os.Stat(out + ".tbi")
	assert.NoError(t, err)

	src, err := fragment.Open(ctx, out)
	assert.NoError(t, err)
	ref, err := src.RefID("chr1")
	assert.NoError(t, err)
	var lines []string
	assert.NoError(t, src.Fetch(ctx, ref, 25, 100, func(line []byte) error {
		lines = append(lines, string(line))
		return nil
	}))
	expect.EQ(t, lines, []string{"chr1\t30\t40\tAG-1"})
	assert.NoError(t, src.Close())
}

// TestEndToEnd runs inference and reorganization on a tiny genome.
func TestEndToEnd(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	write := func(name, text string) string {
		path := filepath.Join(tmpdir, name)
		assert.NoError(t, ioutil.WriteFile(path, []byte(text), 0644))
		return path
	}
	model := `2	1
probinit	1	0.5
probinit	2	0.5
transitionprobs	1	1	0.9
transitionprobs	1	2	0.1
transitionprobs	2	1	0.1
transitionprobs	2	2	0.9
emissionprobs	1	0	mark	1	0.8
emissionprobs	2	0	mark	1	0.1
`
	cells := write("cells.txt", "c1\nc2\n")
	sizes := write("sizes", "chrA\t1000\n")
	root := newCmdRoot()
	env := cmdlineEnv()
	err := runCmd(root, env, "hmm",
		"-fragments", write("f.tsv", "chrA\t1\t300\tAAAA-1\nchrA\t701\t800\tCCCC-1\n"),
		"-anchors", write("a.tsv", "c1\tAAAA-1\t1\nc2\tCCCC-1\t1\n"),
		"-model", write("model.txt", model),
		"-common-cells", cells,
		"-output", filepath.Join(tmpdir, "cells"),
		"-genome", sizes,
		"-states", "all",
		"-parallelism", "2")
	assert.NoError(t, err)
	err = runCmd(newCmdRoot(), env, "transform",
		"-input", filepath.Join(tmpdir, "cells"),
		"-output", filepath.Join(tmpdir, "states"),
		"-common-cells", cells,
		"-genome", sizes)
	assert.NoError(t, err)

	data, err := ioutil.ReadFile(filepath.Join(tmpdir, "states", "chrA", "1.bin"))
	assert.NoError(t, err)
	s, err := posterior.ReadStateFile(strings.NewReader(string(data)))
	assert.NoError(t, err)
	expect.EQ(t, s.NumBins, uint32(5))
	expect.EQ(t, s.NumCells(), 2)
	listed, err := ioutil.ReadFile(filepath.Join(tmpdir, "states", "chrA", "cells.txt"))
	assert.NoError(t, err)
	expect.EQ(t, string(listed), "c1\nc2\n")
}
