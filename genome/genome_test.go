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


package genome_test

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/schmm/genome"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestGRCh38(t *testing.T) {
	g := genome.GRCh38()
	expect.EQ(t, len(g.Names), 22)
	expect.EQ(t, g.Names[0], "chr1")
	expect.EQ(t, g.Names[21], "chr22")
	n, ok := g.Len("chr1")
	expect.True(t, ok)
	expect.EQ(t, n, 248956422)
	_, ok = g.Len("chrX")
	expect.True(t, !ok)
}

func TestSelect(t *testing.T) {
	g := genome.GRCh38()
	s, err := g.Select([]string{"chr21", "chr2", "chr21"})
	assert.NoError(t, err)
	expect.EQ(t, s.Names, []string{"chr21", "chr2"})
	expect.EQ(t, s.Lens["chr2"], 242193529)

	s, err = g.Select(nil)
	assert.NoError(t, err)
	expect.EQ(t, len(s.Names), 22)

	_, err = g.Select([]string{"chrM"})
	expect.True(t, errors.Is(errors.NotExist, err))
}

func TestParse(t *testing.T) {
	// A .fai has three more columns.
	g, err := genome.Parse(strings.NewReader("chrA\t1000\t6\t60\t61\n# note\nchrB\t250\n"))
	assert.NoError(t, err)
	expect.EQ(t, g.Names, []string{"chrA", "chrB"})
	expect.EQ(t, g.Lens, map[string]int{"chrA": 1000, "chrB": 250})

	for _, text := range []string{"", "chrA\n", "chrA\tx\n", "chrA\t0\n", "chrA\t5\nchrA\t6\n"} {
		_, err := genome.Parse(strings.NewReader(text))
		expect.True(t, errors.Is(errors.Invalid, err), "%q: %v", text, err)
	}
}

func TestRead(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(tmpdir, "chrom.sizes")
	assert.NoError(t, ioutil.WriteFile(path, []byte("chr1\t5000\n"), 0644))
	g, err := genome.Read(context.Background(), path)
	assert.NoError(t, err)
	expect.EQ(t, g.Names, []string{"chr1"})

	s := genome.Small()
	expect.EQ(t, s.Lens["chr1"], genome.SmallLen)
}
