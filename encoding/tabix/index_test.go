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
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/biogo/hts/bgzf"
	gbgzf "github.com/grailbio/schmm/encoding/bgzf"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

func after(a, b bgzf.Offset) bool {
	return a.File > b.File || (a.File == b.File && a.Block > b.Block)
}

// writeIndexed writes one line per (chrom, beg, end) with a tiny block size
// and returns the data, the encoded index and the per-line offsets.
func writeIndexed(t *testing.T, lines [][3]interface{}) ([]byte, []byte, []uint64) {
	var data bytes.Buffer
	w, err := gbgzf.NewWriterSize(&data, 1, 64)
	require.NoError(t, err)
	iw := NewIndexWriter(BEDHeader)
	var offs []uint64
	for _, l := range lines {
		chrom, beg, end := l[0].(string), l[1].(int), l[2].(int)
		start := w.VOffset()
		offs = append(offs, start)
		_, err := fmt.Fprintf(w, "%s\t%d\t%d\tAAAC-1\n", chrom, beg, end)
		require.NoError(t, err)
		require.NoError(t, iw.Add(chrom, beg, end, start, w.VOffset()))
	}
	require.NoError(t, w.Close())
	var idx bytes.Buffer
	require.NoError(t, iw.Encode(&idx))
	return data.Bytes(), idx.Bytes(), offs
}

func TestRoundTrip(t *testing.T) {
	var lines [][3]interface{}
	for i := 0; i < 200; i++ {
		lines = append(lines, [3]interface{}{"chr1", i * 500, i*500 + 120})
	}
	for i := 0; i < 50; i++ {
		lines = append(lines, [3]interface{}{"chr2", i * 1000, i*1000 + 60})
	}
	data, enc, offs := writeIndexed(t, lines)

	idx, err := ReadIndex(bytes.NewReader(enc))
	assert.NoError(t, err)
	expect.EQ(t, idx.Names(), []string{"chr1", "chr2"})
	expect.EQ(t, idx.Header, BEDHeader)
	ref, ok := idx.RefID("chr2")
	expect.True(t, ok)
	expect.EQ(t, ref, 1)
	_, ok = idx.RefID("chrX")
	expect.True(t, !ok)

	// Query chr1:[40000,41000).  Records 80 and 81 overlap.
	chunks, err := idx.Chunks(0, 40000, 41000)
	assert.NoError(t, err)
	require.True(t, len(chunks) > 0)
	expect.True(t, !after(chunks[0].Begin, Offset(offs[80])), "chunk %v record %x", chunks[0], offs[80])

	bz, err := bgzf.NewReader(bytes.NewReader(data), 1)
	require.NoError(t, err)
	require.NoError(t, bz.Seek(chunks[0].Begin))
	sc := bufio.NewScanner(bz)
	var got []int
	for sc.Scan() {
		f := strings.Split(sc.Text(), "\t")
		if f[0] != "chr1" {
			break
		}
		beg, _ := strconv.Atoi(f[1])
		end, _ := strconv.Atoi(f[2])
		if beg >= 41000 {
			break
		}
		if end > 40000 {
			got = append(got, beg)
		}
	}
	require.NoError(t, sc.Err())
	expect.EQ(t, got, []int{40000, 40500})

	// The whole of chr2 is reachable from the first chunk.
	chunks, err = idx.Chunks(1, 0, 1<<29)
	assert.NoError(t, err)
	require.True(t, len(chunks) > 0)
	expect.True(t, !after(chunks[0].Begin, Offset(offs[200])))
	expect.True(t, after(chunks[0].Begin, Offset(offs[199])))

	chunks, err = idx.Chunks(5, 0, 100)
	assert.NoError(t, err)
	expect.EQ(t, len(chunks), 0)
	chunks, err = idx.Chunks(0, 100, 100)
	assert.NoError(t, err)
	expect.EQ(t, len(chunks), 0)
}

func TestOffset(t *testing.T) {
	expect.EQ(t, Offset(0x12345<<16|0x678), bgzf.Offset{File: 0x12345, Block: 0x678})
}

func TestWriterRejectsUnsorted(t *testing.T) {
	iw := NewIndexWriter(BEDHeader)
	assert.NoError(t, iw.Add("chr1", 100, 200, 0, 10))
	expect.True(t, iw.Add("chr1", 50, 60, 10, 20) != nil)

	iw = NewIndexWriter(BEDHeader)
	assert.NoError(t, iw.Add("chr1", 100, 200, 0, 10))
	assert.NoError(t, iw.Add("chr2", 1, 2, 10, 20))
	expect.True(t, iw.Add("chr1", 300, 400, 20, 30) != nil)
}

func TestReadIndexErrors(t *testing.T) {
	var buf bytes.Buffer
	w, err := gbgzf.NewWriter(&buf, 1)
	require.NoError(t, err)
	_, err = w.Write([]byte("BAI\x01\x00\x00\x00\x00"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	_, err = ReadIndex(&buf)
	expect.True(t, err != nil)
}
