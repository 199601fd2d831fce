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


// Package fragment reads per-assay fragment files and turns them into
// weighted intervals for every common cell.
//
// A fragment line is tab separated:
//
//   chrom  start  end  barcode  [extra columns...]
//
// where barcode is "SEQ-N".  Columns past the fourth are ignored.
package fragment

import (
	"bytes"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/schmm/barcode"
	"github.com/grailbio/schmm/interval"
)

// Record is one parsed fragment line.  Chrom aliases the line it was parsed
// from.
type Record struct {
	Chrom      []byte
	Start, End interval.PosType
	Barcode    barcode.Key
}

// fields splits line on tabs into at most len(dst) fields and returns the
// number found.
func fields(line []byte, dst [][]byte) int {
	n := 0
	for n < len(dst) {
		i := bytes.IndexByte(line, '\t')
		if i < 0 {
			dst[n] = line
			return n + 1
		}
		dst[n] = line[:i]
		line = line[i+1:]
		n++
	}
	return n
}

func parsePos(b []byte) (int64, bool) {
	if len(b) == 0 || len(b) > 10 {
		return 0, false
	}
	var v int64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + int64(c-'0')
	}
	return v, v <= int64(interval.PosTypeMax)
}

// ParseRecord parses one fragment line.  With oneBased, the start column is
// 1-based and is shifted to 0-based.  The returned interval is half-open.
func ParseRecord(line []byte, oneBased bool) (Record, error) {
	line = bytes.TrimRight(line, "\r\n")
	var f [5][]byte
	if n := fields(line, f[:]); n < 4 {
		return Record{}, errors.E(errors.Invalid, "fragment: expected 4 columns in", string(line))
	}
	start, ok := parsePos(f[1])
	if !ok {
		return Record{}, errors.E(errors.Invalid, "fragment: bad start in", string(line))
	}
	end, ok := parsePos(f[2])
	if !ok {
		return Record{}, errors.E(errors.Invalid, "fragment: bad end in", string(line))
	}
	if oneBased {
		if start == 0 {
			return Record{}, errors.E(errors.Invalid, "fragment: zero start in 1-based", string(line))
		}
		start--
	}
	if end < start {
		return Record{}, errors.E(errors.Invalid, "fragment: end before start in", string(line))
	}
	key, err := barcode.Parse(f[3])
	if err != nil {
		return Record{}, errors.E(errors.Invalid, err, "fragment: line", string(line))
	}
	return Record{
		Chrom:   f[0],
		Start:   interval.PosType(start),
		End:     interval.PosType(end),
		Barcode: key,
	}, nil
}
