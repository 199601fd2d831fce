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
	"context"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/schmm/encoding/bgzf"
	"github.com/grailbio/schmm/encoding/tabix"
	"github.com/klauspost/compress/flate"
)

// WriteIndexed re-encodes the sorted fragment text read from in as bgzf on
// out, and writes its tabix index to idx.  The input must be grouped by
// chromosome and sorted by start within a chromosome.  Lines starting with
// '#' are copied but not indexed.
func WriteIndexed(ctx context.Context, in io.Reader, out, idx io.Writer) error {
	w, err := bgzf.NewWriter(out, flate.DefaultCompression)
	if err != nil {
		return err
	}
	iw := tabix.NewIndexWriter(tabix.BEDHeader)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64<<10), maxLineLen)
	var f [3][]byte
	for n := 0; sc.Scan(); n++ {
		if n&0xffff == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		start := w.VOffset()
		if _, err := w.Write(line); err != nil {
			return errors.E(err, "fragment: write bgzf")
		}
		if _, err := w.Write([]byte{'\n'}); err != nil {
			return errors.E(err, "fragment: write bgzf")
		}
		if line[0] == tabix.BEDHeader.Meta {
			continue
		}
		if fields(line, f[:]) < 3 {
			return errors.E(errors.Invalid, "fragment: expected 4 columns in", string(line))
		}
		beg, ok := parsePos(f[1])
		end, ok2 := parsePos(f[2])
		if !ok || !ok2 {
			return errors.E(errors.Invalid, "fragment: bad coordinates in", string(line))
		}
		if err := iw.Add(string(f[0]), int(beg), int(end), start, w.VOffset()); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return errors.E(err, "fragment: read")
	}
	if err := w.Close(); err != nil {
		return errors.E(err, "fragment: close bgzf")
	}
	return iw.Encode(idx)
}
