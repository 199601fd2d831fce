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


package quantify

import (
	"github.com/grailbio/schmm/interval"
)

// NumBins returns the number of window-sized bins covering chromLen bases.
// The last bin may be short.
func NumBins(chromLen, window int) int {
	return (chromLen + window - 1) / window
}

// Observations computes the observation matrix of one cell.  Row i holds,
// for every assay, the summed weight of the intervals of trees[a]
// overlapping bin i, [i*window, min((i+1)*window, chromLen)).  The rows of
// dst are reused when large enough.
func Observations(trees []*interval.Tree, chromLen, window int, dst [][]float64) [][]float64 {
	n := NumBins(chromLen, window)
	if cap(dst) < n {
		dst = append(dst[:cap(dst)], make([][]float64, n-cap(dst))...)
	}
	dst = dst[:n]
	for i := range dst {
		row := dst[i]
		if cap(row) < len(trees) {
			row = make([]float64, len(trees))
		}
		row = row[:len(trees)]
		start := i * window
		end := start + window
		if end > chromLen {
			end = chromLen
		}
		for a, t := range trees {
			row[a] = t.Sum(interval.PosType(start), interval.PosType(end))
		}
		dst[i] = row
	}
	return dst
}
