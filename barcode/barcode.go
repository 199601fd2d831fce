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

// Package barcode converts assay-local cell barcodes of the form
// "ACGTACGTACGTACGT-1" into compact 64-bit keys.
//
// The nucleotide part is packed two bits per base (A=0, C=1, G=2, T=3) into
// the low bits of the key, and the integer library suffix that disambiguates
// multiplexed libraries occupies the top byte.  Two barcodes map to the same
// key iff they have the same bases, the same length and the same suffix.
package barcode

import (
	"bytes"
	"strconv"

	"github.com/grailbio/base/errors"
)

// Key is the 64-bit identity of an assay-local cell barcode.
type Key uint64

const (
	// MaxLen is the longest nucleotide sequence that can be packed into a
	// Key while leaving the top byte for the library suffix.
	MaxLen = 27

	suffixShift = 56
)

var baseCode = [256]int8{}

func init() {
	for i := range baseCode {
		baseCode[i] = -1
	}
	baseCode['A'], baseCode['a'] = 0, 0
	baseCode['C'], baseCode['c'] = 1, 1
	baseCode['G'], baseCode['g'] = 2, 2
	baseCode['T'], baseCode['t'] = 3, 3
}

// Pack encodes the nucleotide sequence seq together with library suffix id.
func Pack(seq []byte, id uint8) (Key, error) {
	if len(seq) == 0 || len(seq) > MaxLen {
		return 0, errors.E(errors.Invalid, "barcode: bad sequence length", strconv.Itoa(len(seq)), string(seq))
	}
	var k uint64
	for _, b := range seq {
		c := baseCode[b]
		if c < 0 {
			return 0, errors.E(errors.Invalid, "barcode: non-ACGT base in", string(seq))
		}
		k = k<<2 | uint64(c)
	}
	// Mark the length so that e.g. "AAC" and "AC" stay distinct.
	k |= 1 << (2 * uint(len(seq)))
	return Key(k | uint64(id)<<suffixShift), nil
}

// Parse converts "SEQ-N" into a Key.  The suffix is mandatory.
func Parse(cb []byte) (Key, error) {
	dash := bytes.LastIndexByte(cb, '-')
	if dash < 0 {
		return 0, errors.E(errors.Invalid, "barcode: missing library suffix in", string(cb))
	}
	id, err := strconv.ParseUint(string(cb[dash+1:]), 10, 8)
	if err != nil {
		return 0, errors.E(errors.Invalid, err, "barcode: bad library suffix in", string(cb))
	}
	return Pack(cb[:dash], uint8(id))
}

// ParseString is Parse for strings.
func ParseString(cb string) (Key, error) {
	return Parse([]byte(cb))
}

// Suffix returns the library suffix stored in k.
func (k Key) Suffix() uint8 {
	return uint8(k >> suffixShift)
}
