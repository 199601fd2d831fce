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

// Package bgzf includes a Writer for the .bgzf (block gzipped) file
// format.  A .bgzf file is a concatenation of gzip members, each holding at
// most 64KB of uncompressed data, followed by a 28 byte empty member that
// marks the end of file.  Tabix-indexed fragment files are .bgzf files.
//
// Readers live in github.com/grailbio/hts/bgzf; this package only writes.
//
// For more information about the format, see the SAM/BAM spec:
// https://samtools.github.io/hts-specs/SAMv1.pdf
package bgzf

import (
	"bytes"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/klauspost/compress/gzip"
)

const (
	// DefaultUncompressedBlockSize is the block payload size used by
	// htslib and biogo.
	DefaultUncompressedBlockSize = 0x0ff00

	// MaxUncompressedBlockSize is the largest legal payload size.
	MaxUncompressedBlockSize = 0x10000

	// compressedBlockSize bounds the size of one compressed member.
	compressedBlockSize = 0x10000

	// bsizeOffset is the position of BSIZE in a member header.
	bsizeOffset = 16
)

var (
	// bgzfExtra is the gzip Extra field: subfield "BC" of length 2 holding
	// BSIZE, patched after compression.
	bgzfExtra = [...]byte{'B', 'C', 2, 0, 0, 0}

	terminator = []byte{
		0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0x06, 0x00, 0x42, 0x43,
		0x02, 0x00, 0x1b, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
)

// Writer compresses data into .bgzf format.  Data is buffered until a
// full block is available; Close flushes the remainder and writes the
// terminator.
type Writer struct {
	blockSize int
	w         io.Writer
	gz        *gzip.Writer
	pending   bytes.Buffer
	block     bytes.Buffer
	coffset   uint64 // file position of the block being filled
}

// NewWriter returns a .bgzf writer with the given gzip compression level.
func NewWriter(w io.Writer, level int) (*Writer, error) {
	return NewWriterSize(w, level, DefaultUncompressedBlockSize)
}

// NewWriterSize is NewWriter with an explicit uncompressed block size.
func NewWriterSize(w io.Writer, level, blockSize int) (*Writer, error) {
	if blockSize <= 0 || blockSize > MaxUncompressedBlockSize {
		return nil, errors.E(errors.Invalid, "bgzf: bad block size")
	}
	gz, err := gzip.NewWriterLevel(&bytes.Buffer{}, level)
	if err != nil {
		return nil, errors.E(errors.Invalid, err, "bgzf")
	}
	return &Writer{blockSize: blockSize, w: w, gz: gz}, nil
}

// Write appends buf to the .bgzf payload.
func (w *Writer) Write(buf []byte) (int, error) {
	for i := 0; i < len(buf); {
		end := i + w.blockSize - w.pending.Len()
		if end > len(buf) {
			end = len(buf)
		}
		n, _ := w.pending.Write(buf[i:end])
		i += n
		if err := w.flush(false); err != nil {
			return i, err
		}
	}
	return len(buf), nil
}

// Close flushes buffered data and writes the .bgzf terminator.
func (w *Writer) Close() error {
	if err := w.flush(true); err != nil {
		return err
	}
	_, err := w.w.Write(terminator)
	return err
}

// flush compresses full blocks, and the partial tail if all is set.
func (w *Writer) flush(all bool) error {
	for w.pending.Len() >= w.blockSize || (all && w.pending.Len() > 0) {
		w.block.Reset()
		w.gz.Reset(&w.block)
		w.gz.Header.Extra = append(w.gz.Header.Extra[:0], bgzfExtra[:]...)
		w.gz.Header.OS = 0xff
		if _, err := w.gz.Write(w.pending.Next(w.blockSize)); err != nil {
			return err
		}
		if err := w.gz.Close(); err != nil {
			return err
		}
		b := w.block.Bytes()
		bsize := len(b) - 1
		if bsize >= compressedBlockSize {
			return errors.E(errors.Invalid, "bgzf: compressed block too big")
		}
		b[bsizeOffset] = byte(bsize)
		b[bsizeOffset+1] = byte(bsize >> 8)
		if _, err := w.w.Write(b); err != nil {
			return err
		}
		w.coffset += uint64(len(b))
	}
	return nil
}

// VOffset returns the virtual offset of the next byte to be written.
func (w *Writer) VOffset() uint64 {
	return w.coffset<<16 | uint64(w.pending.Len())
}
