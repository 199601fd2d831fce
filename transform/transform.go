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


// Package transform regroups per-cell posterior files into one file per
// state, so that a state can be loaded for every cell at once.
package transform

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/schmm/encoding/posterior"
	"github.com/grailbio/schmm/genome"
	"github.com/grailbio/schmm/util"
	"golang.org/x/sync/errgroup"
)

// Opts configures Reorganize.
type Opts struct {
	// Genome lists the chromosomes to reorganize.
	Genome genome.Genome
	// Parallelism bounds the number of cell files decoded at once.  At
	// most twice as many decoded cells are held in memory.
	Parallelism int
	// Progress, if set, is called once per chromosome to track cells.
	Progress func(chrom string, total int) util.Progress
}

// DefaultOpts holds the default options.
var DefaultOpts = Opts{
	Genome:      genome.GRCh38(),
	Parallelism: runtime.NumCPU(),
}

// Accumulator gathers the entries of successive cells by state.
type Accumulator struct {
	numBins, numStates uint32
	states             []*posterior.StateFile
	cells              int
}

// Add appends the entries of c as the next cell.  Within a cell, entries
// are taken in reverse file order, so the bins of each state ascend.  Every
// cell must have the same bin and state counts.
func (a *Accumulator) Add(c *posterior.Cell) error {
	if a.states == nil {
		a.numBins, a.numStates = c.NumBins, c.NumStates
		a.states = make([]*posterior.StateFile, c.NumStates)
		for s := range a.states {
			a.states[s] = &posterior.StateFile{NumBins: c.NumBins, Offsets: []uint32{0}}
		}
	}
	if c.NumBins != a.numBins || c.NumStates != a.numStates {
		return errors.E(errors.Invalid, fmt.Sprintf("transform: cell %d has %d bins and %d states, want %d and %d",
			a.cells, c.NumBins, c.NumStates, a.numBins, a.numStates))
	}
	for i := c.Len() - 1; i >= 0; i-- {
		sf := a.states[c.States[i]]
		sf.Probs = append(sf.Probs, c.Probs[i])
		sf.Bins = append(sf.Bins, c.Bins[i])
	}
	for _, sf := range a.states {
		sf.Offsets = append(sf.Offsets, uint32(len(sf.Probs)))
	}
	a.cells++
	return nil
}

// NumCells returns the number of cells added.
func (a *Accumulator) NumCells() int { return a.cells }

// States returns one StateFile per state, indexed by state.
func (a *Accumulator) States() []*posterior.StateFile { return a.states }

// Reorganize reads inDir/<chrom>/<cell>.bin for every cell and chromosome
// and writes outDir/<chrom>/<state+1>.bin for every state with at least one
// entry, plus outDir/<chrom>/cells.txt listing the cells in file order.
func Reorganize(ctx context.Context, inDir, outDir string, cells []string, opts Opts) error {
	if len(cells) == 0 {
		return errors.E(errors.Invalid, "transform: no cells")
	}
	for _, chrom := range opts.Genome.Names {
		start := time.Now()
		log.Printf("Working on %s", chrom)
		acc, err := readChromosome(ctx, inDir, chrom, cells, opts)
		if err != nil {
			return errors.E(err, "transform:", chrom)
		}
		if err := writeChromosome(ctx, file.Join(outDir, chrom), cells, acc); err != nil {
			return err
		}
		log.Printf("Done with %s in %v", chrom, time.Since(start))
	}
	log.Printf("All done")
	return nil
}

// readChromosome decodes the cell files of one chromosome in parallel and
// adds them to an Accumulator in cell order.  Each decoded cell is handed
// to the accumulating goroutine through its own slot as soon as every
// earlier cell has been added.  A worker takes a token before it picks a
// cell and the accumulator returns it after adding that cell, so at most
// 2*Parallelism decoded cells are held at once.
func readChromosome(ctx context.Context, inDir, chrom string, cells []string, opts Opts) (*Accumulator, error) {
	dir := file.Join(inDir, chrom)
	nw := opts.Parallelism
	if nw <= 0 {
		nw = runtime.NumCPU()
	}
	if nw > len(cells) {
		nw = len(cells)
	}
	var progress util.Progress = &util.Counter{}
	if opts.Progress != nil {
		progress = opts.Progress(chrom, len(cells))
	}
	defer progress.Finish()

	jobs := make(chan int, len(cells))
	ready := make([]chan *posterior.Cell, len(cells))
	for i := range cells {
		jobs <- i
		ready[i] = make(chan *posterior.Cell, 1)
	}
	close(jobs)
	tokens := make(chan struct{}, 2*nw)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < nw; w++ {
		g.Go(func() error {
			for {
				select {
				case tokens <- struct{}{}:
				case <-gctx.Done():
					return gctx.Err()
				}
				i, ok := <-jobs
				if !ok {
					<-tokens
					return nil
				}
				c, err := readCell(gctx, file.Join(dir, cells[i]+".bin"))
				if err != nil {
					return err
				}
				ready[i] <- c
			}
		})
	}
	acc := &Accumulator{}
	g.Go(func() error {
		for i := range ready {
			var c *posterior.Cell
			select {
			case c = <-ready[i]:
			case <-gctx.Done():
				return gctx.Err()
			}
			<-tokens
			if err := acc.Add(c); err != nil {
				return errors.E(err, "transform: cell", cells[i])
			}
			progress.Increment()
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return acc, nil
}

func readCell(ctx context.Context, path string) (c *posterior.Cell, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "transform: open", path)
	}
	defer func() {
		if e := in.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	if c, err = posterior.Decode(in.Reader(ctx)); err != nil {
		return nil, errors.E(errors.Invalid, err, path)
	}
	return c, nil
}

func writeChromosome(ctx context.Context, dir string, cells []string, acc *Accumulator) error {
	if err := util.MkdirAll(dir); err != nil {
		return errors.E(err, "transform: create", dir)
	}
	for s, sf := range acc.States() {
		total := sf.Offsets[len(sf.Offsets)-1]
		if total == 0 {
			continue
		}
		log.Debug.Printf("transform: state %d: %d entries", s+1, total)
		err := create(ctx, file.Join(dir, strconv.Itoa(s+1)+".bin"), func(f file.File) error {
			_, err := sf.WriteTo(f.Writer(ctx))
			return err
		})
		if err != nil {
			return err
		}
	}
	return create(ctx, file.Join(dir, "cells.txt"), func(f file.File) error {
		w := tsv.NewWriter(f.Writer(ctx))
		for _, cell := range cells {
			w.WriteString(cell)
			if err := w.EndLine(); err != nil {
				return err
			}
		}
		return w.Flush()
	})
}

func create(ctx context.Context, path string, fn func(file.File) error) error {
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "transform: create", path)
	}
	if err := fn(f); err != nil {
		_ = f.Close(ctx)
		return errors.E(err, "transform: write", path)
	}
	if err := f.Close(ctx); err != nil {
		return errors.E(err, "transform: close", path)
	}
	return nil
}
