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


// Package quantify runs chromatin state inference over every common cell
// of every chromosome and writes one posterior file per cell.
package quantify

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/schmm/encoding/posterior"
	"github.com/grailbio/schmm/fragment"
	"github.com/grailbio/schmm/genome"
	"github.com/grailbio/schmm/hmm"
	"github.com/grailbio/schmm/interval"
	"github.com/grailbio/schmm/util"
	"golang.org/x/sync/errgroup"
)

// Opts configures a run.
type Opts struct {
	// ModelPath is the ChromHMM model.txt.
	ModelPath string
	// CellsPath lists the common cells, one per line.
	CellsPath string
	// FragmentPaths and AnchorPaths hold one entry per assay, in the
	// assay order of the model.
	FragmentPaths []string
	AnchorPaths   []string
	// OutDir receives <chrom>/<cell>.bin.
	OutDir string

	// Window is the bin width in bases.
	Window int
	// MinProb and States select the posteriors that are written.
	MinProb float64
	States  []int
	// Thresholds binarize observations, one per assay.  nil means 0.
	Thresholds []float64
	// Parallelism is the number of inference workers.
	Parallelism int
	// OneBasedInput shifts fragment starts down by one.
	OneBasedInput bool
	// Genome lists the chromosomes to process, in order.
	Genome genome.Genome
	// Progress, if set, is called once per chromosome to track cells.
	Progress func(chrom string, total int) util.Progress
}

// DefaultOpts holds the default options.
var DefaultOpts = Opts{
	Window:        200,
	MinProb:       0.01,
	States:        hmm.DefaultStates,
	Parallelism:   runtime.NumCPU(),
	OneBasedInput: true,
	Genome:        genome.GRCh38(),
}

// CellError records the failure of one cell.
type CellError struct {
	Cell int
	Name string
	Err  error
}

func (e *CellError) Error() string {
	return fmt.Sprintf("cell %d (%s): %v", e.Cell, e.Name, e.Err)
}

// Unwrap returns the underlying error.
func (e *CellError) Unwrap() error { return e.Err }

// result travels from a worker to the writer.  A result with done set is
// the last one a worker sends.
type result struct {
	cell int
	data []byte
	err  error
	done bool
}

// inferFunc computes the retained posteriors of one cell, appending them
// to dst.
type inferFunc func(cell int, obs [][]float64, dst []hmm.Triplet) ([]hmm.Triplet, error)

// engineInfer runs e for every cell.
func engineInfer(e *hmm.Engine) inferFunc {
	return func(_ int, obs [][]float64, dst []hmm.Triplet) ([]hmm.Triplet, error) {
		return e.Run(obs, dst)
	}
}

type worker struct {
	exp     *fragment.Experiment
	engine  *hmm.Engine
	infer   inferFunc
	window  int
	numBins int
	obs     [][]float64
	trees   []*interval.Tree
	ts      []hmm.Triplet
}

// process computes the encoded posterior file of one cell.  Cells without
// fragments get an empty file without running inference.
func (w *worker) process(cell int) ([]byte, error) {
	ns := w.engine.Model().NumStates
	if w.exp.Empty(cell) {
		return posterior.Marshal(w.numBins, ns, nil), nil
	}
	for a := range w.exp.Assays {
		w.trees[a] = interval.NewTree(w.exp.Assays[a][cell])
	}
	w.obs = Observations(w.trees, w.exp.Len, w.window, w.obs)
	var err error
	if w.ts, err = w.infer(cell, w.obs, w.ts[:0]); err != nil {
		return nil, err
	}
	return posterior.Marshal(w.numBins, ns, w.ts), nil
}

// RunChromosome infers the posteriors of every cell of exp and writes them
// to outDir/<chrom>/<cell name>.bin.  cells names the common cells in
// index order.
//
// Cell indices are queued up front and drained by opts.Parallelism
// workers, each with its own engine.  Encoded files flow through a channel
// bounded by the worker count to a single writer.  A cell whose inference
// fails is reported in the returned error once every other cell is
// written; a failed write stops the chromosome.
func RunChromosome(ctx context.Context, exp *fragment.Experiment, m *hmm.Model, cells []string, outDir string, opts Opts) error {
	return runChromosome(ctx, exp, m, cells, outDir, opts, engineInfer)
}

func runChromosome(ctx context.Context, exp *fragment.Experiment, m *hmm.Model, cells []string, outDir string, opts Opts,
	newInfer func(*hmm.Engine) inferFunc) error {
	if len(cells) != exp.NumCells() {
		return errors.E(errors.Precondition, fmt.Sprintf("quantify: %d cell names for %d cells", len(cells), exp.NumCells()))
	}
	if len(exp.Assays) != m.NumAssays {
		return errors.E(errors.Precondition, fmt.Sprintf("quantify: %d assays, model has %d", len(exp.Assays), m.NumAssays))
	}
	if opts.Window <= 0 {
		return errors.E(errors.Invalid, "quantify: window must be positive")
	}
	nw := opts.Parallelism
	if nw <= 0 {
		nw = runtime.NumCPU()
	}
	workers := make([]*worker, nw)
	for i := range workers {
		e, err := hmm.NewEngine(m, hmm.Filter{MinProb: opts.MinProb, States: opts.States})
		if err != nil {
			return err
		}
		workers[i] = &worker{
			exp:     exp,
			engine:  e,
			infer:   newInfer(e),
			window:  opts.Window,
			numBins: NumBins(exp.Len, opts.Window),
			trees:   make([]*interval.Tree, len(exp.Assays)),
		}
	}
	dir := file.Join(outDir, exp.Chrom)
	if err := util.MkdirAll(dir); err != nil {
		return errors.E(err, "quantify: create", dir)
	}
	var progress util.Progress = &util.Counter{}
	if opts.Progress != nil {
		progress = opts.Progress(exp.Chrom, len(cells))
	}
	defer progress.Finish()

	jobs := make(chan int, len(cells))
	for i := range cells {
		jobs <- i
	}
	close(jobs)
	results := make(chan result, nw)

	g, gctx := errgroup.WithContext(ctx)
	var wg sync.WaitGroup
	for _, w := range workers {
		w := w
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			for cell := range jobs {
				if err := gctx.Err(); err != nil {
					return err
				}
				data, err := w.process(cell)
				select {
				case results <- result{cell: cell, data: data, err: err}:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			select {
			case results <- result{done: true}:
			case <-gctx.Done():
				return gctx.Err()
			}
			return nil
		})
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var failed []*CellError
	g.Go(func() error {
		done := 0
		for r := range results {
			if r.done {
				done++
				continue
			}
			if r.err != nil {
				log.Printf("quantify: %s: cell %s: %v", exp.Chrom, cells[r.cell], r.err)
				failed = append(failed, &CellError{Cell: r.cell, Name: cells[r.cell], Err: r.err})
				progress.Increment()
				continue
			}
			if err := writeFile(gctx, file.Join(dir, cells[r.cell]+".bin"), r.data); err != nil {
				return err
			}
			progress.Increment()
		}
		if done != nw && gctx.Err() == nil {
			return errors.E(fmt.Sprintf("quantify: %d of %d workers finished", done, nw))
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if len(failed) > 0 {
		return fmt.Errorf("quantify: %s: %d of %d cells failed: %w", exp.Chrom, len(failed), len(cells), failed[0])
	}
	return nil
}

func writeFile(ctx context.Context, path string, data []byte) error {
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "quantify: create", path)
	}
	if _, err := f.Writer(ctx).Write(data); err != nil {
		_ = f.Close(ctx)
		return errors.E(err, "quantify: write", path)
	}
	if err := f.Close(ctx); err != nil {
		return errors.E(err, "quantify: close", path)
	}
	return nil
}
