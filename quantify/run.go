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
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/schmm/anchor"
	"github.com/grailbio/schmm/fragment"
	"github.com/grailbio/schmm/hmm"
	"github.com/grailbio/schmm/util"
)

// Run loads the model, the common cells, the anchors and the fragment files
// named by opts, then runs every chromosome of opts.Genome in order.
func Run(ctx context.Context, opts Opts) (err error) {
	if len(opts.FragmentPaths) == 0 || len(opts.FragmentPaths) != len(opts.AnchorPaths) {
		return errors.E(errors.Invalid, fmt.Sprintf("quantify: %d fragment files and %d anchor files",
			len(opts.FragmentPaths), len(opts.AnchorPaths)))
	}
	m, err := hmm.LoadModel(ctx, opts.ModelPath, opts.Thresholds)
	if err != nil {
		return err
	}
	log.Printf("Read %v from %s", m, opts.ModelPath)
	if m.NumAssays != len(opts.FragmentPaths) {
		return errors.E(errors.Precondition, fmt.Sprintf("quantify: model has %d assays, got %d fragment files",
			m.NumAssays, len(opts.FragmentPaths)))
	}
	cells, err := anchor.ReadCells(ctx, opts.CellsPath)
	if err != nil {
		return err
	}
	log.Printf("Found %d cells in common assay, first cell=%s", len(cells), cells[0])
	cellIndex := anchor.Index(cells)

	na := len(opts.FragmentPaths)
	weights := make([]*anchor.Weights, na)
	srcs := make([]fragment.Source, na)
	defer func() {
		var e errors.Once
		for _, src := range srcs {
			if src != nil {
				e.Set(src.Close())
			}
		}
		if err == nil {
			err = e.Err()
		}
	}()
	err = traverse.Each(na, func(a int) error {
		var err error
		if weights[a], err = anchor.ReadWeights(ctx, opts.AnchorPaths[a], cellIndex); err != nil {
			return err
		}
		srcs[a], err = fragment.Open(ctx, opts.FragmentPaths[a])
		return err
	})
	if err != nil {
		return err
	}
	for a, w := range weights {
		log.Printf("Assay %d: %d barcodes, %d anchors", a, w.NumBarcodes(), w.NumAnchors())
	}

	if err := util.MkdirAll(opts.OutDir); err != nil {
		return errors.E(err, "quantify: create", opts.OutDir)
	}
	for _, chrom := range opts.Genome.Names {
		start := time.Now()
		log.Printf("Working on %s", chrom)
		exp, err := fragment.LoadExperiment(ctx, srcs, weights, chrom, opts.Genome.Lens[chrom], len(cells), opts.OneBasedInput)
		if err != nil {
			return errors.E(err, "quantify:", chrom)
		}
		if err := RunChromosome(ctx, exp, m, cells, opts.OutDir, opts); err != nil {
			return err
		}
		log.Printf("Done with %s in %v", chrom, time.Since(start))
	}
	log.Printf("All done")
	return nil
}
