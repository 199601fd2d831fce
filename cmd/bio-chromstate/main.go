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


/*
bio-chromstate infers per-cell chromatin states from multi-assay single-cell
fragment files.

  bio-chromstate hmm -fragments rna.tsv.gz,atac.tsv.gz -anchors rna.tsv,atac.tsv \
      -model model.txt -common-cells cells.txt -output out/
  bio-chromstate transform -input out/ -output states/ -common-cells cells.txt
  bio-chromstate index -input fragments.tsv -output fragments.tsv.gz
*/
package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/schmm/anchor"
	"github.com/grailbio/schmm/fragment"
	"github.com/grailbio/schmm/hmm"
	"github.com/grailbio/schmm/quantify"
	"github.com/grailbio/schmm/transform"
	"github.com/grailbio/schmm/util"
	"v.io/x/lib/cmdline"
)

func defaultStates() string {
	s := ""
	for i, v := range hmm.DefaultStates {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprint(v)
	}
	return s
}

func progressBar(chrom string, total int) util.Progress {
	log.Printf("%s: %d cells", chrom, total)
	return util.NewProgressBar(os.Stderr, int64(total))
}

func newCmdHMM() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "hmm",
		Short: "Infer chromatin state posteriors for every common cell",
	}
	var (
		fragments   = cmd.Flags.String("fragments", "", "Comma-separated fragment files, one per assay, in model assay order")
		anchors     = cmd.Flags.String("anchors", "", "Comma-separated anchor files, in the same order as -fragments")
		model       = cmd.Flags.String("model", "", "ChromHMM model.txt")
		commonCells = cmd.Flags.String("common-cells", "", "File listing the common cells, one per line")
		output      = cmd.Flags.String("output", "", "Output directory; receives <chrom>/<cell>.bin")
		parallelism = cmd.Flags.Int("parallelism", quantify.DefaultOpts.Parallelism, "Number of inference workers")
		window      = cmd.Flags.Int("window", quantify.DefaultOpts.Window, "Bin width in bases")
		minProb     = cmd.Flags.Float64("min-prob", quantify.DefaultOpts.MinProb, "Only posteriors above this value are written")
		states      = cmd.Flags.String("states", defaultStates(), "Comma-separated 0-based states to report, or \"all\"")
		thresholds  = cmd.Flags.String("thresholds", "", "Comma-separated per-assay binarization thresholds; default 0")
		genomeFlag  = cmd.Flags.String("genome", "GRCh38", "GRCh38, small, or a chrom.sizes/.fai path")
		chroms      = cmd.Flags.String("chroms", "", "Comma-separated chromosomes to process; default all")
		zeroBased   = cmd.Flags.Bool("zero-based", false, "Fragment starts are already 0-based")
		progress    = cmd.Flags.Bool("progress", false, "Show a progress bar per chromosome")
	)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return env.UsageErrorf("hmm takes no positional arguments, but got %v", argv)
		}
		ctx := vcontext.Background()
		opts := quantify.DefaultOpts
		opts.FragmentPaths = parseList(*fragments)
		opts.AnchorPaths = parseList(*anchors)
		opts.ModelPath = *model
		opts.CellsPath = *commonCells
		opts.OutDir = *output
		opts.Parallelism = *parallelism
		opts.Window = *window
		opts.MinProb = *minProb
		opts.OneBasedInput = !*zeroBased
		if opts.ModelPath == "" || opts.CellsPath == "" || opts.OutDir == "" {
			return env.UsageErrorf("-model, -common-cells and -output are required")
		}
		var err error
		if opts.States, err = parseStates(*states); err != nil {
			return err
		}
		if opts.Thresholds, err = parseFloats(*thresholds); err != nil {
			return err
		}
		if opts.Genome, err = loadGenome(ctx, *genomeFlag, *chroms); err != nil {
			return err
		}
		if *progress {
			opts.Progress = progressBar
		}
		return quantify.Run(ctx, opts)
	})
	return cmd
}

func newCmdTransform() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "transform",
		Short: "Regroup per-cell posterior files into per-state files",
	}
	var (
		input       = cmd.Flags.String("input", "", "Directory written by the hmm command")
		output      = cmd.Flags.String("output", "", "Output directory; receives <chrom>/<state>.bin and <chrom>/cells.txt")
		commonCells = cmd.Flags.String("common-cells", "", "File listing the common cells, one per line")
		genomeFlag  = cmd.Flags.String("genome", "GRCh38", "GRCh38, small, or a chrom.sizes/.fai path")
		chroms      = cmd.Flags.String("chroms", "", "Comma-separated chromosomes to process; default all")
		parallelism = cmd.Flags.Int("parallelism", transform.DefaultOpts.Parallelism, "Number of cell files decoded at once")
		progress    = cmd.Flags.Bool("progress", false, "Show a progress bar per chromosome")
	)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return env.UsageErrorf("transform takes no positional arguments, but got %v", argv)
		}
		if *input == "" || *output == "" || *commonCells == "" {
			return env.UsageErrorf("-input, -output and -common-cells are required")
		}
		ctx := vcontext.Background()
		cells, err := anchor.ReadCells(ctx, *commonCells)
		if err != nil {
			return err
		}
		log.Printf("Found %d cells in common assay, first cell=%s", len(cells), cells[0])
		opts := transform.DefaultOpts
		opts.Parallelism = *parallelism
		if opts.Genome, err = loadGenome(ctx, *genomeFlag, *chroms); err != nil {
			return err
		}
		if *progress {
			opts.Progress = progressBar
		}
		return transform.Reorganize(ctx, *input, *output, cells, opts)
	})
	return cmd
}

func newCmdIndex() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "index",
		Short: "Compress a sorted fragment file with bgzf and write its tabix index",
	}
	var (
		input  = cmd.Flags.String("input", "", "Sorted fragment file, plain or gzipped")
		output = cmd.Flags.String("output", "", "Output .tsv.gz path; the index is written to <output>.tbi")
	)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 || *input == "" || *output == "" {
			return env.UsageErrorf("index needs -input and -output")
		}
		return index(vcontext.Background(), *input, *output)
	})
	return cmd
}

func index(ctx context.Context, input, output string) (err error) {
	in, err := util.OpenReader(ctx, input)
	if err != nil {
		return err
	}
	defer func() {
		if e := in.Close(); e != nil && err == nil {
			err = e
		}
	}()
	out, err := file.Create(ctx, output)
	if err != nil {
		return err
	}
	idx, err := file.Create(ctx, output+".tbi")
	if err != nil {
		_ = out.Close(ctx)
		return err
	}
	err = fragment.WriteIndexed(ctx, in, out.Writer(ctx), idx.Writer(ctx))
	if e := out.Close(ctx); e != nil && err == nil {
		err = e
	}
	if e := idx.Close(ctx); e != nil && err == nil {
		err = e
	}
	if err == nil {
		log.Printf("Wrote %s and %s.tbi", output, output)
	}
	return err
}

func newCmdRoot() *cmdline.Command {
	return &cmdline.Command{
		Name:     "bio-chromstate",
		Short:    "Single-cell chromatin state inference",
		LookPath: false,
		Children: []*cmdline.Command{
			newCmdHMM(),
			newCmdTransform(),
			newCmdIndex(),
		},
	}
}

func main() {
	shutdown := grail.Init()
	cmdline.HideGlobalFlagsExcept()
	env := cmdline.EnvFromOS()
	err := cmdline.ParseAndRun(newCmdRoot(), env, os.Args[1:])
	shutdown()
	if err != nil {
		if cmdline.ExitCode(err, ioutil.Discard) == 0 {
			return
		}
		log.Fatalf("bio-chromstate: %v", err)
	}
}
