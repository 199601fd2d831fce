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


package main

import (
	"context"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/schmm/genome"
)

// parseList splits a comma separated list, dropping empty elements.
func parseList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// parseStates parses the -states flag.  "all" reports every state.
func parseStates(s string) ([]int, error) {
	if strings.EqualFold(strings.TrimSpace(s), "all") {
		return nil, nil
	}
	var states []int
	for _, f := range parseList(s) {
		v, err := strconv.Atoi(f)
		if err != nil || v < 0 {
			return nil, errors.E(errors.Invalid, "bad state", f)
		}
		states = append(states, v)
	}
	if len(states) == 0 {
		return nil, errors.E(errors.Invalid, "empty state list")
	}
	return states, nil
}

// parseFloats parses a comma separated list of numbers.  An empty string
// yields nil.
func parseFloats(s string) ([]float64, error) {
	var vals []float64
	for _, f := range parseList(s) {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, errors.E(errors.Invalid, err, "bad number", f)
		}
		vals = append(vals, v)
	}
	return vals, nil
}

// loadGenome resolves the -genome and -chroms flags.  name is "GRCh38",
// "small" or the path of a chrom.sizes or .fai file.
func loadGenome(ctx context.Context, name, chroms string) (genome.Genome, error) {
	var (
		g   genome.Genome
		err error
	)
	switch strings.ToLower(name) {
	case "", "grch38", "hg38":
		g = genome.GRCh38()
	case "small":
		g = genome.Small()
	default:
		if g, err = genome.Read(ctx, name); err != nil {
			return genome.Genome{}, err
		}
	}
	return g.Select(parseList(chroms))
}
