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

// Package hmm computes per-bin chromatin-state posteriors with a fixed,
// externally trained hidden Markov model.
//
// Observations are real-valued per-assay signals.  Each is thresholded into
// a presence bit, and the emission probability of the resulting bit pattern
// is looked up in a table precomputed from per-assay presence probabilities.
// The forward and backward vectors are rescaled to sum to one at every bin,
// so sequences of any length stay clear of underflow.
package hmm
