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

/*Package interval holds weighted genomic intervals and answers
  "how much weight overlaps this window" queries over them.
  (Note that overlapping intervals are tracked separately, not merged; each
  one contributes its own weight to every window it touches.)
  It assumes every position fits in a PosType, which is currently defined as
  int32 since that's what BAM and tabix files are limited to.
*/
package interval
