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
package sc

import (
	"fmt"
	"math"
)

// This file contains the base-quality -> genotype-hypothesis probability
// math.

// All functions here assume input qual scores are never larger than
// (nQual - 1).
const nQual = 96

// nHyp is the number of alternate-allele-dosage hypotheses tracked per
// base symbol.
const nHyp = 4

// qualToLogProbs converts a base quality, after clamping to [floor, cap],
// into four log-probabilities: confidence that the observed base supports
// a homozygous-reference-like hypothesis, a heterozygous-light hypothesis,
// a heterozygous hypothesis, and a homozygous-alternate-like (error)
// hypothesis.
//
// Callers must ensure floor <= cap.  The expression is undefined for
// qualities whose error probability exceeds 0.75 (the log arguments go
// nonpositive); this is inherited from the statistical model and is not
// clamped away here.  floor >= 2 keeps the computation in-domain.
func qualToLogProbs(qual, capQual, floor float64) (v [nHyp]float64) {
	bq := math.Min(capQual, qual)
	if bq < floor {
		bq = floor
	}
	p := math.Pow(10, -bq/10)
	v[0] = math.Log(1 - p)
	v[1] = math.Log(0.75 - p*2/3)
	v[2] = math.Log(0.5 - p/3)
	v[3] = math.Log(p)
	return
}

// qualTable precomputes qualToLogProbs for every representable integer
// quality, so the per-read hot path is a table lookup.
type qualTable [nQual][nHyp]float64

func newQualTable(capBaseQual, minBaseQual byte) (t *qualTable, err error) {
	if capBaseQual >= nQual {
		err = fmt.Errorf("newQualTable: capBaseQual too large")
		return
	}
	if minBaseQual > capBaseQual {
		err = fmt.Errorf("newQualTable: minBaseQual larger than capBaseQual")
		return
	}
	t = &qualTable{}
	for q := range t {
		t[q] = qualToLogProbs(float64(q), float64(capBaseQual), float64(minBaseQual))
	}
	return
}

func (t *qualTable) lookup(qual byte) *[nHyp]float64 {
	if qual >= nQual {
		qual = nQual - 1
	}
	return &t[qual]
}
