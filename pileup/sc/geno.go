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

	"github.com/grailbio/cellpile/pileup"
)

// Genotype-likelihood math.  The model follows the demuxlet formulation:
// base symbols other than ref/alt are treated as sequencing error
// conditioned on the two remaining non-ref/alt alleles.

// nGeno is the maximum number of genotype hypotheses: RR, RA, AA, plus
// the RRRA/RAAA doublet hypotheses when requested.
const nGeno = 5

var (
	logThird     = -1.0986122886681098 // log(1/3)
	logTwoThirds = -0.4054651081081645 // log(2/3)
	logQuarter   = -1.3862943611198906 // log(1/4)
)

// errDegenerateAlleles is returned by qualMatrixToGeno when the ref and
// alt symbol indices coincide (e.g. multi-character alleles collapsing to
// the same leading character upstream).  The partition of symbols into
// {ref, alt, others} is degenerate in that case, so no likelihoods are
// produced; callers are expected to skip and report, not abort.
type errDegenerateAlleles struct {
	idx int8
}

func (e *errDegenerateAlleles) Error() string {
	return fmt.Sprintf("qualMatrixToGeno: ref and alt base indices coincide (%c)", pileup.EnumToASCIITable[e.idx])
}

// qualMatrixToGeno converts an accumulated quality matrix and base counts
// into genotype log-likelihoods for the given ref/alt partition.  Three
// likelihoods (RR, RA, AA) are produced, five when doublet is set.
func qualMatrixToGeno(qmat *[pileup.NBaseEnum][nHyp]float64, bc *[pileup.NBaseEnum]int, refIdx, altIdx int8, doublet bool, gl *[nGeno]float64) (n int, err error) {
	if refIdx == altIdx {
		err = &errDegenerateAlleles{idx: refIdx}
		return
	}
	refCount := float64(bc[refIdx])
	altCount := float64(bc[altIdx])
	refQual := &qmat[refIdx]
	altQual := &qmat[altIdx]
	othQual := 0.0
	othCount := 0
	for i := int8(0); i < pileup.NBaseEnum; i++ {
		if (i != refIdx) && (i != altIdx) {
			othQual += qmat[i][3]
			othCount += bc[i]
		}
	}
	othQual += logTwoThirds * float64(othCount)
	gl[0] = othQual + refQual[0] + altQual[3] + logThird*altCount
	gl[1] = othQual + refQual[2] + altQual[2]
	gl[2] = othQual + refQual[3] + altQual[0] + logThird*refCount
	n = 3
	if doublet {
		gl[3] = othQual + refQual[1] + logQuarter*altCount
		gl[4] = othQual + altQual[1] + logQuarter*refCount
		n = 5
	}
	return
}

// inferRefAlt selects the two highest base counts as (ref, alt), with a
// single left-to-right scan keeping top-1/top-2 running maxima.  Ties at
// either rank go to the lowest symbol index in the fixed A/C/G/T/N
// ordering, so the result is deterministic.
//
// Only called when the candidate position carried no ref/alt of its own.
func inferRefAlt(bc *[pileup.NBaseEnum]int) (refIdx, altIdx int8) {
	var m1, m2 int
	var k1, k2 int8
	if bc[0] < bc[1] {
		m1, m2, k1, k2 = bc[1], bc[0], 1, 0
	} else {
		m1, m2, k1, k2 = bc[0], bc[1], 0, 1
	}
	for i := int8(2); i < pileup.NBaseEnum; i++ {
		if bc[i] > m1 {
			m2, k2 = m1, k1
			m1, k1 = bc[i], i
		} else if bc[i] > m2 {
			m2, k2 = bc[i], i
		}
	}
	return k1, k2
}
