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
	"math"
	"testing"

	"github.com/grailbio/cellpile/pileup"
)

func TestInferRefAlt(t *testing.T) {
	tests := []struct {
		bc     [5]int
		refIdx byte
		altIdx byte
	}{
		{[5]int{10, 3, 2, 1, 0}, pileup.BaseA, pileup.BaseC},
		{[5]int{1, 2, 30, 4, 0}, pileup.BaseG, pileup.BaseT},
		// N participates in the scan, like any other symbol.
		{[5]int{0, 0, 0, 0, 7}, pileup.BaseX, pileup.BaseA},
		// Ties resolve toward the lower base enum.
		{[5]int{10, 10, 5, 0, 0}, pileup.BaseA, pileup.BaseC},
		{[5]int{5, 10, 10, 0, 0}, pileup.BaseC, pileup.BaseG},
		{[5]int{7, 7, 7, 7, 0}, pileup.BaseA, pileup.BaseC},
	}
	for _, tt := range tests {
		refIdx, altIdx := inferRefAlt(&tt.bc)
		if (refIdx != int8(tt.refIdx)) || (altIdx != int8(tt.altIdx)) {
			t.Fatalf("inferRefAlt(%v): got (%d, %d), want (%d, %d)", tt.bc, refIdx, altIdx, tt.refIdx, tt.altIdx)
		}
	}
}

func TestQualMatrixToGeno(t *testing.T) {
	qt, err := newQualTable(45, 20)
	if err != nil {
		t.Fatalf("newQualTable failed: %v", err)
	}
	// Two ref observations at qual 30, one alt at qual 40.
	var qmat [5][nHyp]float64
	var bc [5]int
	q30 := qt.lookup(30)
	q40 := qt.lookup(40)
	for i := 0; i < nHyp; i++ {
		qmat[pileup.BaseA][i] = 2 * q30[i]
		qmat[pileup.BaseG][i] = q40[i]
	}
	bc[pileup.BaseA] = 2
	bc[pileup.BaseG] = 1

	var gl [nGeno]float64
	n, err := qualMatrixToGeno(&qmat, &bc, int8(pileup.BaseA), int8(pileup.BaseG), false, &gl)
	if err != nil {
		t.Fatalf("qualMatrixToGeno failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 singlet likelihoods, got %d", n)
	}
	wantHomRef := qmat[pileup.BaseA][0] + qmat[pileup.BaseG][3] + logThird*float64(bc[pileup.BaseG])
	wantHet := qmat[pileup.BaseA][2] + qmat[pileup.BaseG][2]
	wantHomAlt := qmat[pileup.BaseA][3] + qmat[pileup.BaseG][0] + logThird*float64(bc[pileup.BaseA])
	for i, want := range []float64{wantHomRef, wantHet, wantHomAlt} {
		if math.Abs(gl[i]-want) > 1e-12 {
			t.Fatalf("gl[%d]: got %g, want %g", i, gl[i], want)
		}
	}
	// The dominant-ref evidence should favor hom-ref over hom-alt.
	if gl[0] <= gl[2] {
		t.Fatalf("hom-ref likelihood %g not above hom-alt %g", gl[0], gl[2])
	}

	n, err = qualMatrixToGeno(&qmat, &bc, int8(pileup.BaseA), int8(pileup.BaseG), true, &gl)
	if err != nil {
		t.Fatalf("qualMatrixToGeno (doublet) failed: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 likelihoods with doublet hypotheses, got %d", n)
	}
	wantDoubletRef := qmat[pileup.BaseA][1] + logQuarter*float64(bc[pileup.BaseG])
	if math.Abs(gl[3]-wantDoubletRef) > 1e-12 {
		t.Fatalf("gl[3]: got %g, want %g", gl[3], wantDoubletRef)
	}
}

func TestQualMatrixToGenoDegenerate(t *testing.T) {
	qt, _ := newQualTable(45, 20)
	var qmat [5][nHyp]float64
	var bc [5]int
	q30 := qt.lookup(30)
	copy(qmat[pileup.BaseC][:], q30[:])
	bc[pileup.BaseC] = 1

	var gl [nGeno]float64
	n, err := qualMatrixToGeno(&qmat, &bc, int8(pileup.BaseC), int8(pileup.BaseC), false, &gl)
	if err == nil {
		t.Fatalf("qualMatrixToGeno accepted identical ref and alt alleles")
	}
	if n != 0 {
		t.Fatalf("expected 0 likelihoods on degenerate alleles, got %d", n)
	}
}
