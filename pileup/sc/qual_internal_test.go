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
)

func TestQualTable(t *testing.T) {
	qt, err := newQualTable(45, 20)
	if err != nil {
		t.Fatalf("newQualTable(45, 20) failed: %v", err)
	}

	// Down each column of hypotheses, increasing base quality must make the
	// observed-base hypothesis (index 0) more likely and the error hypothesis
	// (index 3) less likely, except where the cap/floor clamps kick in.
	for qual := byte(21); qual <= 45; qual++ {
		cur := qt.lookup(qual)
		prev := qt.lookup(qual - 1)
		if cur[0] <= prev[0] {
			t.Fatalf("log P(no error) not increasing at qual=%d: %g <= %g", qual, cur[0], prev[0])
		}
		if cur[3] >= prev[3] {
			t.Fatalf("log P(error) not decreasing at qual=%d: %g >= %g", qual, cur[3], prev[3])
		}
	}
	// Everything below the floor collapses to the floor row, everything above
	// the cap to the cap row.
	floorRow := qt.lookup(20)
	for qual := byte(0); qual < 20; qual++ {
		if *qt.lookup(qual) != *floorRow {
			t.Fatalf("qual=%d not clamped to floor", qual)
		}
	}
	capRow := qt.lookup(45)
	for qual := byte(46); qual < nQual; qual++ {
		if *qt.lookup(qual) != *capRow {
			t.Fatalf("qual=%d not clamped to cap", qual)
		}
	}
	// Out-of-range lookups clamp rather than panic.
	if *qt.lookup(200) != *capRow {
		t.Fatalf("out-of-range qual not clamped to cap")
	}

	// Spot-check the hypothesis vector at qual=30 against the closed forms.
	p := math.Pow(10.0, -3.0)
	v := qt.lookup(30)
	expected := [nHyp]float64{
		math.Log(1.0 - p),
		math.Log(0.75 - (2.0*p)/3.0),
		math.Log(0.5 - p/3.0),
		math.Log(p),
	}
	for i := range expected {
		if math.Abs(v[i]-expected[i]) > 1e-12 {
			t.Fatalf("qual=30 hypothesis %d: got %g, want %g", i, v[i], expected[i])
		}
	}
}

func TestQualTableBadBounds(t *testing.T) {
	if _, err := newQualTable(byte(nQual), 20); err == nil {
		t.Fatalf("newQualTable accepted out-of-range cap")
	}
	if _, err := newQualTable(30, 45); err == nil {
		t.Fatalf("newQualTable accepted floor above cap")
	}
}
