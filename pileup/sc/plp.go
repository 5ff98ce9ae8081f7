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
	"github.com/grailbio/cellpile/pileup"
)

// SamplePileup accumulates quality-aware allele statistics for one sample
// group at one candidate position.
//
// Reads carrying a duplicate-molecule (UMI) key are buffered in per-key
// groups and collapsed to a single representative contribution by
// collapse(); untagged reads contribute directly.  BaseCounts/QualMat/GL
// are only meaningful after collapse() and stat() have run.
type SamplePileup struct {
	// BaseCounts holds per-symbol read counts in A/C/G/T/N order.
	BaseCounts [pileup.NBaseEnum]int
	// Total is the total read count; always equal to the sum of BaseCounts.
	Total int
	// AD, DP and Oth are the alt count, ref+alt count, and
	// everything-else count.  Derived from BaseCounts by stat().
	AD, DP, Oth int
	// QualMat accumulates per-symbol log-probabilities under the four
	// dosage hypotheses.
	QualMat [pileup.NBaseEnum][nHyp]float64
	// GL holds genotype log-likelihoods; only GL[:NGL] are valid.
	GL  [nGeno]float64
	NGL int

	// groups maps duplicate-molecule keys to groupPool ids.  Keys are
	// owned by the coordinator's keyPool.
	groups map[string]int32
}

func newSamplePileup() *SamplePileup {
	return &SamplePileup{
		groups: make(map[string]int32),
	}
}

// reset clears logical content while keeping the map's bucket storage, so
// name->state correspondence and amortized capacity survive across
// positions.
func (p *SamplePileup) reset() {
	p.BaseCounts = [pileup.NBaseEnum]int{}
	p.Total = 0
	p.AD, p.DP, p.Oth = 0, 0, 0
	p.QualMat = [pileup.NBaseEnum][nHyp]float64{}
	p.NGL = 0
	for k := range p.groups {
		delete(p.groups, k)
	}
}

// contribute folds one retained (base, quality) call into the counts and
// the quality matrix.
func (p *SamplePileup) contribute(base, qual byte, qt *qualTable) {
	p.BaseCounts[base]++
	p.Total++
	v := qt.lookup(qual)
	row := &p.QualMat[base]
	for i := range row {
		row[i] += v[i]
	}
}

// addRead registers one read observation.  An empty umi key means the
// read is its own singleton group and is independent evidence, so it
// contributes immediately; otherwise it is buffered under its key for
// collapsing.
func (p *SamplePileup) addRead(base, qual byte, umi string, units *unitPool, groups *groupPool, keys *keyPool, qt *qualTable) {
	if umi == "" {
		p.contribute(base, qual, qt)
		return
	}
	gid, ok := p.groups[umi]
	if !ok {
		gid = groups.acquire()
		p.groups[keys.intern(umi)] = gid
	}
	g := groups.group(gid)
	g.units = append(g.units, units.acquire(base, qual))
}

// collapse reduces every duplicate-molecule group to one representative
// contribution, removing amplification-duplicate bias.  The pinned
// selection rule: the unit with the highest quality wins, ties broken by
// the lowest base enum value.  Both criteria are order-independent, so
// feeding the same set of units in any permutation collapses identically.
func (p *SamplePileup) collapse(units *unitPool, groups *groupPool, qt *qualTable) {
	for _, gid := range p.groups {
		g := groups.group(gid)
		best := units.unit(g.units[0])
		for _, uid := range g.units[1:] {
			u := units.unit(uid)
			if (u.qual > best.qual) || (u.qual == best.qual && u.base < best.base) {
				best = u
			}
		}
		p.contribute(best.base, best.qual, qt)
	}
}

// stat derives AD/DP/Oth from the collapsed base counts and computes the
// genotype likelihoods.  A degenerate ref==alt partition leaves NGL at 0
// and is reported to the caller.
func (p *SamplePileup) stat(refIdx, altIdx int8, doublet bool, qt *qualTable) (err error) {
	p.NGL = 0
	if refIdx == altIdx {
		// Degenerate partition: the ref/alt split of the count space is
		// meaningless, so AD/DP/Oth stay zero as well.
		return &errDegenerateAlleles{idx: refIdx}
	}
	p.AD = p.BaseCounts[altIdx]
	p.DP = p.BaseCounts[refIdx] + p.BaseCounts[altIdx]
	p.Oth = p.Total - p.DP
	if p.Total <= 0 {
		return
	}
	p.NGL, err = qualMatrixToGeno(&p.QualMat, &p.BaseCounts, refIdx, altIdx, doublet, &p.GL)
	return
}
