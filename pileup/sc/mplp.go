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

	"github.com/grailbio/base/log"
	"github.com/grailbio/cellpile/pileup"
)

// MultiPileup aggregates per-sample-group pileup state for one candidate
// position at a time.
//
// One MultiPileup is a unit of sequential work: an orchestrator wanting
// parallelism runs independent instances over disjoint position
// partitions, with no shared mutable state between them.  Within an
// instance the processing cycle per position is
//
//	Reset -> Add (per read) -> Finalize -> formatters
//
// Reset reuses all storage (sample states, maps, pools) rather than
// reallocating it, so after warmup the cycle is allocation-free.
type MultiPileup struct {
	// RefIdx/AltIdx are the externally supplied allele indices in
	// A/C/G/T/N order, -1 when unset.  InfRefIdx/InfAltIdx hold the
	// inferred pair when inference ran, -1 otherwise.
	RefIdx, AltIdx       int8
	InfRefIdx, InfAltIdx int8

	// Aggregate counts over all sample groups.
	BaseCounts         [pileup.NBaseEnum]int
	Total, AD, DP, Oth int

	// NrAD/NrDP/NrOth count the nonzero sparse-matrix records emitted for
	// this position.
	NrAD, NrDP, NrOth int

	names []string
	index map[string]int
	plps  []*SamplePileup

	units  unitPool
	glists groupPool
	keys   keyPool

	qt      *qualTable
	doublet bool

	// dropped counts observations whose sample-group tag matched no
	// configured group; they are skipped, never fatal.
	dropped int
	// degenerate counts sample-group states whose likelihoods were
	// skipped because ref and alt indices coincided.
	degenerate int

	finalized bool
	outBuf    []byte
}

// NewMultiPileup returns an engine using the given quality clamps and
// doublet-likelihood setting.  Call SetSampleGroups exactly once before
// the first Reset.
func NewMultiPileup(capBaseQual, minBaseQual byte, doublet bool) (m *MultiPileup, err error) {
	var qt *qualTable
	if qt, err = newQualTable(capBaseQual, minBaseQual); err != nil {
		return
	}
	m = &MultiPileup{
		RefIdx:    -1,
		AltIdx:    -1,
		InfRefIdx: -1,
		InfAltIdx: -1,
		qt:        qt,
		doublet:   doublet,
	}
	return
}

// SetSampleGroups fixes the ordered sample-group collection.  The order
// given here is the output column order for the lifetime of the engine;
// it is an error to call this twice, or with empty or duplicated names.
func (m *MultiPileup) SetSampleGroups(names []string) error {
	if m.index != nil {
		return fmt.Errorf("MultiPileup.SetSampleGroups: called more than once")
	}
	if len(names) == 0 {
		return fmt.Errorf("MultiPileup.SetSampleGroups: no sample groups")
	}
	index := make(map[string]int, len(names))
	plps := make([]*SamplePileup, len(names))
	for i, name := range names {
		if name == "" {
			return fmt.Errorf("MultiPileup.SetSampleGroups: empty sample-group name at index %d", i)
		}
		if _, dup := index[name]; dup {
			return fmt.Errorf("MultiPileup.SetSampleGroups: duplicate sample-group name %s", name)
		}
		index[name] = i
		plps[i] = newSamplePileup()
	}
	m.names = append([]string(nil), names...)
	m.index = index
	m.plps = plps
	return nil
}

// SampleGroups returns the fixed group ordering.
func (m *MultiPileup) SampleGroups() []string {
	return m.names
}

// Sample returns the per-group state at the given fixed ordinal.
func (m *MultiPileup) Sample(i int) *SamplePileup {
	return m.plps[i]
}

// Dropped returns the number of observations skipped for carrying an
// unmatched sample-group tag.
func (m *MultiPileup) Dropped() int {
	return m.dropped
}

// Degenerate returns the number of sample-group states whose likelihoods
// were skipped because ref and alt indices coincided.
func (m *MultiPileup) Degenerate() int {
	return m.degenerate
}

// Reset prepares the engine for a new candidate position with the given
// supplied allele indices (-1 for "infer at Finalize").  All pool handles
// acquired for the previous position become invalid here.
func (m *MultiPileup) Reset(refIdx, altIdx int8) {
	m.RefIdx, m.AltIdx = refIdx, altIdx
	m.InfRefIdx, m.InfAltIdx = -1, -1
	m.BaseCounts = [pileup.NBaseEnum]int{}
	m.Total, m.AD, m.DP, m.Oth = 0, 0, 0, 0
	m.NrAD, m.NrDP, m.NrOth = 0, 0, 0
	for _, p := range m.plps {
		p.reset()
	}
	m.units.resetAll()
	m.glists.resetAll()
	m.keys.resetAll()
	m.finalized = false
}

// Add routes one read observation to its sample group's aggregator.
// Observations with an unmatched group tag are dropped; deletions and
// reference skips are excluded from base/quality accumulation.
func (m *MultiPileup) Add(r Read) {
	i, ok := m.index[r.Group]
	if !ok {
		m.dropped++
		return
	}
	if r.Del || r.RefSkip {
		return
	}
	m.plps[i].addRead(r.Base, r.Qual, r.UMI, &m.units, &m.glists, &m.keys, m.qt)
}

// Finalize collapses every group's UMI evidence, sums per-group counts
// into the aggregate, infers alleles when none were supplied, and
// computes per-group genotype likelihoods.  Formatters require a
// finalized engine.
func (m *MultiPileup) Finalize() error {
	if m.index == nil {
		return fmt.Errorf("MultiPileup.Finalize: SetSampleGroups never called")
	}
	for _, p := range m.plps {
		p.collapse(&m.units, &m.glists, m.qt)
		for b, c := range p.BaseCounts {
			m.BaseCounts[b] += c
		}
		m.Total += p.Total
	}
	refIdx, altIdx := m.RefIdx, m.AltIdx
	if (refIdx < 0) || (altIdx < 0) {
		infRef, infAlt := inferRefAlt(&m.BaseCounts)
		if refIdx < 0 {
			if altIdx == infRef {
				refIdx = infAlt
			} else {
				refIdx = infRef
			}
		}
		if altIdx < 0 {
			if refIdx == infRef {
				altIdx = infAlt
			} else {
				altIdx = infRef
			}
		}
		// Store the collision-avoided pair actually used, so Alleles()
		// agrees with the likelihood computation.
		m.InfRefIdx, m.InfAltIdx = refIdx, altIdx
	}
	for _, p := range m.plps {
		if err := p.stat(refIdx, altIdx, m.doublet, m.qt); err != nil {
			// Degenerate ref==alt partition: likelihoods are skipped for
			// this group, counts are still reported.
			m.degenerate++
			log.Debug.Printf("MultiPileup.Finalize: %v", err)
			continue
		}
	}
	for _, p := range m.plps {
		m.AD += p.AD
		m.DP += p.DP
		m.Oth += p.Oth
	}
	m.finalized = true
	return nil
}

// Alleles returns the effective (ref, alt) indices: the supplied pair
// where present, otherwise the inferred one.  Only meaningful after
// Finalize.
func (m *MultiPileup) Alleles() (refIdx, altIdx int8) {
	refIdx, altIdx = m.RefIdx, m.AltIdx
	if refIdx < 0 {
		refIdx = m.InfRefIdx
	}
	if altIdx < 0 {
		altIdx = m.InfAltIdx
	}
	return
}
