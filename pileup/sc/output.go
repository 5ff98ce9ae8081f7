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
	"io"
	"math"
	"strconv"
)

// Output formatting.  Appenders build into caller-supplied []byte buffers
// so the per-position output path performs no allocation after warmup.

// emptyVCFField is emitted for a sample group with no reads at the
// position.
const emptyVCFField = ".:.:.:.:.:."

// phredScale converts a natural-log likelihood to phred scale.
const phredScale = -10 / math.Ln10

var genotypeStrings = [3]string{"0/0", "1/0", "1/1"}

// appendVCFField appends one sample group's GT:AD:DP:OTH:GL:BC field.
// GT is the arg-max genotype over the RR/RA/AA likelihoods; GL is the
// comma-joined phred-scaled likelihood list; BC is the comma-joined
// A/C/G/T/N count list.  Groups whose likelihoods were skipped (degenerate
// allele partition) render GT and GL as ".".
func (p *SamplePileup) appendVCFField(buf []byte) []byte {
	if p.Total <= 0 {
		return append(buf, emptyVCFField...)
	}
	if p.NGL == 0 {
		buf = append(buf, "./."...)
	} else {
		gt := 0
		for i := 1; i < 3; i++ {
			if p.GL[i] > p.GL[gt] {
				gt = i
			}
		}
		buf = append(buf, genotypeStrings[gt]...)
	}
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, int64(p.AD), 10)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, int64(p.DP), 10)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, int64(p.Oth), 10)
	buf = append(buf, ':')
	if p.NGL == 0 {
		buf = append(buf, '.')
	}
	for i := 0; i < p.NGL; i++ {
		if i != 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendFloat(buf, p.GL[i]*phredScale, 'f', 0, 64)
	}
	buf = append(buf, ':')
	for b, c := range p.BaseCounts {
		if b != 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendInt(buf, int64(c), 10)
	}
	return buf
}

// AppendVCFFields appends the tab-prefixed per-sample fields for all
// groups in their fixed order.  Requires Finalize to have run.
func (m *MultiPileup) AppendVCFFields(buf []byte) ([]byte, error) {
	if !m.finalized {
		return buf, fmt.Errorf("MultiPileup.AppendVCFFields: position not finalized")
	}
	for _, p := range m.plps {
		buf = append(buf, '\t')
		buf = p.appendVCFField(buf)
	}
	return buf, nil
}

func appendTriplet(buf []byte, posIdx, sampleIdx, count int) []byte {
	if posIdx > 0 {
		buf = strconv.AppendInt(buf, int64(posIdx), 10)
		buf = append(buf, '\t')
	}
	buf = strconv.AppendInt(buf, int64(sampleIdx), 10)
	buf = append(buf, '\t')
	buf = strconv.AppendInt(buf, int64(count), 10)
	return append(buf, '\n')
}

// WriteMtx emits the position's nonzero AD/DP/OTH sparse-matrix triplet
// lines, one stream per tag, as "<pos>\t<sample>\t<count>" with 1-based
// indices.  posIdx is the position's 1-based global index.  Requires
// Finalize to have run.
func (m *MultiPileup) WriteMtx(ad, dp, oth io.Writer, posIdx int) error {
	return m.writeMtxInternal(ad, dp, oth, posIdx, false)
}

// WriteMtxTmp emits the chunked variant: "<sample>\t<count>" lines with
// the position index omitted (implied by stream position), each stream
// terminated by a blank line marking end-of-position.  An external
// combiner reintroduces global position indices later.
func (m *MultiPileup) WriteMtxTmp(ad, dp, oth io.Writer) error {
	return m.writeMtxInternal(ad, dp, oth, 0, true)
}

func (m *MultiPileup) writeMtxInternal(ad, dp, oth io.Writer, posIdx int, tmp bool) (err error) {
	if !m.finalized {
		return fmt.Errorf("MultiPileup.WriteMtx: position not finalized")
	}
	// The Nr counters describe this position only; writing the same
	// position twice must not accumulate.
	m.NrAD, m.NrDP, m.NrOth = 0, 0, 0
	buf := m.outBuf[:0]
	for i, p := range m.plps {
		if p.AD != 0 {
			buf = appendTriplet(buf, posIdx, i+1, p.AD)
			m.NrAD++
		}
	}
	if tmp {
		buf = append(buf, '\n')
	}
	if _, err = ad.Write(buf); err != nil {
		return
	}
	buf = buf[:0]
	for i, p := range m.plps {
		if p.DP != 0 {
			buf = appendTriplet(buf, posIdx, i+1, p.DP)
			m.NrDP++
		}
	}
	if tmp {
		buf = append(buf, '\n')
	}
	if _, err = dp.Write(buf); err != nil {
		return
	}
	buf = buf[:0]
	for i, p := range m.plps {
		if p.Oth != 0 {
			buf = appendTriplet(buf, posIdx, i+1, p.Oth)
			m.NrOth++
		}
	}
	if tmp {
		buf = append(buf, '\n')
	}
	if _, err = oth.Write(buf); err != nil {
		return
	}
	m.outBuf = buf[:0]
	return
}
