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
	"github.com/grailbio/hts/sam"
)

// Read is one read's evidence at one candidate position.
//
// Its string fields may point into the underlying *sam.Record's aux
// memory, which the read source recycles (sam.PutInFreePool) as soon as
// the next record is fetched.  A Read is therefore only valid until the
// next call into the read source; the engine copies whatever it needs to
// retain.
type Read struct {
	// Base is the aligned base at the query position, as a pileup.Base*
	// enum.
	Base byte
	// Qual is the base quality at the query position.
	Qual byte
	// Del and RefSkip mark reads whose alignment deletes or skips the
	// query position; such reads carry no base evidence.
	Del     bool
	RefSkip bool
	// AlnLen is the number of read bases aligned to the reference.
	AlnLen int
	// UMI is the duplicate-molecule key; empty when the read is untagged.
	UMI string
	// Group is the sample-group tag (e.g. a cell barcode); empty when the
	// read is untagged.
	Group string
}

// seqNibble returns the 4-bit .bam base encoding at read offset i.  The
// first base of each doublet sits in the high nibble.
func seqNibble(seq sam.Seq, i int) byte {
	d := byte(seq.Seq[i>>1])
	if i&1 == 0 {
		return d >> 4
	}
	return d & 0xf
}

// auxString fetches a Z-typed aux tag, tolerating its absence.
func auxString(samr *sam.Record, tag sam.Tag) string {
	aux := samr.AuxFields.Get(tag)
	if aux == nil {
		return ""
	}
	if s, ok := aux.Value().(string); ok {
		return s
	}
	return ""
}

// ReadAtPos extracts the pileup observation for the 0-based reference
// position pos from samr, walking the CIGAR to locate the aligned read
// offset.  umiTag/groupTag select the aux tags carrying the
// duplicate-molecule and sample-group keys; the zero Tag disables the
// corresponding lookup.
//
// ok is false when the alignment does not cover pos at all (clipped or
// ends short); deletions and reference skips covering pos return ok=true
// with the corresponding flag set, since configurations may still count
// them for bookkeeping.
func ReadAtPos(samr *sam.Record, pos int, umiTag, groupTag sam.Tag) (r Read, ok bool) {
	posInRef := samr.Pos
	posInRead := 0
	alnLen := 0
	qpos := -1
	for _, co := range samr.Cigar {
		cLen := co.Len()
		switch co.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			if (qpos < 0) && (pos < posInRef+cLen) && (pos >= posInRef) {
				qpos = posInRead + (pos - posInRef)
			}
			posInRef += cLen
			posInRead += cLen
			alnLen += cLen
		case sam.CigarInsertion, sam.CigarSoftClipped:
			posInRead += cLen
		case sam.CigarDeletion:
			if (qpos < 0) && (pos < posInRef+cLen) && (pos >= posInRef) {
				r.Del = true
			}
			posInRef += cLen
		case sam.CigarSkipped:
			if (qpos < 0) && (pos < posInRef+cLen) && (pos >= posInRef) {
				// Set both flags, matching the usual mpileup convention.
				r.Del = true
				r.RefSkip = true
			}
			posInRef += cLen
		default:
			// Hard clips and padding consume neither reference nor read.
		}
	}
	if (qpos < 0) && !r.Del {
		return Read{}, false
	}
	r.AlnLen = alnLen
	if qpos >= 0 {
		r.Base = pileup.Seq8ToEnumTable[seqNibble(samr.Seq, qpos)]
		r.Qual = samr.Qual[qpos]
	}
	var zeroTag sam.Tag
	if umiTag != zeroTag {
		r.UMI = auxString(samr, umiTag)
	}
	if groupTag != zeroTag {
		r.Group = auxString(samr, groupTag)
	}
	return r, true
}
