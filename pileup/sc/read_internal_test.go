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
	"testing"

	"github.com/grailbio/cellpile/pileup"
	"github.com/grailbio/hts/sam"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testChr1, _ = sam.NewReference("chr1", "", "", 1000, nil, nil)

	cbTag = sam.Tag{'C', 'B'}
	ubTag = sam.Tag{'U', 'B'}
)

func newTestRecord(t *testing.T, pos int, cigar sam.Cigar, seq, qual string, barcode, umi string) *sam.Record {
	r := sam.GetFromFreePool()
	r.Name = "read1"
	r.Ref = testChr1
	r.Pos = pos
	r.Cigar = cigar
	r.Seq = sam.NewSeq([]byte(seq))
	r.Qual = []byte(qual)
	for _, kv := range []struct{ tag, val string }{{"CB", barcode}, {"UB", umi}} {
		if kv.val == "" {
			continue
		}
		aux, err := sam.NewAux(sam.NewTag(kv.tag), kv.val)
		require.NoError(t, err)
		r.AuxFields = append(r.AuxFields, aux)
	}
	return r
}

func TestReadAtPos(t *testing.T) {
	// 10M: read ACGTACGTAC aligned at pos 100.
	rec := newTestRecord(t, 100,
		sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 10)},
		"ACGTACGTAC", "IIIIIIIIII", "cell1", "umi1")
	defer sam.PutInFreePool(rec)

	r, ok := ReadAtPos(rec, 103, ubTag, cbTag)
	require.True(t, ok)
	assert.Equal(t, pileup.BaseT, r.Base)
	assert.Equal(t, byte('I'), r.Qual)
	assert.Equal(t, "cell1", r.Group)
	assert.Equal(t, "umi1", r.UMI)
	assert.Equal(t, 10, r.AlnLen)
	assert.False(t, r.Del)
	assert.False(t, r.RefSkip)

	// Outside the alignment.
	if _, ok = ReadAtPos(rec, 99, ubTag, cbTag); ok {
		t.Fatalf("position before alignment start reported as covered")
	}
	if _, ok = ReadAtPos(rec, 110, ubTag, cbTag); ok {
		t.Fatalf("position past alignment end reported as covered")
	}

	// Zero tags disable aux lookups.
	r, _ = ReadAtPos(rec, 103, sam.Tag{}, sam.Tag{})
	if (r.Group != "") || (r.UMI != "") {
		t.Fatalf("zero tags still fetched aux values: group %q, umi %q", r.Group, r.UMI)
	}
}

func TestReadAtPosClipsAndIndels(t *testing.T) {
	// 2S4M2I4M: soft clip shifts the read offset, insertion shifts it again.
	rec := newTestRecord(t, 200,
		sam.Cigar{
			sam.NewCigarOp(sam.CigarSoftClipped, 2),
			sam.NewCigarOp(sam.CigarMatch, 4),
			sam.NewCigarOp(sam.CigarInsertion, 2),
			sam.NewCigarOp(sam.CigarMatch, 4),
		},
		"NNACGTTTGTCA", "IIIIIIIIIIII", "", "")
	defer sam.PutInFreePool(rec)

	r, ok := ReadAtPos(rec, 200, sam.Tag{}, sam.Tag{})
	if !ok || r.Base != pileup.BaseA {
		t.Fatalf("pos 200: ok=%v base=%d, want A after soft clip", ok, r.Base)
	}
	r, ok = ReadAtPos(rec, 204, sam.Tag{}, sam.Tag{})
	if !ok || r.Base != pileup.BaseG {
		t.Fatalf("pos 204: ok=%v base=%d, want G after insertion", ok, r.Base)
	}
	if r.AlnLen != 8 {
		t.Fatalf("aligned length %d, want 8 (clips and insertions excluded)", r.AlnLen)
	}

	// 4M3D4M: the deletion covers pos+4..pos+6.
	rec2 := newTestRecord(t, 300,
		sam.Cigar{
			sam.NewCigarOp(sam.CigarMatch, 4),
			sam.NewCigarOp(sam.CigarDeletion, 3),
			sam.NewCigarOp(sam.CigarMatch, 4),
		},
		"ACGTACGT", "IIIIIIII", "", "")
	defer sam.PutInFreePool(rec2)

	r, ok = ReadAtPos(rec2, 305, sam.Tag{}, sam.Tag{})
	if !ok || !r.Del || r.RefSkip {
		t.Fatalf("pos 305: ok=%v del=%v refskip=%v, want covered deletion", ok, r.Del, r.RefSkip)
	}
	r, ok = ReadAtPos(rec2, 307, sam.Tag{}, sam.Tag{})
	if !ok || r.Del || (r.Base != pileup.BaseA) {
		t.Fatalf("pos 307: ok=%v del=%v base=%d, want A after deletion", ok, r.Del, r.Base)
	}

	// 4M100N4M: reference skip (e.g. spliced RNA read).
	rec3 := newTestRecord(t, 400,
		sam.Cigar{
			sam.NewCigarOp(sam.CigarMatch, 4),
			sam.NewCigarOp(sam.CigarSkipped, 100),
			sam.NewCigarOp(sam.CigarMatch, 4),
		},
		"ACGTACGT", "IIIIIIII", "", "")
	defer sam.PutInFreePool(rec3)

	r, ok = ReadAtPos(rec3, 450, sam.Tag{}, sam.Tag{})
	if !ok || !r.Del || !r.RefSkip {
		t.Fatalf("pos 450: ok=%v del=%v refskip=%v, want refskip", ok, r.Del, r.RefSkip)
	}
}
