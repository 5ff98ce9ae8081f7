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

// Package snplist loads candidate-position records from VCF-formatted
// text, keeping only entries the pileup engine can use: single-letter ref
// and alt alleles, at most two alleles.  Positions with no ref/alt are
// kept with the letters unset; the engine infers alleles for those from
// the observed base counts.
package snplist

import (
	"bufio"
	"context"
	"strconv"
	"strings"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/pkg/errors"
)

// Snp is one candidate position.
type Snp struct {
	// Chrom is the chromosome name as spelled in the input.
	Chrom string
	// Pos is the 0-based coordinate.
	Pos int
	// Ref and Alt are single ASCII base letters; 0 means unset (to be
	// inferred during pileup).
	Ref, Alt byte
}

// ReadVCF loads the candidate-position list from a VCF or VCF.gz file.
// Malformed or unusable records (multi-base alleles, more than two
// alleles) are skipped; printSkip controls whether each skip is logged.
func ReadVCF(ctx context.Context, path string, printSkip bool) (snps []Snp, err error) {
	var in file.File
	if in, err = file.Open(ctx, path); err != nil {
		return nil, errors.Wrapf(err, "snplist.ReadVCF: open %s", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	reader, _ := compress.NewReader(in.Reader(ctx))
	defer func() {
		if e := reader.Close(); e != nil && err == nil {
			err = e
		}
	}()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<22)
	lineIdx := 0
	nSkip := 0
	for scanner.Scan() {
		lineIdx++
		line := scanner.Text()
		if (line == "") || (line[0] == '#') {
			continue
		}
		var snp Snp
		var skipReason string
		if snp, skipReason, err = parseRecord(line); err != nil {
			return nil, errors.Wrapf(err, "snplist.ReadVCF: %s line %d", path, lineIdx)
		}
		if skipReason != "" {
			nSkip++
			if printSkip {
				log.Printf("snplist.ReadVCF: skip line %d: %s", lineIdx, skipReason)
			}
			continue
		}
		snps = append(snps, snp)
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "snplist.ReadVCF: %s", path)
	}
	if nSkip != 0 {
		log.Printf("snplist.ReadVCF: skipped %d of %d records", nSkip, nSkip+len(snps))
	}
	return snps, nil
}

// parseRecord parses one non-header VCF line.  A nonempty skipReason
// marks a well-formed record this engine cannot use.
func parseRecord(line string) (snp Snp, skipReason string, err error) {
	// CHROM POS ID REF ALT ...; only the first five columns matter.
	cols := strings.SplitN(line, "\t", 6)
	if len(cols) < 2 {
		err = errors.New("fewer than 2 columns")
		return
	}
	pos1, e := strconv.Atoi(cols[1])
	if e != nil {
		err = errors.Wrap(e, "bad POS column")
		return
	}
	if pos1 < 1 {
		err = errors.Errorf("POS %d out of range", pos1)
		return
	}
	snp.Chrom = cols[0]
	snp.Pos = pos1 - 1
	if len(cols) < 4 {
		return
	}
	ref := cols[3]
	switch {
	case (ref == "") || (ref == "."):
		// keep unset
	case len(ref) == 1:
		snp.Ref = ref[0]
	default:
		skipReason = "ref longer than one base"
		return
	}
	if len(cols) < 5 {
		return
	}
	alt := cols[4]
	switch {
	case (alt == "") || (alt == "."):
		// keep unset
	case strings.IndexByte(alt, ',') >= 0:
		skipReason = "more than two alleles"
		return
	case len(alt) == 1:
		snp.Alt = alt[0]
	default:
		skipReason = "alt longer than one base"
		return
	}
	return
}
