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
	"bufio"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"runtime"
	"strconv"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/base/tsv"
	gbam "github.com/grailbio/bio/encoding/bam"
	"github.com/grailbio/bio/encoding/bamprovider"
	"github.com/grailbio/bio/interval"
	"github.com/grailbio/cellpile/pileup"
	"github.com/grailbio/cellpile/snplist"
	"github.com/grailbio/hts/sam"
)

type Opts struct {
	// Commandline options.
	SnpPath      string
	Region       string
	BamIndexPath string
	Samples      []string
	GroupTag     string
	UMITag       string
	CapBaseQual  int
	MinBaseQual  int
	Mapq         int
	FlagExclude  int
	MinAlnLen    int
	MaxReadSpan  int
	DoubletGL    bool
	Parallelism  int
	TempDir      string
	PrintSkip    bool
}

var DefaultOpts = Opts{
	GroupTag:    "CB",
	UMITag:      "UB",
	CapBaseQual: 45,
	MinBaseQual: 20,
	Mapq:        20,
	FlagExclude: 0x304,
	MinAlnLen:   30,
	MaxReadSpan: 511,
	Parallelism: 0,
}

// Problem:
// Given a coordinate-sorted, indexed BAM/PAM and a list of candidate SNP
// positions, we want per-position, per-sample-group allele counts and
// genotype likelihoods: a VCF-style per-sample summary plus AD/DP/OTH
// sparse count matrices, with amplification duplicates collapsed by UMI.
//
// Implementation strategy:
// The candidate list is split into contiguous chunks, one chunk per
// worker.  Each worker owns a MultiPileup engine (pools, maps, per-group
// states) and a set of temporary output files; engines share nothing, so
// the workers need no locks.  Per position, the worker fetches the
// overlapping reads through a bamprovider iterator, feeds them to the
// engine, and appends chunk-format output: VCF body lines plus
// position-index-free sparse-matrix lines with a blank-line terminator
// per position.  Because chunks are contiguous in candidate-list order, a
// final single-threaded combine pass can concatenate the VCF bodies
// directly and rewrite the sparse-matrix lines with global 1-based
// position indices, while also backfilling the MatrixMarket headers with
// the record totals accumulated by the workers.

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

const nMtxTag = 3

var mtxTags = [nMtxTag]string{"AD", "DP", "OTH"}

// jobResult carries each worker's output counters into the combine pass.
type jobResult struct {
	nr         [nMtxTag]int
	dropped    int
	degenerate int
	noRef      int
}

type jobFiles struct {
	mtx [nMtxTag]*os.File
	vcf *os.File
}

func (jf *jobFiles) closeAndRemove() {
	for _, f := range jf.mtx {
		if f != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}
	if jf.vcf != nil {
		jf.vcf.Close()
		os.Remove(jf.vcf.Name())
	}
}

// processChunk runs one worker's candidate-position chunk through its own
// engine, writing chunk-format output to jf.
func processChunk(m *MultiPileup, snps []snplist.Snp, refByName map[string]*sam.Reference, provider bamprovider.Provider, opts *Opts, jf *jobFiles, res *jobResult) (err error) {
	var umiTag, groupTag sam.Tag
	if opts.UMITag != "" {
		umiTag = sam.NewTag(opts.UMITag)
	}
	if opts.GroupTag != "" {
		groupTag = sam.NewTag(opts.GroupTag)
	}
	var mtxW [nMtxTag]*bufio.Writer
	for i, f := range jf.mtx {
		mtxW[i] = bufio.NewWriter(f)
	}
	vcfW := bufio.NewWriter(jf.vcf)
	var lineBuf []byte
	for _, snp := range snps {
		m.Reset(pileup.CharToEnum(snp.Ref), pileup.CharToEnum(snp.Alt))
		ref := refByName[snp.Chrom]
		if ref == nil {
			// Keep the position in the outputs (all-zero) so the sparse
			// matrices stay aligned with the candidate list.
			res.noRef++
		} else {
			// Padding pulls in reads starting up to MaxReadSpan before the
			// position; ReadAtPos rejects any that don't actually cover it.
			iter := provider.NewIterator(gbam.Shard{
				StartRef: ref,
				EndRef:   ref,
				Start:    snp.Pos,
				End:      snp.Pos + 1,
				Padding:  opts.MaxReadSpan,
			})
			for iter.Scan() {
				rec := iter.Record()
				if (opts.FlagExclude&int(rec.Flags) != 0) || (opts.Mapq > int(rec.MapQ)) || (len(rec.Cigar) == 0) {
					sam.PutInFreePool(rec)
					continue
				}
				obs, ok := ReadAtPos(rec, snp.Pos, umiTag, groupTag)
				if ok && (obs.AlnLen >= opts.MinAlnLen) {
					if opts.GroupTag == "" {
						// Bulk mode: all reads belong to the single
						// configured sample.
						obs.Group = opts.Samples[0]
					}
					m.Add(obs)
				}
				sam.PutInFreePool(rec)
			}
			if err = iter.Close(); err != nil {
				return
			}
		}
		if err = m.Finalize(); err != nil {
			return
		}
		if err = m.WriteMtxTmp(mtxW[0], mtxW[1], mtxW[2]); err != nil {
			return
		}
		res.nr[0] += m.NrAD
		res.nr[1] += m.NrDP
		res.nr[2] += m.NrOth
		refIdx, altIdx := m.Alleles()
		lineBuf = lineBuf[:0]
		lineBuf = append(lineBuf, snp.Chrom...)
		lineBuf = append(lineBuf, '\t')
		lineBuf = strconv.AppendInt(lineBuf, int64(snp.Pos+1), 10)
		lineBuf = append(lineBuf, "\t.\t"...)
		lineBuf = append(lineBuf, pileup.EnumToASCIITable[refIdx])
		lineBuf = append(lineBuf, '\t')
		lineBuf = append(lineBuf, pileup.EnumToASCIITable[altIdx])
		lineBuf = append(lineBuf, "\t.\tPASS\t.\tGT:AD:DP:OTH:GL:BC"...)
		if lineBuf, err = m.AppendVCFFields(lineBuf); err != nil {
			return
		}
		lineBuf = append(lineBuf, '\n')
		if _, err = vcfW.Write(lineBuf); err != nil {
			return
		}
	}
	res.dropped = m.Dropped()
	res.degenerate = m.Degenerate()
	for _, w := range mtxW {
		if err = w.Flush(); err != nil {
			return
		}
	}
	return vcfW.Flush()
}

// combineMtx merges the workers' chunk-format streams for one tag into
// the final MatrixMarket file, reintroducing global 1-based position
// indices.
func combineMtx(ctx context.Context, tmpFiles []*os.File, path string, nSnp, nSample, nRecord int) (err error) {
	var dst file.File
	if dst, err = file.Create(ctx, path); err != nil {
		return
	}
	defer file.CloseAndReport(ctx, dst, &err)
	w := bufio.NewWriter(dst.Writer(ctx))
	if _, err = fmt.Fprintf(w, "%%%%MatrixMarket matrix coordinate integer general\n%%\n%d\t%d\t%d\n", nSnp, nSample, nRecord); err != nil {
		return
	}
	posIdx := 1
	for _, f := range tmpFiles {
		if _, err = f.Seek(0, io.SeekStart); err != nil {
			return
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 1<<16), 1<<22)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				// end-of-position marker
				posIdx++
				continue
			}
			if _, err = fmt.Fprintf(w, "%d\t%s\n", posIdx, line); err != nil {
				return
			}
		}
		if err = scanner.Err(); err != nil {
			return
		}
	}
	return w.Flush()
}

// combineVCF writes the VCF header and concatenates the workers' body
// chunks in candidate-list order.
func combineVCF(ctx context.Context, tmpFiles []*os.File, path string, samples []string) (err error) {
	var dst file.File
	if dst, err = file.Create(ctx, path); err != nil {
		return
	}
	defer file.CloseAndReport(ctx, dst, &err)
	w := bufio.NewWriter(dst.Writer(ctx))
	header := "##fileformat=VCFv4.2\n" +
		"##source=cellpile\n" +
		"##FILTER=<ID=PASS,Description=\"All filters passed\">\n" +
		"##FORMAT=<ID=GT,Number=1,Type=String,Description=\"Genotype\">\n" +
		"##FORMAT=<ID=AD,Number=1,Type=Integer,Description=\"Alt allele read count\">\n" +
		"##FORMAT=<ID=DP,Number=1,Type=Integer,Description=\"Ref plus alt read count\">\n" +
		"##FORMAT=<ID=OTH,Number=1,Type=Integer,Description=\"Read count of other alleles\">\n" +
		"##FORMAT=<ID=GL,Number=G,Type=Integer,Description=\"Phred-scaled genotype likelihoods\">\n" +
		"##FORMAT=<ID=BC,Number=5,Type=Integer,Description=\"Base counts in A/C/G/T/N order\">\n" +
		"#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT"
	if _, err = w.WriteString(header); err != nil {
		return
	}
	for _, s := range samples {
		if _, err = w.WriteString("\t" + s); err != nil {
			return
		}
	}
	if err = w.WriteByte('\n'); err != nil {
		return
	}
	for _, f := range tmpFiles {
		if _, err = f.Seek(0, io.SeekStart); err != nil {
			return
		}
		if _, err = io.Copy(w, f); err != nil {
			return
		}
	}
	return w.Flush()
}

func writeSamples(ctx context.Context, path string, samples []string) (err error) {
	var dst file.File
	if dst, err = file.Create(ctx, path); err != nil {
		return
	}
	defer file.CloseAndReport(ctx, dst, &err)
	tsvw := tsv.NewWriter(dst.Writer(ctx))
	for _, s := range samples {
		tsvw.WriteString(s)
		if err = tsvw.EndLine(); err != nil {
			return
		}
	}
	return tsvw.Flush()
}

// Pileup runs the full computation: load the candidate list, pile up
// every position across parallel shared-nothing workers, and write
// outPrefix{.base.vcf,.samples.tsv,.tag.{AD,DP,OTH}.mtx}.
func Pileup(ctx context.Context, bamPath, outPrefix string, rawOpts *Opts) (err error) {
	opts := *rawOpts
	if len(opts.Samples) == 0 {
		return fmt.Errorf("Pileup: no sample groups configured")
	}
	if opts.GroupTag == "" && len(opts.Samples) != 1 {
		return fmt.Errorf("Pileup: multiple sample groups require a group tag")
	}
	if (opts.GroupTag != "" && len(opts.GroupTag) != 2) || (opts.UMITag != "" && len(opts.UMITag) != 2) {
		return fmt.Errorf("Pileup: aux tags must be two characters")
	}
	if opts.MaxReadSpan < 1 {
		return fmt.Errorf("Pileup: invalid max-read-span= argument")
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.NumCPU()
	}

	var snps []snplist.Snp
	if snps, err = snplist.ReadVCF(ctx, opts.SnpPath, opts.PrintSkip); err != nil {
		return
	}
	if opts.Region != "" {
		var entry interval.Entry
		if entry, err = interval.ParseRegionString(opts.Region); err != nil {
			return
		}
		kept := snps[:0]
		for _, snp := range snps {
			if (snp.Chrom == entry.RefName) && (entry.Start0 <= interval.PosType(snp.Pos)) && (interval.PosType(snp.Pos) < entry.End) {
				kept = append(kept, snp)
			}
		}
		snps = kept
	}
	if len(snps) == 0 {
		return fmt.Errorf("Pileup: no usable candidate positions in %s", opts.SnpPath)
	}

	provider := bamprovider.NewProvider(bamPath, bamprovider.ProviderOpts{Index: opts.BamIndexPath})
	defer func() {
		if e := provider.Close(); e != nil && err == nil {
			err = e
		}
	}()
	var header *sam.Header
	if header, err = provider.GetHeader(); err != nil {
		return
	}
	refByName := make(map[string]*sam.Reference, len(header.Refs()))
	for _, ref := range header.Refs() {
		refByName[ref.Name()] = ref
	}

	nJob := minInt(opts.Parallelism, len(snps))
	jobTmp := make([]jobFiles, nJob)
	defer func() {
		for i := range jobTmp {
			jobTmp[i].closeAndRemove()
		}
	}()
	for i := range jobTmp {
		for tagIdx, tag := range mtxTags {
			if jobTmp[i].mtx[tagIdx], err = ioutil.TempFile(opts.TempDir, "cellpile_tmp"+strconv.Itoa(i)+"_"+tag+"_*"); err != nil {
				return
			}
		}
		if jobTmp[i].vcf, err = ioutil.TempFile(opts.TempDir, "cellpile_tmp"+strconv.Itoa(i)+"_vcf_*"); err != nil {
			return
		}
	}

	results := make([]jobResult, nJob)
	log.Printf("Pileup: starting main loop (%d positions, %d jobs)", len(snps), nJob)
	err = traverse.Each(nJob, func(jobIdx int) error {
		startIdx := (jobIdx * len(snps)) / nJob
		endIdx := ((jobIdx + 1) * len(snps)) / nJob
		m, e := NewMultiPileup(byte(opts.CapBaseQual), byte(opts.MinBaseQual), opts.DoubletGL)
		if e != nil {
			return e
		}
		if e = m.SetSampleGroups(opts.Samples); e != nil {
			return e
		}
		return processChunk(m, snps[startIdx:endIdx], refByName, provider, &opts, &jobTmp[jobIdx], &results[jobIdx])
	})
	if err != nil {
		return
	}
	var total jobResult
	for _, res := range results {
		for i, n := range res.nr {
			total.nr[i] += n
		}
		total.dropped += res.dropped
		total.degenerate += res.degenerate
		total.noRef += res.noRef
	}
	if total.dropped != 0 {
		log.Printf("Pileup: dropped %d observations with unmatched sample-group tags", total.dropped)
	}
	if total.degenerate != 0 {
		log.Printf("Pileup: skipped likelihoods for %d sample-groups with degenerate ref/alt alleles", total.degenerate)
	}
	if total.noRef != 0 {
		log.Error.Printf("Pileup: %d candidate positions reference contigs absent from the BAM/PAM header", total.noRef)
	}
	log.Printf("Pileup: main loop complete")

	if err = writeSamples(ctx, outPrefix+".samples.tsv", opts.Samples); err != nil {
		return
	}
	vcfTmp := make([]*os.File, nJob)
	for i := range jobTmp {
		vcfTmp[i] = jobTmp[i].vcf
	}
	if err = combineVCF(ctx, vcfTmp, outPrefix+".base.vcf", opts.Samples); err != nil {
		return
	}
	for tagIdx, tag := range mtxTags {
		mtxTmp := make([]*os.File, nJob)
		for i := range jobTmp {
			mtxTmp[i] = jobTmp[i].mtx[tagIdx]
		}
		if err = combineMtx(ctx, mtxTmp, outPrefix+".tag."+tag+".mtx", len(snps), len(opts.Samples), total.nr[tagIdx]); err != nil {
			return
		}
	}
	return
}
