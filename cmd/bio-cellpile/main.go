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
package main

/*
bio-cellpile genotypes a list of candidate SNPs from a BAM/PAM, reporting
per-sample-group allele counts and genotype likelihoods.  Sample groups are
usually single-cell barcodes (CB aux tag), and amplification duplicates
within a group are collapsed by UMI (UB aux tag) before counting.
*/

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/cellpile/pileup/sc"
)

var (
	snpPath      = flag.String("snp-vcf", sc.DefaultOpts.SnpPath, "Input candidate-SNP VCF path (may be gzipped); required")
	region       = flag.String("region", sc.DefaultOpts.Region, "Restrict computation to candidate SNPs in the specified region. Format as <contig ID>:<1-based first pos>-<last pos>, <contig ID>:<1-based pos>, or just <contig ID>")
	bamIndexPath = flag.String("index", sc.DefaultOpts.BamIndexPath, "Input BAM index path. Defaults to bampath + .bai")
	samples      = flag.String("samples", "", "Comma-separated sample group names (e.g. cell barcodes); this xor -sample-file required")
	sampleFile   = flag.String("sample-file", "", "Path to file with one sample group name per line; this xor -samples required")
	groupTag     = flag.String("group-tag", sc.DefaultOpts.GroupTag, "Aux tag assigning each read to a sample group; \"\" = treat all reads as one sample (requires exactly one configured sample)")
	umiTag       = flag.String("umi-tag", sc.DefaultOpts.UMITag, "Aux tag identifying the UMI of each read; \"\" = no UMI collapsing")
	capBaseQual  = flag.Int("cap-base-qual", sc.DefaultOpts.CapBaseQual, "Upper bound applied to base qualities before likelihood computation")
	minBaseQual  = flag.Int("min-base-qual", sc.DefaultOpts.MinBaseQual, "Lower bound applied to base qualities before likelihood computation")
	mapq         = flag.Int("mapq", sc.DefaultOpts.Mapq, "Reads with MAPQ below this level are skipped")
	flagExclude  = flag.Int("flag-exclude", sc.DefaultOpts.FlagExclude, "Reads with a FLAG bit intersecting this value are skipped")
	minAlnLen    = flag.Int("min-aln-len", sc.DefaultOpts.MinAlnLen, "Reads with fewer aligned bases are skipped")
	maxReadSpan  = flag.Int("max-read-span", sc.DefaultOpts.MaxReadSpan, "Maximum size of a single read's reference-coordinate span")
	doubletGL    = flag.Bool("doublet-gl", sc.DefaultOpts.DoubletGL, "Also compute the two doublet genotype likelihoods (5 GL values instead of 3)")
	outPrefix    = flag.String("out", "bio-cellpile", "Output path prefix")
	parallelism  = flag.Int("parallelism", 0, "Maximum number of simultaneous pileup jobs to launch; 0 = runtime.NumCPU()")
	tempDir      = flag.String("temp-dir", sc.DefaultOpts.TempDir, "Directory to write temporary files to (default os.TempDir())")
	printSkip    = flag.Bool("print-skip", sc.DefaultOpts.PrintSkip, "Log every candidate-SNP record skipped during parsing")
)

func bioCellpileUsage() {
	fmt.Printf("Usage: %s [OPTIONS] {b,p}ampath\n", os.Args[0])
	fmt.Printf("Other options:\n")
	flag.PrintDefaults()
}

func loadSampleFile(ctx context.Context, path string) (names []string, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	scanner := bufio.NewScanner(in.Reader(ctx))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			names = append(names, line)
		}
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.E(err, "error reading sample file:", path)
	}
	return names, nil
}

func main() {
	flag.Usage = bioCellpileUsage
	shutdown := grail.Init()
	defer shutdown()

	allArgs := flag.Args()
	nPositionalArgs := flag.NArg()
	positionalArgs := allArgs[len(allArgs)-nPositionalArgs:]
	if nPositionalArgs != 1 {
		if nPositionalArgs < 1 {
			log.Fatalf("Missing positional argument ({b,p}ampath required); please check flag syntax")
		} else {
			log.Fatalf("Too many positional arguments (only {b,p}ampath expected); please check flag syntax: '%s'", strings.Join(positionalArgs, " "))
		}
	}
	if *snpPath == "" {
		log.Fatalf("-snp-vcf is required")
	}
	if (*samples == "") == (*sampleFile == "") {
		log.Fatalf("Exactly one of -samples and -sample-file is required")
	}
	ctx := vcontext.Background()
	var sampleNames []string
	if *samples != "" {
		sampleNames = strings.Split(*samples, ",")
	} else {
		var err error
		if sampleNames, err = loadSampleFile(ctx, *sampleFile); err != nil {
			log.Fatalf("%v", err)
		}
	}
	opts := sc.Opts{
		SnpPath:      *snpPath,
		Region:       *region,
		BamIndexPath: *bamIndexPath,
		Samples:      sampleNames,
		GroupTag:     *groupTag,
		UMITag:       *umiTag,
		CapBaseQual:  *capBaseQual,
		MinBaseQual:  *minBaseQual,
		Mapq:         *mapq,
		FlagExclude:  *flagExclude,
		MinAlnLen:    *minAlnLen,
		MaxReadSpan:  *maxReadSpan,
		DoubletGL:    *doubletGL,
		Parallelism:  *parallelism,
		TempDir:      *tempDir,
		PrintSkip:    *printSkip,
	}
	if err := sc.Pileup(ctx, positionalArgs[0], *outPrefix, &opts); err != nil {
		log.Panicf("%v", err)
	}
	log.Debug.Printf("exiting")
}
