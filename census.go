// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gwaspi

import (
	"context"
	"flag"
	"fmt"
	"io"
	"runtime/debug"
	"strconv"

	"github.com/arvados/gwaspi/census"
	log "github.com/sirupsen/logrus"
)

const censusProgressInterval = 100000

type CensusParams struct {
	Matrix *MatrixReader
	// QA results aligned with the matrix's sample and marker
	// order. A nil slice excludes nothing.
	SampleQA []SampleQARecord
	MarkerQA []MarkerQARecord

	// Exclusion thresholds. A sample or marker is excluded only
	// if its ratio is strictly greater than the threshold.
	SampleMissingRatio float64
	SampleHetRatio     float64
	MarkerMissingRatio float64
	DiscardMismatches  bool

	// Phenotypes, if not nil, override the sex and affection
	// stored in the matrix.
	Phenotypes      phenotypes
	HalfWeightMaleX bool
	ChunkSize       int

	// Begin, if not nil, is called once exclusions are known,
	// before any records are computed.
	Begin func(*CensusResult) error
	// Emit, if not nil, is called with each chunk of census
	// records in marker order, and the records are not retained
	// in the result.
	Emit func([]CensusMarker) error
}

type CensusResult struct {
	// Samples that contributed to the census.
	Samples         []SampleKey
	ExcludedSamples int
	ExcludedMarkers int
	MarkerCount     int
	Records         []CensusMarker
}

// censusExclusions returns the sample and marker exclusion flags
// implied by the QA results and thresholds.
func censusExclusions(p *CensusParams) (sampleExcluded, markerExcluded []bool, err error) {
	m := p.Matrix
	sampleExcluded = make([]bool, len(m.Samples))
	markerExcluded = make([]bool, len(m.Markers))
	if p.SampleQA != nil {
		if len(p.SampleQA) != len(m.Samples) {
			return nil, nil, fmt.Errorf("sample QA has %d records, matrix has %d samples", len(p.SampleQA), len(m.Samples))
		}
		for i, rec := range p.SampleQA {
			if rec.Key != m.Samples[i].Key {
				return nil, nil, fmt.Errorf("sample QA record %d is for sample %s, expected %s", i, rec.Key, m.Samples[i].Key)
			}
			sampleExcluded[i] = rec.MissingRatio > p.SampleMissingRatio || rec.HetRatio > p.SampleHetRatio
		}
	}
	if p.MarkerQA != nil {
		if len(p.MarkerQA) != len(m.Markers) {
			return nil, nil, fmt.Errorf("marker QA has %d records, matrix has %d markers", len(p.MarkerQA), len(m.Markers))
		}
		for i, rec := range p.MarkerQA {
			if rec.Key != m.Markers[i].Key {
				return nil, nil, fmt.Errorf("marker QA record %d is for marker %s, expected %s", i, rec.Key, m.Markers[i].Key)
			}
			markerExcluded[i] = rec.MissingRatio > p.MarkerMissingRatio || (p.DiscardMismatches && rec.Mismatch)
		}
	}
	return
}

func countTrue(bs []bool) int {
	n := 0
	for _, b := range bs {
		if b {
			n++
		}
	}
	return n
}

// RunCensus builds the genotype contingency tables of every marker
// that survives QA exclusion, counting only samples that survive QA
// exclusion. It returns ErrNoDataLeft if exclusion removes every
// sample or every marker.
func RunCensus(ctx context.Context, p CensusParams) (*CensusResult, error) {
	m := p.Matrix
	sampleExcluded, markerExcluded, err := censusExclusions(&p)
	if err != nil {
		return nil, err
	}
	res := &CensusResult{
		ExcludedSamples: countTrue(sampleExcluded),
		ExcludedMarkers: countTrue(markerExcluded),
	}
	log.WithFields(log.Fields{
		"samples":         len(m.Samples),
		"excludedSamples": res.ExcludedSamples,
		"markers":         len(m.Markers),
		"excludedMarkers": res.ExcludedMarkers,
	}).Info("census exclusions")
	if !(res.ExcludedSamples < len(m.Samples) && res.ExcludedMarkers < len(m.Markers)) {
		return nil, ErrNoDataLeft
	}

	samples := m.Samples
	if p.Phenotypes != nil {
		samples = p.Phenotypes.Apply(samples)
	}
	var survivors []int
	for i, si := range samples {
		if !sampleExcluded[i] {
			survivors = append(survivors, i)
			res.Samples = append(res.Samples, si.Key)
		}
	}
	if p.Begin != nil {
		if err := p.Begin(res); err != nil {
			return nil, err
		}
	}

	chunkSize := p.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	total := len(m.Markers) - res.ExcludedMarkers
	for start := 0; start < len(m.Markers); start += chunkSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + chunkSize
		if end > len(m.Markers) {
			end = len(m.Markers)
		}
		cols, err := m.ReadMarkers(start, end)
		if err != nil {
			return nil, err
		}
		var chunk []CensusMarker
		for i, col := range cols {
			idx := start + i
			if markerExcluded[idx] {
				continue
			}
			mi := m.Markers[idx]
			acc := census.Accumulator{HalfWeightMaleX: p.HalfWeightMaleX}
			for _, s := range survivors {
				si := samples[s]
				acc.Add(col[s], si.Affection, census.Decide(mi.Chromosome, si.Sex))
			}
			chunk = append(chunk, CensusMarker{
				Index:      idx,
				Key:        mi.Key,
				Chromosome: mi.Chromosome,
				Position:   mi.Position,
				Record:     acc.Result(),
			})
			res.MarkerCount++
			if res.MarkerCount%censusProgressInterval == 0 {
				log.Infof("census: processed %d of %d markers", res.MarkerCount, total)
			}
		}
		if p.Emit != nil {
			if err := p.Emit(chunk); err != nil {
				return nil, err
			}
		} else {
			res.Records = append(res.Records, chunk...)
		}
		debug.FreeOSMemory()
	}
	return res, nil
}

type censusCommand struct {
	runFlags
}

func (cmd *censusCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return exitCode(cmd.run(prog, args, stdin, stdout, stderr), stderr)
}

func (cmd *censusCommand) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.runFlags.Flags(flags)
	inputDir := flags.String("i", "", "input matrix `directory`")
	sampleQAFilename := flags.String("sample-qa", "", "sample QA operation `file` (default: compute)")
	markerQAFilename := flags.String("marker-qa", "", "marker QA operation `file` (default: compute)")
	phenotypeFilename := flags.String("phenotype-file", "", "override sex/affection with phenotype `file`")
	sampleMissingRatio := flags.Float64("sample-missing-ratio", 0.05, "exclude samples with missing ratio > `R`")
	sampleHetRatio := flags.Float64("sample-het-ratio", 0.5, "exclude samples with heterozygous ratio > `R`")
	markerMissingRatio := flags.Float64("marker-missing-ratio", 0.05, "exclude markers with missing ratio > `R`")
	discardMismatches := flags.Bool("discard-mismatches", true, "exclude markers with more than two alleles")
	halfWeightMaleX := flags.Bool("half-weight-male-x", false, "count male chromosome X genotypes with weight 0.5")
	outputFilename := flags.String("o", "", "output operation `file` (.gob.gz)")
	err := parseFlags(flags, args)
	if err != nil {
		return err
	}
	if *inputDir == "" {
		return usageError{fmt.Errorf("missing required flag -i")}
	}
	if err := cmd.Resolve(flags); err != nil {
		return err
	}

	if !cmd.local {
		runner := cmd.Runner("census", 64000000000, 2)
		err = runner.TranslatePaths(inputDir, sampleQAFilename, markerQAFilename, phenotypeFilename)
		if err != nil {
			return err
		}
		runner.Args = append([]string{"census"}, cmd.runFlags.Args()...)
		runner.Args = append(runner.Args,
			"-i", *inputDir,
			"-sample-qa="+*sampleQAFilename,
			"-marker-qa="+*markerQAFilename,
			"-phenotype-file="+*phenotypeFilename,
			"-sample-missing-ratio="+strconv.FormatFloat(*sampleMissingRatio, 'g', -1, 64),
			"-sample-het-ratio="+strconv.FormatFloat(*sampleHetRatio, 'g', -1, 64),
			"-marker-missing-ratio="+strconv.FormatFloat(*markerMissingRatio, 'g', -1, 64),
			fmt.Sprintf("-discard-mismatches=%v", *discardMismatches),
			fmt.Sprintf("-half-weight-male-x=%v", *halfWeightMaleX),
			"-o", "/mnt/output/census.gob.gz")
		var output string
		output, err = runner.Run()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, output+"/census.gob.gz")
		return nil
	}
	if *outputFilename == "" {
		return usageError{fmt.Errorf("missing required flag -o")}
	}
	defer cmd.Start()()

	ctx := context.Background()
	m, err := OpenMatrix(*inputDir)
	if err != nil {
		return err
	}
	defer closeLogged(m, *inputDir)

	params := CensusParams{
		Matrix:             m,
		SampleMissingRatio: *sampleMissingRatio,
		SampleHetRatio:     *sampleHetRatio,
		MarkerMissingRatio: *markerMissingRatio,
		DiscardMismatches:  *discardMismatches,
		HalfWeightMaleX:    *halfWeightMaleX,
		ChunkSize:          cmd.chunkSize(),
	}
	params.SampleQA, err = loadOrRunSampleQA(ctx, *sampleQAFilename, m)
	if err != nil {
		return err
	}
	params.MarkerQA, err = loadOrRunMarkerQA(ctx, *markerQAFilename, m, params.ChunkSize)
	if err != nil {
		return err
	}
	params.Phenotypes, err = loadPhenotypes(*phenotypeFilename)
	if err != nil {
		return err
	}

	hdr := OperationHeader{
		ID:          newOperationID(),
		Kind:        OpCensus,
		MatrixID:    m.Metadata.ID,
		MatrixDir:   *inputDir,
		MarkerTotal: len(m.Markers),
		Params: map[string]string{
			"sample-missing-ratio": strconv.FormatFloat(*sampleMissingRatio, 'g', -1, 64),
			"sample-het-ratio":     strconv.FormatFloat(*sampleHetRatio, 'g', -1, 64),
			"marker-missing-ratio": strconv.FormatFloat(*markerMissingRatio, 'g', -1, 64),
			"discard-mismatches":   strconv.FormatBool(*discardMismatches),
			"half-weight-male-x":   strconv.FormatBool(*halfWeightMaleX),
			"phenotype-file":       *phenotypeFilename,
		},
	}
	var w *OperationWriter
	params.Begin = func(res *CensusResult) error {
		hdr.Samples = res.Samples
		hdr.Description = fmt.Sprintf("census of matrix %s: %d samples (%d excluded), %d markers (%d excluded)", m.Metadata.ID, len(res.Samples), res.ExcludedSamples, len(m.Markers)-res.ExcludedMarkers, res.ExcludedMarkers)
		w, err = CreateOperation(*outputFilename, hdr)
		return err
	}
	mismatches := 0
	params.Emit = func(recs []CensusMarker) error {
		for _, rec := range recs {
			if rec.Mismatch {
				mismatches++
			}
		}
		return w.Write(OperationEntry{Census: recs})
	}
	_, err = RunCensus(ctx, params)
	if w != nil {
		// Records already written are kept even if the run
		// failed.
		if cerr := w.Close(); cerr != nil && err == nil {
			err = cerr
		} else if cerr != nil {
			log.Warnf("%s: close: %s", *outputFilename, cerr)
		}
	}
	if err != nil {
		return err
	}
	if mismatches > 0 {
		log.Warnf("census: %d markers have more than two alleles; their tables are zero", mismatches)
	}
	return registerOperation(ctx, &cmd.runFlags, hdr, *outputFilename)
}

// loadOrRunSampleQA returns the sample QA records from the given
// operation file, or computes them if fnm is empty.
func loadOrRunSampleQA(ctx context.Context, fnm string, m *MatrixReader) ([]SampleQARecord, error) {
	if fnm == "" {
		log.Info("computing sample QA")
		return RunSampleQA(ctx, m)
	}
	res, err := ReadOperation(fnm)
	if err != nil {
		return nil, err
	}
	if err := res.expectKind(OpSampleQA); err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return res.SampleQA, nil
}

// loadOrRunMarkerQA returns the marker QA records from the given
// operation file, or computes them if fnm is empty.
func loadOrRunMarkerQA(ctx context.Context, fnm string, m *MatrixReader, chunkSize int) ([]MarkerQARecord, error) {
	if fnm == "" {
		log.Info("computing marker QA")
		return RunMarkerQA(ctx, m, chunkSize)
	}
	res, err := ReadOperation(fnm)
	if err != nil {
		return nil, err
	}
	if err := res.expectKind(OpMarkerQA); err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return res.MarkerQA, nil
}
