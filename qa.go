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

	"github.com/arvados/gwaspi/census"
	"github.com/arvados/gwaspi/genotype"
	"github.com/montanaflynn/stats"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// RunSampleQA computes each sample's missing and heterozygous call
// ratios over all markers.
func RunSampleQA(ctx context.Context, m *MatrixReader) ([]SampleQARecord, error) {
	recs := make([]SampleQARecord, len(m.Samples))
	for s, si := range m.Samples {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		gs, err := m.ReadSample(s)
		if err != nil {
			return nil, err
		}
		rec := SampleQARecord{Key: si.Key}
		for _, g := range gs {
			if g.IsMissing() {
				rec.MissingCount++
				continue
			}
			rec.CalledCount++
			if g.IsHeterozygous() {
				rec.HetCount++
			}
		}
		if len(gs) > 0 {
			rec.MissingRatio = float64(rec.MissingCount) / float64(len(gs))
		}
		if rec.CalledCount > 0 {
			rec.HetRatio = float64(rec.HetCount) / float64(rec.CalledCount)
		}
		recs[s] = rec
	}
	return recs, nil
}

// RunMarkerQA computes each marker's missing call ratio, allele
// frequencies, and mismatch flag (more than two alleles) over all
// samples.
func RunMarkerQA(ctx context.Context, m *MatrixReader, chunkSize int) ([]MarkerQARecord, error) {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	recs := make([]MarkerQARecord, 0, len(m.Markers))
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
		for i, col := range cols {
			mi := m.Markers[start+i]
			recs = append(recs, markerQA(start+i, mi, col))
		}
		debug.FreeOSMemory()
	}
	return recs, nil
}

func markerQA(idx int, mi MarkerInfo, col []genotype.Genotype) MarkerQARecord {
	rec := MarkerQARecord{
		Index:      idx,
		Key:        mi.Key,
		Chromosome: mi.Chromosome,
	}
	var acc census.Accumulator
	missing := 0
	for _, g := range col {
		if g.IsMissing() {
			missing++
		}
		acc.Add(g, census.AffectionUnknown, census.CountAutosomally)
	}
	if len(col) > 0 {
		rec.MissingRatio = float64(missing) / float64(len(col))
	}
	cr := acc.Result()
	rec.Mismatch = cr.Mismatch
	rec.Major, rec.Minor = cr.Major, cr.Minor
	if !cr.Mismatch {
		alleles := acc.Alleles()
		var total float64
		for _, n := range alleles {
			total += n
		}
		if total > 0 {
			rec.MajorFreq = alleles[cr.Major] / total
		}
	}
	return rec
}

// qaSummary logs the distribution of a QA metric.
func qaSummary(what string, values []float64) {
	if len(values) == 0 {
		return
	}
	median, err := stats.Median(stats.Float64Data(values))
	if err != nil {
		log.Warnf("%s: %s", what, err)
		return
	}
	mean, std := stat.MeanStdDev(values, nil)
	log.WithFields(log.Fields{
		"n":      len(values),
		"median": median,
		"mean":   mean,
		"stddev": std,
	}).Infof("%s summary", what)
}

type qaCommand struct {
	kind OperationKind
	runFlags
}

func (cmd *qaCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return exitCode(cmd.run(prog, args, stdin, stdout, stderr), stderr)
}

func (cmd *qaCommand) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.runFlags.Flags(flags)
	inputDir := flags.String("i", "", "input matrix `directory`")
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
		runner := cmd.Runner(string(cmd.kind), 16000000000, 1)
		err = runner.TranslatePaths(inputDir)
		if err != nil {
			return err
		}
		runner.Args = append([]string{string(cmd.kind)}, cmd.runFlags.Args()...)
		runner.Args = append(runner.Args, "-i", *inputDir, "-o", "/mnt/output/"+string(cmd.kind)+".gob.gz")
		var output string
		output, err = runner.Run()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, output+"/"+string(cmd.kind)+".gob.gz")
		return nil
	}
	if *outputFilename == "" {
		return usageError{fmt.Errorf("missing required flag -o")}
	}
	defer cmd.Start()()

	m, err := OpenMatrix(*inputDir)
	if err != nil {
		return err
	}
	defer closeLogged(m, *inputDir)

	ctx := context.Background()
	var ent OperationEntry
	var summary []float64
	switch cmd.kind {
	case OpSampleQA:
		ent.SampleQA, err = RunSampleQA(ctx, m)
		for _, rec := range ent.SampleQA {
			summary = append(summary, rec.MissingRatio)
		}
	case OpMarkerQA:
		ent.MarkerQA, err = RunMarkerQA(ctx, m, cmd.chunkSize())
		mismatches := 0
		for _, rec := range ent.MarkerQA {
			summary = append(summary, rec.MissingRatio)
			if rec.Mismatch {
				mismatches++
			}
		}
		if mismatches > 0 {
			log.Warnf("%d markers have more than two alleles", mismatches)
		}
	default:
		err = fmt.Errorf("bug: unsupported QA kind %q", cmd.kind)
	}
	if err != nil {
		return err
	}
	qaSummary(string(cmd.kind)+" missing ratio", summary)

	samples := make([]SampleKey, len(m.Samples))
	for i, si := range m.Samples {
		samples[i] = si.Key
	}
	hdr := OperationHeader{
		ID:          newOperationID(),
		Kind:        cmd.kind,
		MatrixID:    m.Metadata.ID,
		MatrixDir:   *inputDir,
		Description: fmt.Sprintf("%s of matrix %s (%s)", cmd.kind, m.Metadata.ID, m.Metadata.Name),
		Samples:     samples,
		MarkerTotal: len(m.Markers),
	}
	return writeOperation(ctx, &cmd.runFlags, *outputFilename, hdr, []OperationEntry{ent})
}
